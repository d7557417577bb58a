// Package logging provides structured logging for the AVR bridge.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same handler, level and default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	client.SetLogger(logger.Component("avr"))
//	logger.Error("failed to connect", "error", err)
//
// Never log secrets such as the MQTT password or the InfluxDB token.
package logging
