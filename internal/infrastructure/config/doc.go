// Package config handles loading and validating the AVR bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with AVRBRIDGE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, Redis password) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.AVR.Host)
package config
