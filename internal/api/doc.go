// Package api implements the HTTP REST API and WebSocket server for the AVR bridge.
//
// This package provides:
//   - REST endpoints for receiver state, inputs, commands and state history
//   - WebSocket hub for real-time state, input and connection events
//   - Prometheus metrics for HTTP traffic and the receiver link
//   - Middleware stack (request ID, real IP, logging, recovery, CORS)
//
// # Architecture
//
// The API server sits beside the MQTT bridge. Commands posted over HTTP run
// through the same bridge.Execute path as MQTT commands, so both surfaces
// share validation and acknowledgment semantics. Bridge notifications are
// relayed to WebSocket clients subscribed to the matching channel.
//
// # Graceful Degradation
//
// History, the Redis cache and the database health probe are optional.
// Endpoints backed by a missing dependency answer 503 instead of failing
// the whole server.
package api
