package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

// Protocol is the protocol identifier carried in bridge messages.
const Protocol = "avr"

// Command names accepted on the command topic and by the HTTP API.
const (
	CommandPower          = "power"
	CommandMute           = "mute"
	CommandPanelLock      = "panel_lock"
	CommandVolume         = "volume"
	CommandVolumeStep     = "volume_step"
	CommandInput          = "input"
	CommandRenameInput    = "rename_input"
	CommandRemoteKey      = "remote_key"
	CommandRefresh        = "refresh"
	CommandDiscover       = "discover"
	CommandSetInputHidden = "set_input_hidden"
)

// CommandMessage asks the bridge to act on the receiver.
// Topic: graylogic/command/avr/{device}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Generated when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID must match the bridge's device when set.
	DeviceID string `json:"device_id"`

	// Command is one of the Command* names.
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"on": true} for power
	//   {"percent": 40} for volume
	//   {"id": "05", "name": "Blu-ray"} for rename_input
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("mqtt", "api", "scheduler").
	Source string `json:"source"`
}

// MarshalJSON marshals a CommandMessage with an RFC3339 timestamp.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage. An empty timestamp is allowed.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was handed to a live transport.
	AckAccepted AckStatus = "accepted"

	// AckQueued indicates the command is waiting for the control link.
	AckQueued AckStatus = "queued"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/avr/{device}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failed reports whether the ack carries an error.
func (a AckMessage) Failed() bool { return a.Status == AckFailed }

// NewAckMessage creates an acknowledgment for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates a failed acknowledgment.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// StateMessage carries the receiver state.
// Topic: graylogic/state/avr/{device}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID        string          `json:"device_id"`
	Timestamp       time.Time       `json:"timestamp"`
	State           avr.DeviceState `json:"state"`
	Connection      string          `json:"connection"`
	WebAvailability string          `json:"web_availability"`
	FullyDiscovered bool            `json:"fully_discovered"`
	Protocol        string          `json:"protocol"`
	Address         string          `json:"address"`
}

// InputInfo describes one receiver input with its visibility preference.
type InputInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Hidden   bool   `json:"hidden"`
}

// NewInputInfo builds an InputInfo from a receiver input.
func NewInputInfo(in avr.Input, hidden bool) InputInfo {
	return InputInfo{ID: in.ID, Name: in.Name, Category: in.Category.String(), Hidden: hidden}
}

// InputMessage announces a discovered input.
// Topic: graylogic/discovery/avr/{device}/{input}
// QoS: 1, Retained: Yes
type InputMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Input     InputInfo `json:"input"`
	Protocol  string    `json:"protocol"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates MQTT and the control link are up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates MQTT or the control link is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/avr
// QoS: 1, Retained: Yes
// Interval: Every 30 seconds
type HealthMessage struct {
	Bridge        string           `json:"bridge"`
	DeviceID      string           `json:"device_id"`
	Timestamp     time.Time        `json:"timestamp"`
	Status        HealthStatus     `json:"status"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	LinkConnected bool             `json:"link_connected"`
	LinkState     string           `json:"link_state"`
	WebAvailable  bool             `json:"web_available"`
	State         *avr.DeviceState `json:"state,omitempty"`
	LinesTx       uint64           `json:"lines_tx"`
	LinesRx       uint64           `json:"lines_rx"`
	Discovered    int              `json:"discovered"`
	Reason        string           `json:"reason,omitempty"`
}

// NewHealthMessage builds a health message from client statistics.
func NewHealthMessage(deviceID, version string, status HealthStatus, stats avr.ClientStats, state avr.DeviceState, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:        "avrbridge",
		DeviceID:      deviceID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		LinkConnected: stats.Link.State == avr.StateConnected,
		LinkState:     stats.Link.State.String(),
		WebAvailable:  stats.WebAvailability == avr.AvailabilityAvailable,
		State:         &state,
		LinesTx:       stats.Link.LinesTx,
		LinesRx:       stats.Link.LinesRx,
		Discovered:    stats.Discovered,
	}
}
