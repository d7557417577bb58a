package bridge

import (
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

// NotificationKind identifies what a Notification carries.
type NotificationKind string

// Notification kinds.
const (
	NotifyState      NotificationKind = "state"
	NotifyInput      NotificationKind = "input"
	NotifyConnection NotificationKind = "connection"
)

// Notification is delivered to observers registered with Observe.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	DeviceID string           `json:"device_id"`
	Time     time.Time        `json:"time"`

	// State is set for NotifyState.
	State *avr.DeviceState `json:"state,omitempty"`

	// Input is set for NotifyInput.
	Input *InputInfo `json:"input,omitempty"`

	// Connection is the receiver event type for NotifyConnection
	// ("connected", "disconnected" or "timeout").
	Connection string `json:"connection,omitempty"`
}
