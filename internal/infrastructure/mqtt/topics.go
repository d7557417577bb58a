package mqtt

import "fmt"

// TopicPrefix is the root of every topic the bridge touches.
// Bridge topics use the flat scheme graylogic/{category}/avr/{device}.
const TopicPrefix = "graylogic"

// Protocol is the protocol segment used in all AVR bridge topics.
const Protocol = "avr"

// Topics provides builders for the AVR bridge MQTT topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.State("lounge")
//	// Returns: "graylogic/state/avr/lounge"
type Topics struct{}

// State returns the retained topic carrying the receiver state.
//
// Example: graylogic/state/avr/lounge
func (Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Discovery returns the retained topic describing one input of a receiver.
//
// Example: graylogic/discovery/avr/lounge/05
func (Topics) Discovery(deviceID, inputID string) string {
	return fmt.Sprintf("%s/discovery/%s/%s/%s", TopicPrefix, Protocol, deviceID, inputID)
}

// Command returns the topic the bridge listens on for commands.
//
// Example: graylogic/command/avr/lounge
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Ack returns the topic command acknowledgements are published on.
//
// Example: graylogic/ack/avr/lounge
func (Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Health returns the retained bridge health topic. It also carries the LWT.
//
// Example: graylogic/health/avr
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// AllCommands returns a wildcard matching commands for every receiver.
//
// Example: graylogic/command/avr/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AllStates returns a wildcard matching state for every receiver.
//
// Example: graylogic/state/avr/+
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, Protocol)
}
