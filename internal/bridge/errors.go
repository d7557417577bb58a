package bridge

import "errors"

// Bridge construction and command errors.
var (
	// ErrDeviceIDRequired is returned when Options.DeviceID is empty.
	ErrDeviceIDRequired = errors.New("bridge: device id is required")

	// ErrControllerRequired is returned when Options.Controller is nil.
	ErrControllerRequired = errors.New("bridge: controller is required")

	// ErrMQTTRequired is returned when Options.MQTT is nil.
	ErrMQTTRequired = errors.New("bridge: MQTT client is required")

	// ErrPreferencesUnavailable is returned by SetInputHidden when no
	// preference store is configured.
	ErrPreferencesUnavailable = errors.New("bridge: input preferences not configured")
)
