package avr

import "errors"

// Domain errors for the avr package.
var (
	// ErrNotConnected is returned when a transmission requires the control
	// link but no session is established.
	ErrNotConnected = errors.New("avr: not connected to receiver")

	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("avr: client closed")

	// ErrConnectionFailed is returned when a connect attempt fails.
	ErrConnectionFailed = errors.New("avr: connection to receiver failed")

	// ErrSendFailed is returned when writing a command fails.
	ErrSendFailed = errors.New("avr: command send failed")

	// ErrStatusUnavailable is returned when the status endpoint is not usable.
	ErrStatusUnavailable = errors.New("avr: status endpoint unavailable")

	// ErrInvalidInputID is returned for input ids that are not one or two digits.
	ErrInvalidInputID = errors.New("avr: invalid input id")

	// ErrInvalidStatus is returned when a status document cannot be decoded.
	ErrInvalidStatus = errors.New("avr: invalid status document")
)
