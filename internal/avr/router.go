package avr

import (
	"regexp"
	"sync/atomic"
)

// Availability is the probed state of the status endpoint.
type Availability int32

// Availability values.
const (
	AvailabilityUnknown Availability = iota
	AvailabilityAvailable
	AvailabilityUnavailable
)

// String returns the availability name.
func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "available"
	case AvailabilityUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Route is the transport chosen for a command.
type Route int

// Routes.
const (
	RouteControlLink Route = iota
	RouteStatusEndpoint
)

// String returns the route name.
func (r Route) String() string {
	if r == RouteStatusEndpoint {
		return "status_endpoint"
	}
	return "control_link"
}

// webEligible matches the commands the receiver's web UI issues:
// power on/off, volume step, mute on/off and input select.
var webEligible = regexp.MustCompile(`^(PO|PF|VU|VD|MO|MF|[0-9]{2}FN)$`)

// WebEligible reports whether cmd may be sent through the status endpoint.
func WebEligible(cmd string) bool {
	return webEligible.MatchString(cmd)
}

// TransportRouter picks a transport per command.
// Until availability is confirmed every command takes the control link.
type TransportRouter struct {
	availability atomic.Int32
}

// SetAvailability records the probe result.
func (r *TransportRouter) SetAvailability(a Availability) {
	r.availability.Store(int32(a))
}

// Availability returns the probe result.
func (r *TransportRouter) Availability() Availability {
	return Availability(r.availability.Load())
}

// Route classifies cmd.
func (r *TransportRouter) Route(cmd string) Route {
	if r.Availability() == AvailabilityAvailable && WebEligible(cmd) {
		return RouteStatusEndpoint
	}
	return RouteControlLink
}
