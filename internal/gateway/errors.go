package gateway

import (
	"errors"
	"fmt"
)

// Authentication errors surfaced to the host platform. The host is
// expected to show a reauthentication prompt on ErrAuthInvalid and
// ErrPersistentDisconnection.
var (
	// ErrAuthPending is returned while the claim is waiting for the
	// physical button press on the gateway.
	ErrAuthPending = errors.New("authentication pending: waiting for button confirmation")

	// ErrAuthTimeout is returned when the button was not pressed within
	// the claim timeout.
	ErrAuthTimeout = errors.New("authentication timed out: button not confirmed")

	// ErrAuthRejected is returned when the gateway denied the claim.
	ErrAuthRejected = errors.New("authentication rejected by gateway")

	// ErrAuthInvalid is returned when the stored credential has been
	// invalidated. Callers must re-run Claim before retrying.
	ErrAuthInvalid = errors.New("credential invalid: reauthentication required")
)

// Load-time and connectivity errors.
var (
	// ErrNoSiteInfo indicates the installation has not been finalized on
	// the gateway (unnamed rooms/loads). Terminal for the load attempt.
	ErrNoSiteInfo = errors.New("gateway installation not finalized: no site info")

	// ErrTransportClosed indicates the event-stream connection closed.
	ErrTransportClosed = errors.New("event stream transport closed")

	// ErrPersistentDisconnection is surfaced after the reconnection
	// supervisor exhausts its attempt budget.
	ErrPersistentDisconnection = errors.New("persistent disconnection: retries exhausted")

	// ErrAlreadyConnected is returned by Start on a live dispatcher.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrUnknownLoad is returned for control calls naming a load id that
	// is not present in the loaded graph.
	ErrUnknownLoad = errors.New("unknown load id")
)

// IncompleteDeviceDataError reports a device record missing a required
// field during a strict load.
type IncompleteDeviceDataError struct {
	DeviceID string
	Field    string
}

func (e *IncompleteDeviceDataError) Error() string {
	return fmt.Sprintf("incomplete device data: device %s has an empty field %s", e.DeviceID, e.Field)
}

// CommandError reports a control-call failure, carrying the error
// payload reported by the gateway when one was returned.
type CommandError struct {
	StatusCode int
	Message    string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway command failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway command failed with status %d: %s", e.StatusCode, e.Message)
}
