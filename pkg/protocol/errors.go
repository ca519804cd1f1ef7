package protocol

import "errors"

// Envelope validation errors
var (
	ErrEmptyEvent      = errors.New("event name cannot be empty")
	ErrMissingDeviceID = errors.New("identify requires data.device_id")
	ErrInvalidDeviceID = errors.New("device_id must be 1-200 characters")
)

// CodedError associates a machine-readable error code with an error so the
// gateway can build error envelopes without knowing the failing subsystem.
type CodedError interface {
	error
	Code() string
}

