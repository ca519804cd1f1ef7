package coordinator

import (
	"fmt"

	"soundgate/pkg/protocol"
)

// DomainError is a coordinator failure visible to clients: the code maps to
// the wire error taxonomy, the message is human-readable.
type DomainError struct {
	ErrCode string
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

// Code returns the wire error code.
func (e *DomainError) Code() string {
	return e.ErrCode
}

var (
	ErrSessionNotFound   = &DomainError{protocol.CodeSessionNotFound, "session not found"}
	ErrNoActiveCycle     = &DomainError{protocol.CodeNoActiveCycle, "no active measurement cycle"}
	ErrNotCurrentSpeaker = &DomainError{protocol.CodeNotCurrentSpeaker, "only the current speaker may perform this action"}
	ErrSessionTerminal   = &DomainError{protocol.CodeBadRequest, "session has already ended"}
	ErrInvalidRoster     = &DomainError{protocol.CodeBadRequest, "session requires at least one speaker and one microphone seat"}
	ErrUnknownEvent      = &DomainError{protocol.CodeUnknownEvent, "unknown measurement event"}
)

// invalidPhase builds the rejection for an action arriving outside the phase
// that accepts it.
func invalidPhase(action string, current Phase) *DomainError {
	return &DomainError{
		ErrCode: protocol.CodeInvalidPhase,
		Message: fmt.Sprintf("%s is not valid in phase %s", action, current),
	}
}

// missingField builds the rejection for a payload lacking a required key.
func missingField(field string) *DomainError {
	return &DomainError{
		ErrCode: protocol.CodeBadRequest,
		Message: fmt.Sprintf("missing %q in data", field),
	}
}
