package gateway

import "errors"

// Registry errors
var (
	ErrNilTransport = errors.New("transport cannot be nil")
)
