package gateway

import (
	"sync"
	"time"

	"soundgate/internal/ratelimit"
)

// Transport is the write side of one duplex client link. *websocket.Conn
// satisfies it; tests substitute an in-memory fake.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one physical duplex link to one client process. The device
// identity is optional until the identify handshake completes. writeMu is the
// exclusive-write guard: it is held for the duration of exactly one outbound
// write so concurrent producers (ingress responses and coordinator fan-out)
// serialize cleanly.
type Connection struct {
	id         string
	transport  Transport
	remoteAddr string
	limiter    *ratelimit.TokenBucket

	writeMu sync.Mutex

	mu       sync.RWMutex
	deviceID string
}

// ID returns the opaque connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the best-effort remote address captured at accept time.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Limiter returns this connection's rate limiter. The ingress loop is the
// sole caller of Allow.
func (c *Connection) Limiter() *ratelimit.TokenBucket {
	return c.limiter
}

// DeviceID returns the bound device identity, or "" before identify.
func (c *Connection) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Connection) setDeviceID(deviceID string) {
	c.mu.Lock()
	c.deviceID = deviceID
	c.mu.Unlock()
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.transport.Close()
}
