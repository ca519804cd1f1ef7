package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"soundgate/internal/metrics"
	"soundgate/internal/ratelimit"
	"soundgate/pkg/protocol"
)

const writeTimeout = 5 * time.Second

// DeliveryReport describes the outcome of one fan-out operation. Fan-out is
// best-effort: per-connection failures are counted, never propagated, so a
// dead participant cannot block delivery to the rest of a session.
type DeliveryReport struct {
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	PerDevice map[string]int `json:"per_device"`
}

// Registry tracks live connections with a bidirectional index: connection id
// to Connection, and device id to the set of that device's connections (a
// device may hold more than one, e.g. an app relaunch racing the old socket's
// timeout). Mutations hold the registry lock; fan-out snapshots matching
// connections under the lock and writes after releasing it.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	byDevice map[string]map[string]*Connection

	metrics *metrics.Metrics
}

// NewRegistry creates an empty connection registry.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		byID:     make(map[string]*Connection),
		byDevice: make(map[string]map[string]*Connection),
		metrics:  m,
	}
}

// Register allocates a fresh connection id, stores the connection and, when a
// device id was supplied at accept time, indexes it under that device.
func (r *Registry) Register(transport Transport, deviceID, remoteAddr string, limiter *ratelimit.TokenBucket) (*Connection, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}

	conn := &Connection{
		id:         uuid.NewString(),
		transport:  transport,
		remoteAddr: remoteAddr,
		limiter:    limiter,
		deviceID:   deviceID,
	}

	r.mu.Lock()
	r.byID[conn.id] = conn
	if deviceID != "" {
		r.indexDeviceLocked(conn, deviceID)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Inc()
		r.metrics.ConnectionsTotal.Inc()
	}
	return conn, nil
}

// BindDevice attaches a device identity to an already-registered connection.
// Idempotent for the same id; rebinding to a different id moves the
// connection between device sets.
func (r *Registry) BindDevice(conn *Connection, deviceID string) {
	if conn == nil || deviceID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := conn.DeviceID()
	if previous == deviceID {
		if set := r.byDevice[deviceID]; set == nil || set[conn.id] == nil {
			r.indexDeviceLocked(conn, deviceID)
		}
		return
	}
	if previous != "" {
		r.dropDeviceIndexLocked(conn.id, previous)
	}

	conn.setDeviceID(deviceID)
	r.indexDeviceLocked(conn, deviceID)
}

// Unregister removes a connection from both indices. It is a no-op when the
// connection is already gone, so the error path and the normal close path may
// both invoke it.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	conn, exists := r.byID[connectionID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connectionID)
	if deviceID := conn.DeviceID(); deviceID != "" {
		r.dropDeviceIndexLocked(connectionID, deviceID)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Dec()
	}
}

// Send serializes the message and writes it to the connection's transport
// while holding that connection's exclusive-write guard. A delivery error
// means the connection is dead; the caller's read loop handles the reap.
func (r *Registry) Send(conn *Connection, msg *protocol.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	if err := conn.transport.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.transport.WriteMessage(websocket.TextMessage, data)
}

// SendToDevices resolves every registered connection across the given device
// identities and attempts Send on each. Individual send failures are logged
// and counted, never propagated. Every requested device id gets an entry in
// the report's PerDevice map, zero when it had no live connections.
func (r *Registry) SendToDevices(deviceIDs []string, msg *protocol.ServerMessage) DeliveryReport {
	report := DeliveryReport{PerDevice: make(map[string]int)}

	r.mu.RLock()
	type target struct {
		conn     *Connection
		deviceID string
	}
	var targets []target
	for _, deviceID := range deviceIDs {
		report.PerDevice[deviceID] = 0
		for _, conn := range r.byDevice[deviceID] {
			targets = append(targets, target{conn: conn, deviceID: deviceID})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := r.Send(t.conn, msg); err != nil {
			log.Printf("fan-out delivery failed: event=%s device=%s conn=%s err=%v",
				msg.Event, t.deviceID, t.conn.id, err)
			report.Failed++
			if r.metrics != nil {
				r.metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			}
			continue
		}
		report.Delivered++
		report.PerDevice[t.deviceID]++
		if r.metrics != nil {
			r.metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
		}
	}
	return report
}

// Stats returns registry counters for the stats endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"connections": len(r.byID),
		"devices":     len(r.byDevice),
	}
}

// indexDeviceLocked and dropDeviceIndexLocked maintain the invariant that a
// connection appears in the device index iff it has a bound identity, and
// that emptied device sets are removed entirely.
func (r *Registry) indexDeviceLocked(conn *Connection, deviceID string) {
	set := r.byDevice[deviceID]
	if set == nil {
		set = make(map[string]*Connection)
		r.byDevice[deviceID] = set
	}
	set[conn.id] = conn
}

func (r *Registry) dropDeviceIndexLocked(connectionID, deviceID string) {
	set, exists := r.byDevice[deviceID]
	if !exists {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.byDevice, deviceID)
	}
}
