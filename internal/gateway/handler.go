package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"soundgate/internal/metrics"
	"soundgate/internal/ratelimit"
	"soundgate/internal/router"
	"soundgate/pkg/protocol"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	controlWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Device clients connect from app webviews and local networks;
		// authentication happens at the message layer.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// LocalHandler processes events terminating inside the gateway process.
// Implemented by the measurement coordinator.
type LocalHandler interface {
	HandleEvent(ctx context.Context, client protocol.ClientInfo, msg *protocol.ClientMessage) (any, error)
}

// Forwarder relays a client message to a backend service and returns the
// backend's response payload.
type Forwarder interface {
	Forward(ctx context.Context, baseURL string, req *protocol.ForwardRequest) (any, error)
}

// Options configure per-connection policy.
type Options struct {
	// RatePerSecond and Burst parameterize each connection's token bucket.
	RatePerSecond float64
	Burst         int
	// MaxMessageBytes is the inbound frame ceiling. Oversized frames are
	// rejected with an error envelope, not a disconnect.
	MaxMessageBytes int64
	// Backends maps forwarding destinations to base URLs. A destination
	// with no entry is reported to the client as unreachable.
	Backends map[router.Destination]string
}

// Handler terminates device WebSocket connections: it upgrades, registers,
// enforces per-connection policy, and routes each message either to the
// in-process coordinator or to a backend over HTTP. Protocol failures are
// answered with error envelopes on the same connection; only transport
// failures end the session.
type Handler struct {
	registry  *Registry
	router    *router.Router
	local     LocalHandler
	forwarder Forwarder
	opts      Options
	metrics   *metrics.Metrics
}

// NewHandler creates a WebSocket handler with its dependencies.
func NewHandler(registry *Registry, rt *router.Router, local LocalHandler, forwarder Forwarder, opts Options, m *metrics.Metrics) *Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	return &Handler{
		registry:  registry,
		router:    rt,
		local:     local,
		forwarder: forwarder,
		opts:      opts,
		metrics:   m,
	}
}

// HandleWebSocket upgrades the request and starts the connection's read
// loop. An optional device_id query parameter identifies the device up
// front; otherwise the client is prompted to identify in-band.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID != "" && !protocol.IsValidDeviceID(deviceID) {
		http.Error(w, "invalid device_id", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}

	limiter := ratelimit.NewTokenBucket(h.opts.RatePerSecond, h.opts.Burst)
	conn, err := h.registry.Register(ws, deviceID, r.RemoteAddr, limiter)
	if err != nil {
		log.Printf("gateway: register failed remote=%s err=%v", r.RemoteAddr, err)
		_ = ws.Close()
		return
	}

	if deviceID == "" {
		_ = h.registry.Send(conn, protocol.NewEvent(protocol.EventIdentifyRequired, map[string]any{
			"message": "send an identify event with your device_id to receive pushes",
		}))
	}

	go h.readLoop(ws, conn)
}

// readLoop is the single reader for a connection. It owns the read side of
// the socket until the peer goes away; all writes go through the registry.
func (h *Handler) readLoop(ws *websocket.Conn, conn *Connection) {
	defer func() {
		h.registry.Unregister(conn.ID())
		_ = conn.Close()
	}()

	// Hard transport cap above the protocol ceiling so oversized frames
	// can be answered instead of dropping the connection.
	ws.SetReadLimit(h.opts.MaxMessageBytes * 4)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("gateway: read error conn=%s err=%v", conn.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, data)
	}
}

// handleFrame applies the inbound pipeline to one frame: size ceiling, rate
// limit, parse, validate, identity gate, route.
func (h *Handler) handleFrame(conn *Connection, data []byte) {
	if int64(len(data)) > h.opts.MaxMessageBytes {
		h.countMessage("too_large")
		h.reply(conn, protocol.NewError("", nil, protocol.CodeMessageTooLarge,
			"message exceeds size limit", map[string]any{"limit_bytes": h.opts.MaxMessageBytes}))
		return
	}

	if !conn.Limiter().Allow(1) {
		h.countMessage("rate_limited")
		if h.metrics != nil {
			h.metrics.RateLimitedTotal.Inc()
		}
		h.reply(conn, protocol.NewError("", nil, protocol.CodeRateLimited,
			"too many messages, slow down", nil))
		return
	}

	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.countMessage("malformed")
		h.reply(conn, protocol.NewError("", nil, protocol.CodeBadRequest,
			"invalid message: "+err.Error(), nil))
		return
	}
	if err := msg.Validate(); err != nil {
		h.countMessage("malformed")
		h.reply(conn, protocol.NewError(msg.Event, msg.RequestID, protocol.CodeBadRequest, err.Error(), nil))
		return
	}

	canonical, dest := h.router.Resolve(msg.Event)
	msg.Event = canonical

	if dest == router.DestControl {
		h.handleIdentify(conn, &msg)
		return
	}

	if conn.DeviceID() == "" {
		h.countMessage("unauthenticated")
		h.reply(conn, protocol.NewError(canonical, msg.RequestID, protocol.CodeUnauthenticated,
			"identify before sending events", nil))
		return
	}

	client := protocol.ClientInfo{
		DeviceID:     conn.DeviceID(),
		ConnectionID: conn.ID(),
		IP:           conn.RemoteAddr(),
	}

	var (
		payload any
		err     error
	)
	switch dest {
	case router.DestCoordinator:
		payload, err = h.local.HandleEvent(context.Background(), client, &msg)
	case router.DestLobby, router.DestMeasurement, router.DestSimulation:
		baseURL, ok := h.opts.Backends[dest]
		if !ok || baseURL == "" {
			err = &backendUnavailable{dest: dest}
			break
		}
		payload, err = h.forwarder.Forward(context.Background(), baseURL, &protocol.ForwardRequest{
			Client:  client,
			Message: msg,
		})
	default:
		h.countMessage("unknown_event")
		h.reply(conn, protocol.NewError(canonical, msg.RequestID, protocol.CodeUnknownEvent,
			"unknown event: "+canonical, nil))
		return
	}

	if err != nil {
		h.countMessage("error")
		h.reply(conn, errorEnvelope(canonical, msg.RequestID, err))
		return
	}
	h.countMessage("ok")
	h.reply(conn, protocol.NewResponse(canonical, msg.RequestID, payload))
}

// handleIdentify binds the sending connection to a device id.
func (h *Handler) handleIdentify(conn *Connection, msg *protocol.ClientMessage) {
	deviceID, err := protocol.DeviceIDFromData(msg.Data)
	if err != nil {
		h.countMessage("malformed")
		h.reply(conn, protocol.NewError(msg.Event, msg.RequestID, protocol.CodeBadRequest, err.Error(), nil))
		return
	}
	h.registry.BindDevice(conn, deviceID)
	h.countMessage("ok")
	h.reply(conn, protocol.NewResponse(msg.Event, msg.RequestID, map[string]any{
		"device_id":     deviceID,
		"connection_id": conn.ID(),
		"status":        "identified",
	}))
}

func (h *Handler) reply(conn *Connection, msg *protocol.ServerMessage) {
	if err := h.registry.Send(conn, msg); err != nil {
		log.Printf("gateway: reply failed conn=%s err=%v", conn.ID(), err)
	}
}

func (h *Handler) countMessage(outcome string) {
	if h.metrics != nil {
		h.metrics.MessagesReceived.WithLabelValues(outcome).Inc()
	}
}

type backendUnavailable struct {
	dest router.Destination
}

func (e *backendUnavailable) Error() string {
	return "no backend configured for " + e.dest.String()
}

func (e *backendUnavailable) Code() string {
	return protocol.CodeUpstreamUnreachable
}

// errorEnvelope maps a routing failure onto the wire error taxonomy. Errors
// carrying their own code keep it; anything else is internal.
func errorEnvelope(event string, requestID *string, err error) *protocol.ServerMessage {
	var coded protocol.CodedError
	if errors.As(err, &coded) {
		return protocol.NewError(event, requestID, coded.Code(), err.Error(), nil)
	}
	return protocol.NewError(event, requestID, protocol.CodeInternal, "internal error", nil)
}
