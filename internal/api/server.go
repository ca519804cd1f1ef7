package api

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"soundgate/internal/broadcast"
	"soundgate/internal/database"
	"soundgate/internal/gateway"
	"soundgate/internal/metrics"
	"soundgate/pkg/protocol"
)

// SessionReader exposes live coordinator state to the HTTP API.
type SessionReader interface {
	SessionStatus(sessionID string) (map[string]any, error)
	ActiveSessions() int
}

// Server serves the gateway's HTTP surface next to the WebSocket endpoint:
// health, stats, live and archived session state, the service-to-gateway
// broadcast hook, and Prometheus metrics.
type Server struct {
	sessions   SessionReader
	registry   *gateway.Registry
	dispatcher *broadcast.Dispatcher
	archive    *database.Manager
	metrics    *metrics.Metrics

	// internalToken authenticates /internal/* callers. Empty means the
	// internal surface is disabled.
	internalToken string

	router *http.ServeMux
}

func NewServer(sessions SessionReader, registry *gateway.Registry, dispatcher *broadcast.Dispatcher, archive *database.Manager, m *metrics.Metrics, internalToken string) *Server {
	s := &Server{
		sessions:      sessions,
		registry:      registry,
		dispatcher:    dispatcher,
		archive:       archive,
		metrics:       m,
		internalToken: internalToken,
		router:        http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))
	s.router.Handle("/api/stats", s.jsonMiddleware(http.HandlerFunc(s.getStats)))
	s.router.Handle("/api/sessions", s.jsonMiddleware(http.HandlerFunc(s.listSessions)))
	s.router.Handle("/api/sessions/", s.jsonMiddleware(http.HandlerFunc(s.getSession)))
	s.router.Handle("/internal/broadcast", s.internalAuth(s.jsonMiddleware(http.HandlerFunc(s.internalBroadcast))))
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"active_sessions": s.sessions.ActiveSessions(),
	})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.registry.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connections":     stats["connections"],
		"devices":         stats["devices"],
		"active_sessions": s.sessions.ActiveSessions(),
	})
}

// getSession serves /api/sessions/{id}: live coordinator state when the
// session is in memory, archived state otherwise.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		s.sendError(w, "invalid session id", http.StatusBadRequest)
		return
	}

	if status, err := s.sessions.SessionStatus(sessionID); err == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"source": "live", "session": status})
		return
	}

	row, err := s.archive.GetSession(r.Context(), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		s.sendError(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("api: archive lookup failed session=%s err=%v", sessionID, err)
		s.sendError(w, "archive lookup failed", http.StatusInternalServerError)
		return
	}
	cycles, err := s.archive.GetSessionMeasurements(r.Context(), sessionID)
	if err != nil {
		log.Printf("api: cycle lookup failed session=%s err=%v", sessionID, err)
		s.sendError(w, "archive lookup failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"source":       "archive",
		"session":      row,
		"measurements": cycles,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.archive.ListRecentSessions(r.Context(), 50)
	if err != nil {
		log.Printf("api: session list failed err=%v", err)
		s.sendError(w, "archive lookup failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []database.SessionRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": rows})
}

// internalBroadcast lets backend services push an event to a set of devices.
func (s *Server) internalBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req protocol.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		s.sendError(w, "event is required", http.StatusBadRequest)
		return
	}
	if len(req.Targets.DeviceIDs) == 0 {
		s.sendError(w, "targets.device_ids is required", http.StatusBadRequest)
		return
	}

	report := s.dispatcher.Broadcast(r.Context(), req.Targets.DeviceIDs, req.Event, req.Data)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"delivered":  report.Delivered,
		"failed":     report.Failed,
		"per_device": report.PerDevice,
	})
}

// internalAuth guards service-only endpoints with the shared token. With no
// token configured the endpoint fails closed.
func (s *Server) internalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalToken == "" {
			http.Error(w, `{"error":"internal endpoints disabled"}`, http.StatusForbidden)
			return
		}
		token := r.Header.Get("X-Internal-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.internalToken)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: response encode failed: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]any{"error": message})
}
