package protocol

// Message envelope types shared by the gateway, the coordinator, and backend
// services. Every application-level message on the wire is one of these.

// Server message types.
const (
	TypeResponse = "response"
	TypeEvent    = "event"
	TypeError    = "error"
)

// Control events handled by the gateway itself, never forwarded.
const (
	EventIdentify         = "identify"
	EventIdentifyRequired = "gateway.identify_required"
)

// Client-initiated measurement session events (stateful, handled in-process
// by the coordinator).
const (
	EventCreateSession    = "measurement.create_session"
	EventStartSpeaker     = "measurement.start_speaker"
	EventReady            = "measurement.ready"
	EventClientReady      = "measurement.client_ready" // alias of EventReady
	EventSpeakerAudio     = "measurement.speaker_audio_ready"
	EventRecordingStarted = "measurement.recording_started"
	EventPlaybackComplete = "measurement.playback_complete"
	EventSpeakerFinished  = "measurement.speaker_finished" // legacy alias of EventPlaybackComplete
	EventRecordingUpload  = "measurement.recording_uploaded"
	EventClientError      = "measurement.error"
	EventSessionStatus    = "measurement.session_status"
	EventCancelSession    = "measurement.cancel_session"
	EventBroadcastResults = "measurement.broadcast_results"
)

// Server-pushed measurement events.
const (
	EventStartMeasurement = "measurement.start_measurement"
	EventRequestAudio     = "measurement.request_audio"
	EventStartRecording   = "measurement.start_recording"
	EventStartPlayback    = "measurement.start_playback"
	EventStopRecording    = "measurement.stop_recording"
	EventSpeakerComplete  = "measurement.speaker_complete"
	EventSessionComplete  = "measurement.session_complete"
	EventSessionCancelled = "measurement.session_cancelled"
	EventMeasurementError = "measurement.error"
	EventPhaseUpdate      = "measurement.phase_update"
	EventAnalysisResults  = "measurement.analysis_results"
)

// Error codes returned to clients in ErrorBody.Code.
const (
	CodeBadRequest          = "bad_request"
	CodeMessageTooLarge     = "message_too_large"
	CodeRateLimited         = "rate_limited"
	CodeUnauthenticated     = "unauthenticated"
	CodeUnknownEvent        = "unknown_event"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeUpstreamError       = "upstream_error"
	CodeSessionNotFound     = "session_not_found"
	CodeNoActiveCycle       = "no_active_cycle"
	CodeNotCurrentSpeaker   = "not_current_speaker"
	CodeInvalidPhase        = "invalid_phase"
	CodeInternal            = "internal_error"
)

// ClientMessage is the envelope a device sends over its WebSocket connection.
type ClientMessage struct {
	Event     string         `json:"event"`
	RequestID *string        `json:"request_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// ErrorBody carries a machine-readable code plus a human-readable message.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ServerMessage is the envelope the gateway writes to a device connection.
// Type is "response" for a reply correlated by RequestID, "event" for an
// unsolicited push, or "error" for a rejected action.
type ServerMessage struct {
	Type      string     `json:"type"`
	Event     string     `json:"event"`
	RequestID *string    `json:"request_id,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// ClientInfo identifies the originating device when the gateway forwards a
// message to a backend service.
type ClientInfo struct {
	DeviceID     string `json:"device_id"`
	ConnectionID string `json:"connection_id"`
	IP           string `json:"ip,omitempty"`
}

// ForwardRequest is the body of the gateway-to-backend handle call.
type ForwardRequest struct {
	Client  ClientInfo    `json:"client"`
	Message ClientMessage `json:"message"`
}

// BroadcastTargets names the devices a broadcast should reach.
type BroadcastTargets struct {
	DeviceIDs []string `json:"device_ids"`
}

// BroadcastRequest is the body of the authenticated service-to-gateway
// broadcast call.
type BroadcastRequest struct {
	Event   string           `json:"event"`
	Data    map[string]any   `json:"data"`
	Targets BroadcastTargets `json:"targets"`
}

// NewEvent builds a server push envelope.
func NewEvent(event string, data any) *ServerMessage {
	return &ServerMessage{Type: TypeEvent, Event: event, Data: data}
}

// NewResponse builds a reply envelope correlated to a client request.
func NewResponse(event string, requestID *string, data any) *ServerMessage {
	return &ServerMessage{Type: TypeResponse, Event: event, RequestID: requestID, Data: data}
}

// NewError builds an error envelope correlated to a client request where a
// request id is known.
func NewError(event string, requestID *string, code, message string, details map[string]any) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		Event:     event,
		RequestID: requestID,
		Error:     &ErrorBody{Code: code, Message: message, Details: details},
	}
}
