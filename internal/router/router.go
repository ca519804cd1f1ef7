package router

import (
	"strings"

	"soundgate/pkg/protocol"
)

// Destination is the routing decision for one inbound event.
type Destination int

const (
	// DestUnknown means no rule matched; the caller surfaces an
	// unknown-event error.
	DestUnknown Destination = iota
	// DestControl marks reserved gateway events (identify) that the
	// ingress loop handles itself and never forwards.
	DestControl
	// DestCoordinator routes to the in-process measurement coordinator.
	DestCoordinator
	// DestLobby, DestMeasurement and DestSimulation route to external
	// backend services over HTTP.
	DestLobby
	DestMeasurement
	DestSimulation
)

func (d Destination) String() string {
	switch d {
	case DestControl:
		return "control"
	case DestCoordinator:
		return "coordinator"
	case DestLobby:
		return "lobby"
	case DestMeasurement:
		return "measurement"
	case DestSimulation:
		return "simulation"
	default:
		return "unknown"
	}
}

// aliases maps legacy event names onto their canonical counterparts. Aliases
// are resolved once at the router boundary so the coordinator's state machine
// stays alias-free.
var aliases = map[string]string{
	protocol.EventClientReady:     protocol.EventReady,
	protocol.EventSpeakerFinished: protocol.EventPlaybackComplete,
}

// sessionEvents is the fixed set of stateful measurement events owned by the
// in-process coordinator.
var sessionEvents = map[string]struct{}{
	protocol.EventCreateSession:    {},
	protocol.EventStartSpeaker:     {},
	protocol.EventReady:            {},
	protocol.EventSpeakerAudio:     {},
	protocol.EventRecordingStarted: {},
	protocol.EventPlaybackComplete: {},
	protocol.EventRecordingUpload:  {},
	protocol.EventClientError:      {},
	protocol.EventSessionStatus:    {},
	protocol.EventCancelSession:    {},
	protocol.EventBroadcastResults: {},
}

// statelessMeasurementEvents are pure computation events handled by the
// measurement service, not the coordinator.
var statelessMeasurementEvents = map[string]struct{}{
	"measurement.create_job":     {},
	"measurement.get_job":        {},
	"measurement.get_audio_info": {},
}

// Router maps an inbound event name to its destination. The rules live in
// package-level tables so they can be unit-tested exhaustively against the
// event catalogue.
type Router struct{}

// NewRouter creates an event router.
func NewRouter() *Router {
	return &Router{}
}

// Resolve canonicalizes the event name, applying the legacy alias table, and
// decides its destination.
func (r *Router) Resolve(event string) (string, Destination) {
	if canonical, ok := aliases[event]; ok {
		event = canonical
	}

	if event == protocol.EventIdentify {
		return event, DestControl
	}

	if _, ok := sessionEvents[event]; ok {
		return event, DestCoordinator
	}
	if _, ok := statelessMeasurementEvents[event]; ok {
		return event, DestMeasurement
	}

	switch {
	case strings.HasPrefix(event, "lobby."), strings.HasPrefix(event, "role."):
		return event, DestLobby
	case strings.HasPrefix(event, "measurement."):
		// Unlisted measurement.* names are session-scoped by default;
		// the coordinator rejects the ones it does not know.
		return event, DestCoordinator
	case strings.HasPrefix(event, "analysis."):
		return event, DestMeasurement
	case strings.HasPrefix(event, "simulation."):
		return event, DestSimulation
	}

	return event, DestUnknown
}
