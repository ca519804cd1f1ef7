package coordinator

import (
	"context"

	"soundgate/pkg/protocol"
)

// HandleEvent dispatches a coordinator-bound client message to the matching
// operation. Events arrive with their canonical names; legacy aliases are
// rewritten by the router before reaching here. The returned payload becomes
// the response envelope body.
func (c *Coordinator) HandleEvent(ctx context.Context, client protocol.ClientInfo, msg *protocol.ClientMessage) (any, error) {
	data := msg.Data

	switch msg.Event {
	case protocol.EventCreateSession:
		jobID, err := requireString(data, "job_id")
		if err != nil {
			return nil, err
		}
		lobbyID := stringField(data, "lobby_id")
		speakers, err := slotSpecs(data, "speakers")
		if err != nil {
			return nil, err
		}
		microphones, err := slotSpecs(data, "microphones")
		if err != nil {
			return nil, err
		}
		return c.CreateSession(ctx, jobID, lobbyID, speakers, microphones)

	case protocol.EventStartSpeaker:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.StartSpeaker(ctx, sessionID)

	case protocol.EventReady:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.ClientReady(ctx, sessionID, client.DeviceID)

	case protocol.EventSpeakerAudio:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.SpeakerAudioReady(ctx, sessionID, client.DeviceID, stringField(data, "audio_hash"))

	case protocol.EventRecordingStarted:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.RecordingStarted(ctx, sessionID, client.DeviceID)

	case protocol.EventPlaybackComplete:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.PlaybackComplete(ctx, sessionID, client.DeviceID)

	case protocol.EventRecordingUpload:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.RecordingUploaded(ctx, sessionID, client.DeviceID, stringField(data, "upload_name"))

	case protocol.EventClientError:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.HandleClientError(ctx, sessionID, client.DeviceID,
			stringField(data, "error_message"), stringField(data, "error_code"))

	case protocol.EventSessionStatus:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.SessionStatus(sessionID)

	case protocol.EventCancelSession:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		return c.CancelSession(ctx, sessionID, stringField(data, "reason"))

	case protocol.EventBroadcastResults:
		sessionID, err := requireString(data, "session_id")
		if err != nil {
			return nil, err
		}
		results, _ := data["results"].(map[string]any)
		return c.BroadcastResults(ctx, sessionID, stringField(data, "job_id"), results)
	}

	return nil, ErrUnknownEvent
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func requireString(data map[string]any, key string) (string, error) {
	v, ok := data[key].(string)
	if !ok || v == "" {
		return "", missingField(key)
	}
	return v, nil
}

// slotSpecs decodes a roster entry list of {device_id, slot_id, slot_label}
// objects from untyped message data.
func slotSpecs(data map[string]any, key string) ([]SlotSpec, error) {
	raw, ok := data[key].([]any)
	if !ok {
		return nil, missingField(key)
	}
	specs := make([]SlotSpec, 0, len(raw))
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, missingField(key)
		}
		spec := SlotSpec{
			DeviceID:  stringField(obj, "device_id"),
			SlotID:    stringField(obj, "slot_id"),
			SlotLabel: stringField(obj, "slot_label"),
		}
		if spec.DeviceID == "" || spec.SlotID == "" {
			return nil, missingField(key)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
