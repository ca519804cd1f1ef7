package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidateNormalizesNilData(t *testing.T) {
	msg := &ClientMessage{Event: "identify"}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if msg.Data == nil {
		t.Fatal("Data still nil after Validate")
	}
}

func TestValidateRejectsEmptyEvent(t *testing.T) {
	msg := &ClientMessage{}
	if err := msg.Validate(); !errors.Is(err, ErrEmptyEvent) {
		t.Fatalf("got %v, want ErrEmptyEvent", err)
	}
}

func TestDeviceIDFromData(t *testing.T) {
	cases := []struct {
		name    string
		data    map[string]any
		want    string
		wantErr error
	}{
		{"valid", map[string]any{"device_id": "mic-1"}, "mic-1", nil},
		{"missing", map[string]any{}, "", ErrMissingDeviceID},
		{"wrong type", map[string]any{"device_id": 42}, "", ErrInvalidDeviceID},
		{"empty", map[string]any{"device_id": ""}, "", ErrInvalidDeviceID},
		{"too long", map[string]any{"device_id": strings.Repeat("x", MaxDeviceIDLength+1)}, "", ErrInvalidDeviceID},
		{"at limit", map[string]any{"device_id": strings.Repeat("x", MaxDeviceIDLength)}, strings.Repeat("x", MaxDeviceIDLength), nil},
		{"multibyte at limit", map[string]any{"device_id": strings.Repeat("ø", MaxDeviceIDLength)}, strings.Repeat("ø", MaxDeviceIDLength), nil},
		{"multibyte over limit", map[string]any{"device_id": strings.Repeat("ø", MaxDeviceIDLength+1)}, "", ErrInvalidDeviceID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DeviceIDFromData(tc.data)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("device id = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEnvelopeBuilders(t *testing.T) {
	reqID := "r-1"

	ev := NewEvent("measurement.phase_update", map[string]any{"phase": "recording"})
	if ev.Type != TypeEvent || ev.RequestID != nil {
		t.Errorf("event envelope = %+v", ev)
	}

	resp := NewResponse("identify", &reqID, map[string]any{"ok": true})
	if resp.Type != TypeResponse || resp.RequestID == nil || *resp.RequestID != "r-1" {
		t.Errorf("response envelope = %+v", resp)
	}

	errMsg := NewError("identify", &reqID, CodeBadRequest, "bad", map[string]any{"field": "device_id"})
	if errMsg.Type != TypeError || errMsg.Error == nil || errMsg.Error.Code != CodeBadRequest {
		t.Errorf("error envelope = %+v", errMsg)
	}
}

func TestServerMessageWireShape(t *testing.T) {
	reqID := "r-9"
	raw, err := json.Marshal(NewError("measurement.ready", &reqID, CodeRateLimited, "slow down", nil))
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "error" || decoded["request_id"] != "r-9" {
		t.Errorf("wire shape = %v", decoded)
	}
	errBody, _ := decoded["error"].(map[string]any)
	if errBody["code"] != CodeRateLimited {
		t.Errorf("error body = %v", errBody)
	}
	if _, ok := decoded["data"]; ok {
		t.Error("empty data serialized")
	}
}
