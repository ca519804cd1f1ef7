package protocol

import "unicode/utf8"

// Device identity constraints from the identify handshake contract.
const (
	MinDeviceIDLength = 1
	MaxDeviceIDLength = 200
)

// Validate ensures the client envelope is structurally sound: a non-empty
// event name and a data mapping. A nil Data map is normalized to an empty one
// so handlers never see nil.
func (m *ClientMessage) Validate() error {
	if m.Event == "" {
		return ErrEmptyEvent
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	return nil
}

// IsValidDeviceID reports whether a device identity satisfies the length
// bounds of the identify handshake. Length is counted in characters, not
// bytes, so multibyte identifiers are not penalized.
func IsValidDeviceID(deviceID string) bool {
	n := utf8.RuneCountInString(deviceID)
	return n >= MinDeviceIDLength && n <= MaxDeviceIDLength
}

// DeviceIDFromData extracts and validates the device id carried by an
// identify payload.
func DeviceIDFromData(data map[string]any) (string, error) {
	raw, ok := data["device_id"]
	if !ok {
		return "", ErrMissingDeviceID
	}
	deviceID, ok := raw.(string)
	if !ok || !IsValidDeviceID(deviceID) {
		return "", ErrInvalidDeviceID
	}
	return deviceID, nil
}
