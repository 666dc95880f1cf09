package iot

import (
	"encoding/base64"
	"time"
	"unicode/utf8"
)

// PayloadEncodingBase64 marks a text rendition of a payload that is not valid UTF-8
const PayloadEncodingBase64 = "base64"

// PinUpdate is a new value for a device pin, produced by a DATA frame.
type PinUpdate struct {
	DeviceID  string
	Pin       string
	Value     string
	MessageID uint16
	Timestamp time.Time
}

// HardwareData is a DATA frame whose body is not a pin assignment. The payload
// is relayed as is.
type HardwareData struct {
	DeviceID  string
	MessageID uint16
	Payload   []byte
	Timestamp time.Time
}

// EncodePayload renders a device payload as text without losing bytes.
// Valid UTF-8 is returned unchanged with an empty encoding, anything else is
// base64 encoded and the encoding is PayloadEncodingBase64.
func EncodePayload(payload []byte) (text string, encoding string) {
	if utf8.Valid(payload) {
		return string(payload), ""
	}
	return base64.StdEncoding.EncodeToString(payload), PayloadEncodingBase64
}

// StatusChange reports a device going online (authenticated session registered)
// or offline (current session closed).
type StatusChange struct {
	DeviceID  string
	Online    bool
	Timestamp time.Time
}

// StatusString returns "online" or "offline"
func (s StatusChange) StatusString() string {
	if s.Online {
		return "online"
	}
	return "offline"
}
