package realtime

import (
	"time"

	"github.com/iotpioneers/iotdatahub-sub004/iot/cache"
	"github.com/iotpioneers/iotdatahub-sub004/iot/registry"
)

// the frame types of the realtime channel
const (
	TypeDeviceUpdate          = "DEVICE_UPDATE"
	TypeHardwareData          = "HARDWARE_DATA"
	TypeDeviceStatus          = "DEVICE_STATUS"
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	TypeSubscriptionConfirmed = "SUBSCRIPTION_CONFIRMED"
	TypeWidgetUpdate          = "WIDGET_UPDATE"
	TypeCacheInitialized      = "CACHE_INITIALIZED"
	TypePong                  = "PONG"
	TypeError                 = "ERROR"
)

// the inbound control frame types
const (
	controlSubscribe   = "SUBSCRIBE"
	controlUnsubscribe = "UNSUBSCRIBE"
	controlPing        = "PING"
)

// Frame is a JSON frame of the realtime channel. Only the fields relevant to
// the frame type are populated.
type Frame struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Data       interface{}     `json:"data,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
	Stats      *registry.Stats `json:"stats,omitempty"`
	CacheReady *bool           `json:"cacheReady,omitempty"`
	CacheStats *CacheStats     `json:"cacheStats,omitempty"`
	Error      string          `json:"error,omitempty"`
	// Timestamp in Unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

// CacheStats describes the snapshot sent with CACHE_INITIALIZED
type CacheStats struct {
	Pins int `json:"pins"`
}

// PinData is the data of a DEVICE_UPDATE frame
type PinData struct {
	Pin       string `json:"pin"`
	Value     string `json:"value"`
	MessageID uint16 `json:"messageId"`
}

// HardwareData is the data of a HARDWARE_DATA frame. A payload that is not
// valid UTF-8 is sent base64 encoded with Encoding "base64".
type HardwareData struct {
	MessageID uint16 `json:"messageId"`
	Payload   string `json:"payload"`
	Encoding  string `json:"encoding,omitempty"`
}

// StatusData is the data of a DEVICE_STATUS frame
type StatusData struct {
	Status string `json:"status"`
}

// control is an inbound frame from a dashboard client
type control struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

// PinSnapshot is the cached state of one pin in a CACHE_INITIALIZED frame
type PinSnapshot struct {
	Value           string `json:"value"`
	LastUpdated     int64  `json:"lastUpdated"`
	SourceMessageID uint16 `json:"sourceMessageId"`
}

// CacheSnapshot is the data of a CACHE_INITIALIZED frame, keyed by pin
type CacheSnapshot map[string]PinSnapshot

func snapshotOf(pins map[string]cache.PinState) CacheSnapshot {
	snapshot := make(CacheSnapshot, len(pins))
	for pin, state := range pins {
		snapshot[pin] = PinSnapshot{
			Value:           state.Value,
			LastUpdated:     millis(state.LastUpdated),
			SourceMessageID: state.SourceMessageID,
		}
	}
	return snapshot
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func isControl(t string) bool {
	return t == controlSubscribe || t == controlUnsubscribe || t == controlPing
}
