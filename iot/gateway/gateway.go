/*Package gateway is the boundary to the device database

The ingestion tier reads and writes persisted device state only through the
Gateway interface. Reads needed to authenticate a device happen synchronously
on the session; every write goes through a Writer, which decouples the
database from the ingestion hot path.

Two implementations exist: Memory, used for tests and for running without a
database, and pgstore.Store for Postgres.
*/
package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a device or credential is unknown
var ErrNotFound = errors.New("not found")

// Status is the persisted connectivity status of a device
type Status string

// the device statuses
const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// Severity classifies a device event
type Severity string

// the event severities
const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Device is a persisted device record
type Device struct {
	ID       string
	Name     string
	Status   Status
	LastPing time.Time
}

// Pin is a persisted virtual pin value
type Pin struct {
	Name      string
	Value     string
	UpdatedAt time.Time
}

// Event is a persisted device event
type Event struct {
	DeviceID  string
	Payload   []byte
	Severity  Severity
	CreatedAt time.Time
}

// Gateway is the device database as seen by the ingestion tier
type Gateway interface {
	// FindDeviceByCredential returns the device owning token, or ErrNotFound
	FindDeviceByCredential(ctx context.Context, token string) (Device, error)
	// RecordDeviceEvent appends an event to the device's history. createdAt
	// is the time the frame was received, zero means now.
	RecordDeviceEvent(ctx context.Context, deviceID string, payload []byte, severity Severity, createdAt time.Time) error
	// UpdateDeviceStatus sets the status of a device. A zero lastPing leaves
	// the stored last ping unchanged.
	UpdateDeviceStatus(ctx context.Context, deviceID string, status Status, lastPing time.Time) error
	// ListStaleDevices returns the online devices whose last ping is older
	// than threshold
	ListStaleDevices(ctx context.Context, threshold time.Duration) ([]string, error)
	// GetVirtualPins returns the stored pin values of a device
	GetVirtualPins(ctx context.Context, deviceID string) ([]Pin, error)
	// StorePinValues upserts pin values of a device
	StorePinValues(ctx context.Context, deviceID string, pins []Pin) error
}
