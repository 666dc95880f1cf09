package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Gateway. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]*Device
	tokens  map[string]string
	pins    map[string]map[string]Pin
	events  []Event
}

// NewMemory returns an empty in-memory gateway
func NewMemory() *Memory {
	return &Memory{
		devices: map[string]*Device{},
		tokens:  map[string]string{},
		pins:    map[string]map[string]Pin{},
	}
}

// AddDevice adds or replaces a device with its credential. New devices start
// offline.
func (m *Memory) AddDevice(id, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.tokens[token]; ok && owner != id {
		return fmt.Errorf("token already in use by device %s", owner)
	}
	for t, owner := range m.tokens {
		if owner == id {
			delete(m.tokens, t)
		}
	}
	m.tokens[token] = id
	if d, ok := m.devices[id]; ok {
		d.Name = name
		return nil
	}
	m.devices[id] = &Device{ID: id, Name: name, Status: StatusOffline}
	return nil
}

// Device returns a copy of a device record
func (m *Memory) Device(id string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Events returns the recorded events of a device ordered by creation time
func (m *Memory) Events(deviceID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []Event
	for _, e := range m.events {
		if e.DeviceID == deviceID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// FindDeviceByCredential implements Gateway
func (m *Memory) FindDeviceByCredential(ctx context.Context, token string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[token]
	if !ok || len(token) == 0 {
		return Device{}, ErrNotFound
	}
	return *m.devices[id], nil
}

// RecordDeviceEvent implements Gateway
func (m *Memory) RecordDeviceEvent(ctx context.Context, deviceID string, payload []byte, severity Severity, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return ErrNotFound
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	m.events = append(m.events, Event{
		DeviceID:  deviceID,
		Payload:   append([]byte(nil), payload...),
		Severity:  severity,
		CreatedAt: createdAt,
	})
	return nil
}

// UpdateDeviceStatus implements Gateway
func (m *Memory) UpdateDeviceStatus(ctx context.Context, deviceID string, status Status, lastPing time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	if !lastPing.IsZero() {
		d.LastPing = lastPing
	}
	return nil
}

// ListStaleDevices implements Gateway
func (m *Memory) ListStaleDevices(ctx context.Context, threshold time.Duration) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deadline := time.Now().Add(-threshold)
	var result []string
	for id, d := range m.devices {
		if d.Status == StatusOnline && d.LastPing.Before(deadline) {
			result = append(result, id)
		}
	}
	sort.Strings(result)
	return result, nil
}

// GetVirtualPins implements Gateway
func (m *Memory) GetVirtualPins(ctx context.Context, deviceID string) ([]Pin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.devices[deviceID]; !ok {
		return nil, ErrNotFound
	}
	var result []Pin
	for _, p := range m.pins[deviceID] {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// StorePinValues implements Gateway
func (m *Memory) StorePinValues(ctx context.Context, deviceID string, pins []Pin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return ErrNotFound
	}
	stored, ok := m.pins[deviceID]
	if !ok {
		stored = map[string]Pin{}
		m.pins[deviceID] = stored
	}
	for _, p := range pins {
		if old, ok := stored[p.Name]; ok && old.UpdatedAt.After(p.UpdatedAt) {
			continue
		}
		stored[p.Name] = p
	}
	return nil
}
