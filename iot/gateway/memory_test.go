package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCredentials(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AddDevice("D1", "greenhouse", "t1"))
	require.Error(t, m.AddDevice("D2", "", "t1"), "token must be unique")

	d, err := m.FindDeviceByCredential(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "D1", d.ID)
	assert.Equal(t, StatusOffline, d.Status)

	_, err = m.FindDeviceByCredential(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.FindDeviceByCredential(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	// rotating the token invalidates the old one
	require.NoError(t, m.AddDevice("D1", "greenhouse", "t2"))
	_, err = m.FindDeviceByCredential(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStatusAndStaleDevices(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AddDevice("D1", "", "t1"))
	require.NoError(t, m.AddDevice("D2", "", "t2"))
	require.NoError(t, m.AddDevice("D3", "", "t3"))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, m.UpdateDeviceStatus(ctx, "D1", StatusOnline, old))
	require.NoError(t, m.UpdateDeviceStatus(ctx, "D2", StatusOnline, time.Now()))

	stale, err := m.ListStaleDevices(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"D1"}, stale, "offline devices are never stale")

	require.NoError(t, m.UpdateDeviceStatus(ctx, "D1", StatusOffline, time.Time{}))
	d, _ := m.Device("D1")
	assert.Equal(t, StatusOffline, d.Status)
	assert.True(t, d.LastPing.Equal(old), "zero last ping keeps the stored one")

	stale, err = m.ListStaleDevices(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)

	assert.ErrorIs(t, m.UpdateDeviceStatus(ctx, "nope", StatusOnline, time.Now()), ErrNotFound)
}

func TestMemoryPinsAndEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AddDevice("D1", "", "t1"))

	now := time.Now()
	require.NoError(t, m.StorePinValues(ctx, "D1", []Pin{{Name: "V1", Value: "a", UpdatedAt: now}, {Name: "V0", Value: "b", UpdatedAt: now}}))
	require.NoError(t, m.StorePinValues(ctx, "D1", []Pin{{Name: "V1", Value: "c", UpdatedAt: now}}))
	pins, err := m.GetVirtualPins(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, pins, 2)
	assert.Equal(t, "V0", pins[0].Name)
	assert.Equal(t, "c", pins[1].Value)

	_, err = m.GetVirtualPins(ctx, "D2")
	assert.ErrorIs(t, err, ErrNotFound)

	payload := []byte(`{"pin":"V0"}`)
	require.NoError(t, m.RecordDeviceEvent(ctx, "D1", payload, SeverityInfo, time.Time{}))
	payload[0] = 'x'
	events := m.Events("D1")
	require.Len(t, events, 1)
	assert.Equal(t, `{"pin":"V0"}`, string(events[0].Payload))
	assert.ErrorIs(t, m.RecordDeviceEvent(ctx, "D2", nil, SeverityInfo, time.Time{}), ErrNotFound)
}

func TestMemoryKeepsNewerPinValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AddDevice("D1", "", "t1"))

	now := time.Now()
	require.NoError(t, m.StorePinValues(ctx, "D1", []Pin{{Name: "V0", Value: "42", UpdatedAt: now}}))
	require.NoError(t, m.StorePinValues(ctx, "D1", []Pin{
		{Name: "V0", Value: "41", UpdatedAt: now.Add(-time.Second)},
		{Name: "V1", Value: "7", UpdatedAt: now.Add(-time.Second)},
	}))

	pins, err := m.GetVirtualPins(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, pins, 2)
	assert.Equal(t, "42", pins[0].Value, "an older flush does not overwrite")
	assert.Equal(t, "7", pins[1].Value)
}

func TestMemoryEventTime(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AddDevice("D1", "", "t1"))

	received := time.UnixMilli(1_600_000_000_000)
	require.NoError(t, m.RecordDeviceEvent(ctx, "D1", []byte("a"), SeverityInfo, received))
	require.NoError(t, m.RecordDeviceEvent(ctx, "D1", []byte("b"), SeverityInfo, time.Time{}))

	events := m.Events("D1")
	require.Len(t, events, 2)
	assert.True(t, events[0].CreatedAt.Equal(received))
	assert.WithinDuration(t, time.Now(), events[1].CreatedAt, time.Minute)
}
