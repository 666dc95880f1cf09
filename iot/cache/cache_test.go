package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOverwrites(t *testing.T) {
	c := New()
	now := time.Now()
	c.Set("D1", "V0", PinState{Value: "1", LastUpdated: now, SourceMessageID: 1})
	c.Set("D1", "V0", PinState{Value: "2", LastUpdated: now, SourceMessageID: 2})

	state, ok := c.Get("D1", "V0")
	require.True(t, ok)
	assert.Equal(t, "2", state.Value)
	assert.Equal(t, uint16(2), state.SourceMessageID)

	_, ok = c.Get("D1", "V1")
	assert.False(t, ok)
	_, ok = c.Get("D2", "V0")
	assert.False(t, ok)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New()
	c.Set("D1", "V0", PinState{Value: "1"})
	snapshot, ok := c.Snapshot("D1")
	require.True(t, ok)
	snapshot["V0"] = PinState{Value: "changed"}

	state, _ := c.Get("D1", "V0")
	assert.Equal(t, "1", state.Value)

	_, ok = c.Snapshot("unknown")
	assert.False(t, ok)
}

func TestSeedDoesNotOverrideNewerValues(t *testing.T) {
	c := New()
	now := time.Now()
	c.Set("D1", "V0", PinState{Value: "live", LastUpdated: now})
	c.TakeDirty()

	c.Seed("D1", map[string]PinState{
		"V0": {Value: "stale", LastUpdated: now.Add(-time.Minute)},
		"V1": {Value: "persisted", LastUpdated: now.Add(-time.Minute)},
	})

	state, _ := c.Get("D1", "V0")
	assert.Equal(t, "live", state.Value)
	state, _ = c.Get("D1", "V1")
	assert.Equal(t, "persisted", state.Value)
	assert.Empty(t, c.TakeDirty(), "seeded values must not be flushed back")
}

func TestTakeDirty(t *testing.T) {
	c := New()
	c.Set("D1", "V0", PinState{Value: "1"})
	c.Set("D1", "V1", PinState{Value: "2"})
	c.Set("D2", "V0", PinState{Value: "3"})

	dirty := c.TakeDirty()
	assert.Len(t, dirty, 2)
	assert.Len(t, dirty["D1"], 2)
	assert.Len(t, dirty["D2"], 1)
	assert.Empty(t, c.TakeDirty())

	c.Set("D2", "V0", PinState{Value: "4"})
	dirty = c.TakeDirty()
	require.Len(t, dirty["D2"], 1)
	assert.Equal(t, "4", dirty["D2"][0].State.Value)
}

func TestConcurrentDevices(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for d := 0; d < 16; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			deviceID := fmt.Sprintf("D%d", d)
			for i := 0; i < 100; i++ {
				c.Set(deviceID, "V0", PinState{Value: fmt.Sprint(i), SourceMessageID: uint16(i)})
			}
		}(d)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, 16, stats.Devices)
	assert.Equal(t, 16, stats.Pins)
	for d := 0; d < 16; d++ {
		state, ok := c.Get(fmt.Sprintf("D%d", d), "V0")
		require.True(t, ok)
		assert.Equal(t, "99", state.Value)
	}
}
