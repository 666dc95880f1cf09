/*Package cache provides the in-memory last known value store for device pins

The cache is sharded by device id. Every operation locks exactly one shard, so
updates for unrelated devices never contend. Values are overwritten, never
merged: the last write for a pin wins.

Entries changed since the last call to TakeDirty are tracked so that the
ingestion server can flush them to the persistence gateway periodically.
*/
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// PinState is the last known value of a device pin
type PinState struct {
	Value           string    `json:"value"`
	LastUpdated     time.Time `json:"lastUpdated"`
	SourceMessageID uint16    `json:"sourceMessageId"`
}

// DirtyPin is a pin state changed since the last flush
type DirtyPin struct {
	Pin   string
	State PinState
}

// Stats are cache counters
type Stats struct {
	Devices int `json:"devices"`
	Pins    int `json:"pins"`
}

type device struct {
	pins  map[string]PinState
	dirty map[string]struct{}
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]*device
}

// Cache is the state cache. The zero value is not usable, use New.
type Cache struct {
	shards [shardCount]*shard
}

// New returns an empty cache
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{devices: make(map[string]*device)}
	}
	return c
}

func (c *Cache) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return c.shards[h.Sum32()%shardCount]
}

func (s *shard) deviceLocked(deviceID string) *device {
	d, ok := s.devices[deviceID]
	if !ok {
		d = &device{pins: make(map[string]PinState), dirty: make(map[string]struct{})}
		s.devices[deviceID] = d
	}
	return d
}

// Set overwrites the state of a pin and marks it dirty
func (c *Cache) Set(deviceID, pin string, state PinState) {
	s := c.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deviceLocked(deviceID)
	d.pins[pin] = state
	d.dirty[pin] = struct{}{}
}

// Seed loads persisted pin values for a device. Pins that already hold a
// newer value are left alone, seeded values are not marked dirty.
func (c *Cache) Seed(deviceID string, pins map[string]PinState) {
	s := c.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deviceLocked(deviceID)
	for pin, state := range pins {
		if existing, ok := d.pins[pin]; ok && !existing.LastUpdated.Before(state.LastUpdated) {
			continue
		}
		d.pins[pin] = state
	}
}

// Get returns the state of a single pin
func (c *Cache) Get(deviceID, pin string) (PinState, bool) {
	s := c.shardFor(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return PinState{}, false
	}
	state, ok := d.pins[pin]
	return state, ok
}

// Snapshot returns a copy of all pin states of a device. The second return
// value is false if the cache knows nothing about the device.
func (c *Cache) Snapshot(deviceID string) (map[string]PinState, bool) {
	s := c.shardFor(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return map[string]PinState{}, false
	}
	snapshot := make(map[string]PinState, len(d.pins))
	for pin, state := range d.pins {
		snapshot[pin] = state
	}
	return snapshot, true
}

// TakeDirty returns all pins changed since the previous call, grouped by
// device, and clears the dirty marks.
func (c *Cache) TakeDirty() map[string][]DirtyPin {
	result := make(map[string][]DirtyPin)
	for _, s := range c.shards {
		s.mu.Lock()
		for deviceID, d := range s.devices {
			if len(d.dirty) == 0 {
				continue
			}
			pins := make([]DirtyPin, 0, len(d.dirty))
			for pin := range d.dirty {
				pins = append(pins, DirtyPin{Pin: pin, State: d.pins[pin]})
			}
			d.dirty = make(map[string]struct{})
			result[deviceID] = pins
		}
		s.mu.Unlock()
	}
	return result
}

// Stats returns the number of devices and pins in the cache
func (c *Cache) Stats() Stats {
	var stats Stats
	for _, s := range c.shards {
		s.mu.RLock()
		stats.Devices += len(s.devices)
		for _, d := range s.devices {
			stats.Pins += len(d.pins)
		}
		s.mu.RUnlock()
	}
	return stats
}
