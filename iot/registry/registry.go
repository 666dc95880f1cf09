/*Package registry tracks live device sessions and realtime subscribers

For every device id the registry holds at most one active session and a set of
subscribers. Both maps are sharded by device id and every operation locks a
single shard, which makes it atomic with respect to other operations on the
same device. Operations on different devices never contend.

A second index maps each subscriber to the devices it follows, so that a
disconnecting subscriber can be removed from all sets at once.
*/
package registry

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// Session is a live device connection
type Session interface {
	// Close terminates the connection. It must not call back into the registry.
	Close() error
}

// Subscriber is a realtime client following one or more devices
type Subscriber interface {
	// Deliver hands a payload to the subscriber without blocking.
	Deliver(payload []byte) error
	// Close terminates the subscriber connection
	Close() error
}

// Stats are registry counters
type Stats struct {
	Devices     int `json:"devices"`
	Subscribers int `json:"subscribers"`
}

type shard struct {
	mu          sync.Mutex
	sessions    map[string]Session
	subscribers map[string]map[Subscriber]struct{}
}

// Registry is the connection registry. Use New to create one.
type Registry struct {
	shards [shardCount]*shard

	followsMu sync.Mutex
	follows   map[Subscriber]map[string]struct{}
}

// New returns an empty registry
func New() *Registry {
	r := &Registry{follows: make(map[Subscriber]map[string]struct{})}
	for i := range r.shards {
		r.shards[i] = &shard{
			sessions:    make(map[string]Session),
			subscribers: make(map[string]map[Subscriber]struct{}),
		}
	}
	return r
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return r.shards[h.Sum32()%shardCount]
}

// RegisterDevice makes session the active session for deviceID. A previously
// registered session is replaced and closed; it is returned, or nil if there
// was none. Registering the same session twice is a no-op.
func (r *Registry) RegisterDevice(deviceID string, session Session) Session {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	displaced := s.sessions[deviceID]
	s.sessions[deviceID] = session
	s.mu.Unlock()

	if displaced == nil || displaced == session {
		return nil
	}
	// close outside the lock, closing may involve a final network write
	displaced.Close()
	return displaced
}

// UnregisterDevice removes the registration for deviceID only if it still
// belongs to session. It reports whether a registration was removed.
func (r *Registry) UnregisterDevice(deviceID string, session Session) bool {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[deviceID]; ok && current == session {
		delete(s.sessions, deviceID)
		return true
	}
	return false
}

// SessionFor returns the active session of a device
func (r *Registry) SessionFor(deviceID string) (Session, bool) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[deviceID]
	return session, ok
}

// Subscribe adds sub to the subscriber set of deviceID. It reports whether
// the set changed.
func (r *Registry) Subscribe(deviceID string, sub Subscriber) bool {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	set, ok := s.subscribers[deviceID]
	if !ok {
		set = make(map[Subscriber]struct{})
		s.subscribers[deviceID] = set
	}
	_, already := set[sub]
	set[sub] = struct{}{}
	s.mu.Unlock()

	if already {
		return false
	}
	r.followsMu.Lock()
	devices, ok := r.follows[sub]
	if !ok {
		devices = make(map[string]struct{})
		r.follows[sub] = devices
	}
	devices[deviceID] = struct{}{}
	r.followsMu.Unlock()
	return true
}

// Unsubscribe removes sub from the subscriber set of deviceID. It reports
// whether the set changed.
func (r *Registry) Unsubscribe(deviceID string, sub Subscriber) bool {
	if !r.removeFromShard(deviceID, sub) {
		return false
	}
	r.followsMu.Lock()
	if devices, ok := r.follows[sub]; ok {
		delete(devices, deviceID)
		if len(devices) == 0 {
			delete(r.follows, sub)
		}
	}
	r.followsMu.Unlock()
	return true
}

func (r *Registry) removeFromShard(deviceID string, sub Subscriber) bool {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[deviceID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subscribers, deviceID)
	}
	return true
}

// RemoveSubscriber removes sub from every subscriber set
func (r *Registry) RemoveSubscriber(sub Subscriber) {
	r.followsMu.Lock()
	devices := r.follows[sub]
	delete(r.follows, sub)
	r.followsMu.Unlock()

	for deviceID := range devices {
		r.removeFromShard(deviceID, sub)
	}
}

// SubscribersFor returns a snapshot of the subscribers of deviceID. The
// returned slice is owned by the caller.
func (r *Registry) SubscribersFor(deviceID string) []Subscriber {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subscribers[deviceID]
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// SubscriptionsOf returns the devices sub is subscribed to
func (r *Registry) SubscriptionsOf(sub Subscriber) []string {
	r.followsMu.Lock()
	defer r.followsMu.Unlock()
	devices := make([]string, 0, len(r.follows[sub]))
	for deviceID := range r.follows[sub] {
		devices = append(devices, deviceID)
	}
	return devices
}

// Stats returns the number of registered devices and of subscribers with at
// least one subscription
func (r *Registry) Stats() Stats {
	var stats Stats
	for _, s := range r.shards {
		s.mu.Lock()
		stats.Devices += len(s.sessions)
		s.mu.Unlock()
	}
	r.followsMu.Lock()
	stats.Subscribers = len(r.follows)
	r.followsMu.Unlock()
	return stats
}
