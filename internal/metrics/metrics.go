package metrics

import "sync"

// Event counter names used across the service.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"

	MatchRequests     = "match_requests"
	MatchesCreated    = "matches_created"
	MatchWaiting      = "match_waiting"
	MatchCancelled    = "match_cancelled"
	MatchDuplicate    = "match_duplicate_ignored"
	QueueEntriesSwept = "queue_entries_swept"

	RoomsCreated = "rooms_created"
	RoomsDeleted = "rooms_deleted"
	RoomJoins    = "room_joins"
	RoomLeaves   = "room_leaves"

	SignalsRelayed = "signals_relayed"

	DropReasonMalformed          = "dropped_malformed"
	DropReasonNotMember          = "dropped_not_member"
	DropReasonSlowConsumer       = "dropped_slow_consumer"
	DropReasonRateLimited        = "rate_limited"
	DropReasonTooManyConnections = "too_many_connections"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The service exposes these counters via the Prometheus text handler; keeping
// the registry a plain map keeps the core logic testable without a metrics
// backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
