package rendezvous

import "fmt"

// ConnState tracks a connection's matchmaking lifecycle.
//
// A queued connection that joins a private room stays queued (it is still
// waiting for an anonymous match); in-room status is derived from the Rooms
// set once the connection is no longer in the queue.
type ConnState int

const (
	StateIdle ConnState = iota
	StateQueued
	StateInRoom
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateInRoom:
		return "in_room"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Sink delivers outbound events to a connection's transport.
//
// Deliver must never block: it is called while the Hub mutex is held. It
// reports false when the event could not be accepted (connection gone or its
// buffer full); relay is fire-and-forget, so callers only count such drops.
type Sink interface {
	Deliver(Envelope) bool
	Alive() bool
}

// Connection is one live client transport session. It is exclusively owned by
// the Registry; queue entries and room member sets hold only its id.
type Connection struct {
	ID    string
	State ConnState

	// Rooms is the explicit membership set, updated symmetrically by every
	// join/leave/teardown so disconnect cleanup never depends on transport
	// internals.
	Rooms map[string]struct{}

	sink Sink
}

// Registry tracks live connections. It is a plain data structure: the Hub's
// mutex guards all access.
type Registry struct {
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register creates a Connection record in idle state. A duplicate id is a
// programming invariant violation, not a recoverable condition.
func (r *Registry) Register(id string, sink Sink) (*Connection, error) {
	if _, ok := r.conns[id]; ok {
		return nil, fmt.Errorf("connection %q already registered", id)
	}
	conn := &Connection{
		ID:    id,
		State: StateIdle,
		Rooms: make(map[string]struct{}),
		sink:  sink,
	}
	r.conns[id] = conn
	return conn, nil
}

// Unregister removes the record and returns its last-known rooms set and
// queue membership so the caller can finish cleanup. It must be called
// exactly once per connection, at disconnect time, after all cleanup reads
// are taken.
func (r *Registry) Unregister(id string) (roomIDs []string, wasQueued bool) {
	conn, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	roomIDs = make([]string, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		roomIDs = append(roomIDs, roomID)
	}
	wasQueued = conn.State == StateQueued
	delete(r.conns, id)
	return roomIDs, wasQueued
}

func (r *Registry) Get(id string) (*Connection, bool) {
	conn, ok := r.conns[id]
	return conn, ok
}

func (r *Registry) Len() int {
	return len(r.conns)
}
