package rendezvous

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/freegram/signaling-server/internal/metrics"
)

// ErrTooManyConnections is returned by Connect when the configured connection
// cap is reached.
var ErrTooManyConnections = errors.New("too many connections")

// HubConfig wires together the runtime dependencies of the Hub.
type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxConnections caps concurrently registered connections. <= 0 means
	// unlimited.
	MaxConnections int

	// Now is overridable for deterministic room ids in tests.
	Now func() time.Time
}

// Hub owns the connection registry, the matching queue, and the room
// directory. Every mutating operation runs as one short critical section
// under a single mutex, which is what guarantees FIFO pairing and the
// no-self-match invariant without finer-grained locking.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	maxConn int
	now     func() time.Time

	mu    sync.Mutex
	conns *Registry
	queue *waitingQueue
	rooms map[string]*Room
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		maxConn: cfg.MaxConnections,
		now:     cfg.Now,
		conns:   NewRegistry(),
		queue:   newWaitingQueue(),
		rooms:   make(map[string]*Room),
	}
}

func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// Connect registers a new connection and tells it its own id, so the client
// can later distinguish senderId annotations from its own traffic.
func (h *Hub) Connect(id string, sink Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxConn > 0 && h.conns.Len() >= h.maxConn {
		h.metrics.Inc(metrics.DropReasonTooManyConnections)
		return ErrTooManyConnections
	}

	conn, err := h.conns.Register(id, sink)
	if err != nil {
		return err
	}

	h.metrics.Inc(metrics.ConnectionsOpened)
	h.log.Info("connection opened", "conn_id", id)
	h.deliver(conn, Envelope{Type: EventConnected, UserID: id})
	return nil
}

// Dispatch routes one inbound event. Events from a single connection arrive
// here in the order the transport read them.
func (h *Hub) Dispatch(connID string, env Envelope) {
	switch env.Type {
	case EventFindRandomMatch:
		h.requestMatch(connID)
	case EventCancelMatch:
		h.cancelMatch(connID)
	case EventJoinPrivateCall:
		h.joinRoom(connID, env.RoomID)
	case EventLeaveRoom:
		h.leaveRoom(connID, env.RoomID)
	case EventOffer, EventAnswer, EventCandidate:
		h.relay(connID, env)
	default:
		h.metrics.Inc(metrics.DropReasonMalformed)
		h.log.Debug("dropping event of unknown type", "conn_id", connID, "type", env.Type)
	}
}

// requestMatch implements the pairing algorithm: pop the oldest waiting
// connection, or wait if there is none. Room creation and both joins complete
// inside this critical section before either match_found is emitted, so
// neither side can observe a half-created match.
func (h *Hub) requestMatch(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns.Get(connID)
	if !ok {
		return
	}
	h.metrics.Inc(metrics.MatchRequests)

	// A retry from a queued or already-matched connection must not create a
	// second queue entry or room.
	if conn.State != StateIdle {
		h.metrics.Inc(metrics.MatchDuplicate)
		h.log.Debug("ignoring duplicate match request", "conn_id", connID, "state", conn.State.String())
		return
	}

	for {
		partnerID, ok := h.queue.pop()
		if !ok {
			h.enqueueLocked(conn)
			return
		}

		// Structural self-match guard: cannot normally happen given the state
		// check above, but a self-pairing must never reach a client.
		if partnerID == connID {
			h.enqueueLocked(conn)
			return
		}

		partner, ok := h.conns.Get(partnerID)
		if !ok {
			// Entry outlived its connection; skip to the next oldest.
			continue
		}

		now := h.now()
		roomID := newMatchRoomID(partnerID, connID, now)
		room := newRoom(roomID, now)
		room.members[partnerID] = RoleAnswer
		room.members[connID] = RoleOffer
		h.rooms[roomID] = room

		partner.Rooms[roomID] = struct{}{}
		conn.Rooms[roomID] = struct{}{}
		partner.State = StateInRoom
		conn.State = StateInRoom

		h.metrics.Inc(metrics.MatchesCreated)
		h.metrics.Inc(metrics.RoomsCreated)
		h.log.Info("match created",
			"room_id", roomID,
			"answer_conn_id", partnerID,
			"offer_conn_id", connID,
			"queue_len", h.queue.len(),
		)

		// Each side learns only its own role; a broadcast would let both act
		// as offerer.
		h.deliver(partner, Envelope{Type: EventMatchFound, RoomID: roomID, Role: RoleAnswer})
		h.deliver(conn, Envelope{Type: EventMatchFound, RoomID: roomID, Role: RoleOffer})
		return
	}
}

func (h *Hub) enqueueLocked(conn *Connection) {
	if !h.queue.push(conn.ID) {
		// Unreachable while the state/queue invariant holds.
		h.log.Warn("connection already queued", "conn_id", conn.ID)
		return
	}
	conn.State = StateQueued
	h.metrics.Inc(metrics.MatchWaiting)
	h.log.Debug("connection waiting for match", "conn_id", conn.ID, "queue_len", h.queue.len())
	h.deliver(conn, Envelope{Type: EventWaitingForMatch})
}

// cancelMatch removes the connection from the queue if present; a no-op
// otherwise.
func (h *Hub) cancelMatch(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.queue.remove(connID) {
		return
	}
	h.metrics.Inc(metrics.MatchCancelled)
	if conn, ok := h.conns.Get(connID); ok && conn.State == StateQueued {
		if len(conn.Rooms) > 0 {
			conn.State = StateInRoom
		} else {
			conn.State = StateIdle
		}
	}
	h.log.Debug("match request cancelled", "conn_id", connID)
}

// joinRoom adds the connection to the named room, creating the room on first
// use, and notifies the members that were already present.
func (h *Hub) joinRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns.Get(connID)
	if !ok {
		return
	}

	room, ok := h.rooms[roomID]
	if !ok {
		room = newRoom(roomID, h.now())
		h.rooms[roomID] = room
		h.metrics.Inc(metrics.RoomsCreated)
	}
	if room.isMember(connID) {
		return
	}

	for memberID := range room.members {
		h.deliverTo(memberID, Envelope{Type: EventUserJoined, RoomID: roomID, UserID: connID})
	}

	room.members[connID] = ""
	conn.Rooms[roomID] = struct{}{}
	if conn.State == StateIdle {
		conn.State = StateInRoom
	}

	h.metrics.Inc(metrics.RoomJoins)
	h.log.Info("connection joined room", "conn_id", connID, "room_id", roomID, "members", room.size())
}

// leaveRoom removes the connection from the room, notifies the remaining
// members, and deletes the room once empty.
func (h *Hub) leaveRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns.Get(connID)
	if !ok {
		return
	}
	room, ok := h.rooms[roomID]
	if !ok || !room.isMember(connID) {
		return
	}

	h.removeMemberLocked(room, connID)
	delete(conn.Rooms, roomID)
	if conn.State == StateInRoom && len(conn.Rooms) == 0 {
		conn.State = StateIdle
	}

	for memberID := range room.members {
		h.deliverTo(memberID, Envelope{Type: EventPeerDisconnected, RoomID: roomID, UserID: connID})
	}

	h.metrics.Inc(metrics.RoomLeaves)
	h.log.Info("connection left room", "conn_id", connID, "room_id", roomID)
}

// relay forwards a signaling payload to every other member of the room. The
// sender must currently be a member; otherwise the message is dropped
// silently (a stale client retrying after room teardown is routine, not an
// error worth surfacing).
func (h *Hub) relay(senderID string, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[env.RoomID]
	if !ok || !room.isMember(senderID) {
		h.metrics.Inc(metrics.DropReasonNotMember)
		h.log.Debug("dropping relay from non-member",
			"conn_id", senderID, "room_id", env.RoomID, "type", env.Type)
		return
	}

	out := env.withSender(senderID)
	for memberID := range room.members {
		if memberID == senderID {
			continue
		}
		h.deliverTo(memberID, out)
	}
	h.metrics.Inc(metrics.SignalsRelayed)
}

// Disconnect unwinds all state for a closed connection in two phases: notify
// the other members of every room first, then tear down queue entry, room
// memberships, and finally the registry record. Notification of one room is
// isolated per room so a failure cannot skip cleanup of the others.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns.Get(connID)
	if !ok {
		return
	}

	// Phase 1: pre-teardown notifications, while membership is still intact.
	for roomID := range conn.Rooms {
		room, ok := h.rooms[roomID]
		if !ok {
			continue
		}
		for memberID := range room.members {
			if memberID == connID {
				continue
			}
			h.deliverTo(memberID, Envelope{Type: EventPeerDisconnected, RoomID: roomID, UserID: connID})
		}
	}

	// Phase 2: teardown. Unregister returns the last-known state; the record
	// is gone after this point.
	roomIDs, wasQueued := h.conns.Unregister(connID)
	h.queue.remove(connID)
	for _, roomID := range roomIDs {
		room, ok := h.rooms[roomID]
		if !ok {
			continue
		}
		h.removeMemberLocked(room, connID)
	}

	h.metrics.Inc(metrics.ConnectionsClosed)
	h.log.Info("connection closed", "conn_id", connID, "rooms", len(roomIDs), "was_queued", wasQueued)
}

// removeMemberLocked removes a member and deletes the room once empty, so a
// later join with the same id starts a brand-new room.
func (h *Hub) removeMemberLocked(room *Room, connID string) {
	delete(room.members, connID)
	if room.size() == 0 {
		delete(h.rooms, room.ID)
		h.metrics.Inc(metrics.RoomsDeleted)
		h.log.Debug("room deleted", "room_id", room.ID)
	}
}

// SweepQueue removes queue entries whose transport is no longer live. A
// connection can die without a prompt disconnect event; without the sweep a
// dead entry could occupy the queue head and starve all future matches. Rooms
// are never touched here.
func (h *Hub) SweepQueue() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for _, connID := range h.queue.snapshot() {
		conn, ok := h.conns.Get(connID)
		if ok && conn.sink.Alive() {
			continue
		}
		h.queue.remove(connID)
		if ok && conn.State == StateQueued {
			if len(conn.Rooms) > 0 {
				conn.State = StateInRoom
			} else {
				conn.State = StateIdle
			}
		}
		removed++
	}
	if removed > 0 {
		h.metrics.Add(metrics.QueueEntriesSwept, uint64(removed))
	}
	return removed
}

// QueueLen reports the current number of waiting connections.
func (h *Hub) QueueLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue.len()
}

// RoomCount reports the current number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) deliver(conn *Connection, env Envelope) {
	if !conn.sink.Deliver(env) {
		h.metrics.Inc(metrics.DropReasonSlowConsumer)
		h.log.Debug("dropping event for slow consumer", "conn_id", conn.ID, "type", env.Type)
	}
}

func (h *Hub) deliverTo(connID string, env Envelope) {
	conn, ok := h.conns.Get(connID)
	if !ok {
		return
	}
	h.deliver(conn, env)
}
