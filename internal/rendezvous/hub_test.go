package rendezvous

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/freegram/signaling-server/internal/metrics"
)

type fakeSink struct {
	events []Envelope
	alive  bool
	full   bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{alive: true}
}

func (s *fakeSink) Deliver(env Envelope) bool {
	if s.full {
		return false
	}
	s.events = append(s.events, env)
	return true
}

func (s *fakeSink) Alive() bool { return s.alive }

func (s *fakeSink) eventsOfType(t EventType) []Envelope {
	var out []Envelope
	for _, env := range s.events {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (s *fakeSink) last(t *testing.T) Envelope {
	t.Helper()
	if len(s.events) == 0 {
		t.Fatal("no events delivered")
	}
	return s.events[len(s.events)-1]
}

func newTestHub() *Hub {
	return NewHub(HubConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return time.Unix(1700000000, 0) },
	})
}

func connect(t *testing.T, h *Hub, id string) *fakeSink {
	t.Helper()
	sink := newFakeSink()
	if err := h.Connect(id, sink); err != nil {
		t.Fatalf("Connect(%q): %v", id, err)
	}
	got := sink.last(t)
	if got.Type != EventConnected || got.UserID != id {
		t.Fatalf("connect event = %+v, want connected with userId %q", got, id)
	}
	return sink
}

func TestMatchingIsFIFO(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	b := connect(t, h, "B")
	c := connect(t, h, "C")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	if got := a.last(t); got.Type != EventWaitingForMatch {
		t.Fatalf("A got %+v, want waiting_for_match", got)
	}

	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	matchA := a.last(t)
	matchB := b.last(t)
	if matchA.Type != EventMatchFound || matchB.Type != EventMatchFound {
		t.Fatalf("A got %+v, B got %+v, want match_found for both", matchA, matchB)
	}
	if matchA.RoomID == "" || matchA.RoomID != matchB.RoomID {
		t.Fatalf("room ids differ: %q vs %q", matchA.RoomID, matchB.RoomID)
	}
	if matchA.Role != RoleAnswer {
		t.Errorf("A (longer waiting) role = %q, want answer", matchA.Role)
	}
	if matchB.Role != RoleOffer {
		t.Errorf("B (requester) role = %q, want offer", matchB.Role)
	}
	if !strings.HasPrefix(matchA.RoomID, "match_A_B_") {
		t.Errorf("room id = %q, want match_A_B_ prefix", matchA.RoomID)
	}

	h.Dispatch("C", Envelope{Type: EventFindRandomMatch})
	if got := c.last(t); got.Type != EventWaitingForMatch {
		t.Fatalf("C got %+v, want waiting_for_match", got)
	}
	if h.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", h.QueueLen())
	}
}

func TestNoSelfMatch(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	if got := a.last(t); got.Type != EventWaitingForMatch {
		t.Fatalf("A got %+v, want waiting_for_match", got)
	}
	if len(a.eventsOfType(EventMatchFound)) != 0 {
		t.Fatal("lone connection matched with itself")
	}
	if h.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", h.QueueLen())
	}
}

func TestDuplicateMatchRequestIgnored(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})

	if n := len(a.eventsOfType(EventWaitingForMatch)); n != 1 {
		t.Errorf("waiting_for_match delivered %d times, want 1", n)
	}
	if h.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", h.QueueLen())
	}
	if got := h.Metrics().Get(metrics.MatchDuplicate); got != 1 {
		t.Errorf("duplicate counter = %d, want 1", got)
	}
}

func TestMatchRequestFromRoomIgnored(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	roomID := a.last(t).RoomID

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	if h.QueueLen() != 0 {
		t.Errorf("queue length = %d, want 0", h.QueueLen())
	}
	if got := a.last(t); got.Type != EventMatchFound || got.RoomID != roomID {
		t.Errorf("A's last event changed to %+v after ignored retry", got)
	}
}

func TestRelayScopedToRoomPeers(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	b := connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	roomID := a.last(t).RoomID

	offer := json.RawMessage(`{"sdp":"v=0","type":"offer"}`)
	h.Dispatch("A", Envelope{Type: EventOffer, RoomID: roomID, Offer: offer})

	got := b.last(t)
	if got.Type != EventOffer || got.RoomID != roomID {
		t.Fatalf("B got %+v, want relayed offer", got)
	}
	if got.SenderID != "A" {
		t.Errorf("senderId = %q, want A", got.SenderID)
	}
	if string(got.Offer) != string(offer) {
		t.Errorf("offer payload = %s, want verbatim %s", got.Offer, offer)
	}
	if len(a.eventsOfType(EventOffer)) != 0 {
		t.Error("offer echoed back to its sender")
	}
}

func TestRelayFromNonMemberDropped(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	b := connect(t, h, "B")
	connect(t, h, "C")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	roomID := a.last(t).RoomID

	before := len(b.events)
	h.Dispatch("C", Envelope{Type: EventCandidate, RoomID: roomID, Candidate: json.RawMessage(`{}`)})
	if len(b.events) != before {
		t.Error("non-member relay reached a room member")
	}
	if got := h.Metrics().Get(metrics.DropReasonNotMember); got != 1 {
		t.Errorf("not-member drop counter = %d, want 1", got)
	}
}

func TestRelayToUnknownRoomDropped(t *testing.T) {
	h := newTestHub()
	connect(t, h, "A")

	h.Dispatch("A", Envelope{Type: EventOffer, RoomID: "no-such-room", Offer: json.RawMessage(`{}`)})
	if got := h.Metrics().Get(metrics.DropReasonNotMember); got != 1 {
		t.Errorf("not-member drop counter = %d, want 1", got)
	}
}

func TestJoinPrivateRoomNotifiesExistingMembers(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	b := connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventJoinPrivateCall, RoomID: "lobby"})
	h.Dispatch("B", Envelope{Type: EventJoinPrivateCall, RoomID: "lobby"})

	got := a.last(t)
	if got.Type != EventUserJoined || got.RoomID != "lobby" || got.UserID != "B" {
		t.Fatalf("A got %+v, want user_joined B in lobby", got)
	}
	// The joiner itself receives nothing.
	if len(b.eventsOfType(EventUserJoined)) != 0 {
		t.Error("joiner received its own user_joined")
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventJoinPrivateCall, RoomID: "lobby"})
	h.Dispatch("B", Envelope{Type: EventJoinPrivateCall, RoomID: "lobby"})
	h.Dispatch("B", Envelope{Type: EventJoinPrivateCall, RoomID: "lobby"})

	if n := len(a.eventsOfType(EventUserJoined)); n != 1 {
		t.Errorf("user_joined delivered %d times, want 1", n)
	}
	if h.RoomCount() != 1 {
		t.Errorf("room count = %d, want 1", h.RoomCount())
	}
}

func TestLeaveRoomNotifiesAndDeletesEmptyRoom(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	b := connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventJoinPrivateCall, RoomID: "lobby"})
	h.Dispatch("B", Envelope{Type: EventJoinPrivateCall, RoomID: "lobby"})

	h.Dispatch("B", Envelope{Type: EventLeaveRoom, RoomID: "lobby"})
	got := a.last(t)
	if got.Type != EventPeerDisconnected || got.UserID != "B" || got.RoomID != "lobby" {
		t.Fatalf("A got %+v, want peer_disconnected B", got)
	}

	h.Dispatch("A", Envelope{Type: EventLeaveRoom, RoomID: "lobby"})
	if h.RoomCount() != 0 {
		t.Fatalf("room count = %d, want 0 after last leave", h.RoomCount())
	}

	// Rejoining a deleted room starts fresh with no stale members.
	h.Dispatch("A", Envelope{Type: EventJoinPrivateCall, RoomID: "lobby"})
	if n := len(b.eventsOfType(EventUserJoined)); n != 0 {
		t.Errorf("departed member received %d user_joined events", n)
	}
}

func TestDisconnectNotifiesEachRoomOnce(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	matchRoom := a.last(t).RoomID

	// B also shares a private room with A.
	h.Dispatch("A", Envelope{Type: EventJoinPrivateCall, RoomID: "side"})
	h.Dispatch("B", Envelope{Type: EventJoinPrivateCall, RoomID: "side"})

	h.Disconnect("B")

	notices := a.eventsOfType(EventPeerDisconnected)
	if len(notices) != 2 {
		t.Fatalf("A got %d peer_disconnected events, want 2 (one per shared room)", len(notices))
	}
	rooms := map[string]bool{}
	for _, n := range notices {
		if n.UserID != "B" {
			t.Errorf("peer_disconnected userId = %q, want B", n.UserID)
		}
		rooms[n.RoomID] = true
	}
	if !rooms[matchRoom] || !rooms["side"] {
		t.Errorf("notified rooms = %v, want both %q and side", rooms, matchRoom)
	}
	if h.RoomCount() != 2 {
		t.Errorf("room count = %d, want 2 (A still a member of both)", h.RoomCount())
	}
}

func TestDisconnectRemovesQueueEntry(t *testing.T) {
	h := newTestHub()
	connect(t, h, "A")
	b := connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Disconnect("A")
	if h.QueueLen() != 0 {
		t.Fatalf("queue length = %d, want 0 after disconnect", h.QueueLen())
	}

	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	if got := b.last(t); got.Type != EventWaitingForMatch {
		t.Fatalf("B got %+v, want waiting_for_match (no ghost partner)", got)
	}
}

func TestDisconnectDeletesEmptiedRooms(t *testing.T) {
	h := newTestHub()
	connect(t, h, "A")
	h.Dispatch("A", Envelope{Type: EventJoinPrivateCall, RoomID: "solo"})
	if h.RoomCount() != 1 {
		t.Fatalf("room count = %d, want 1", h.RoomCount())
	}

	h.Disconnect("A")
	if h.RoomCount() != 0 {
		t.Errorf("room count = %d, want 0", h.RoomCount())
	}
}

func TestCancelMatchLeavesQueue(t *testing.T) {
	h := newTestHub()
	connect(t, h, "A")
	b := connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Dispatch("A", Envelope{Type: EventCancelMatch})
	if h.QueueLen() != 0 {
		t.Fatalf("queue length = %d, want 0 after cancel", h.QueueLen())
	}

	// Cancel again: a no-op.
	h.Dispatch("A", Envelope{Type: EventCancelMatch})
	if got := h.Metrics().Get(metrics.MatchCancelled); got != 1 {
		t.Errorf("cancel counter = %d, want 1", got)
	}

	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	if got := b.last(t); got.Type != EventWaitingForMatch {
		t.Fatalf("B got %+v, want waiting_for_match after A cancelled", got)
	}
}

func TestSweepRemovesDeadQueueEntries(t *testing.T) {
	h := newTestHub()
	aSink := connect(t, h, "A")
	b := connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	aSink.alive = false

	if removed := h.SweepQueue(); removed != 1 {
		t.Fatalf("SweepQueue() = %d, want 1", removed)
	}
	if h.QueueLen() != 0 {
		t.Fatalf("queue length = %d, want 0", h.QueueLen())
	}

	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	if got := b.last(t); got.Type != EventWaitingForMatch {
		t.Fatalf("B got %+v, want waiting_for_match (dead entry not matchable)", got)
	}
}

func TestSweepKeepsLiveEntries(t *testing.T) {
	h := newTestHub()
	connect(t, h, "A")
	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})

	if removed := h.SweepQueue(); removed != 0 {
		t.Fatalf("SweepQueue() = %d, want 0", removed)
	}
	if h.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", h.QueueLen())
	}
}

func TestMatchSkipsStaleQueueHead(t *testing.T) {
	h := newTestHub()
	connect(t, h, "A")
	b := connect(t, h, "B")
	c := connect(t, h, "C")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Disconnect("A")

	// A disconnect already removes the queue entry; simulate the race where
	// only the registry record is gone by re-adding the stale id.
	h.mu.Lock()
	h.queue.push("A")
	h.mu.Unlock()

	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	if got := b.last(t); got.Type != EventWaitingForMatch {
		t.Fatalf("B got %+v, want waiting_for_match past the stale entry", got)
	}

	h.Dispatch("C", Envelope{Type: EventFindRandomMatch})
	if got := c.last(t); got.Type != EventMatchFound {
		t.Fatalf("C got %+v, want match_found with B", got)
	}
}

func TestConnectionCapRejectsAndCounts(t *testing.T) {
	h := NewHub(HubConfig{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxConnections: 1,
	})
	connect(t, h, "A")

	err := h.Connect("B", newFakeSink())
	if err != ErrTooManyConnections {
		t.Fatalf("Connect = %v, want ErrTooManyConnections", err)
	}
	if got := h.Metrics().Get(metrics.DropReasonTooManyConnections); got != 1 {
		t.Errorf("too-many-connections counter = %d, want 1", got)
	}
}

func TestSlowConsumerDropCounted(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	roomID := a.last(t).RoomID

	a.full = true
	h.Dispatch("B", Envelope{Type: EventOffer, RoomID: roomID, Offer: json.RawMessage(`{}`)})

	if got := h.Metrics().Get(metrics.DropReasonSlowConsumer); got != 1 {
		t.Errorf("slow-consumer counter = %d, want 1", got)
	}
	// Relay itself still counts; drops do not fail the operation.
	if got := h.Metrics().Get(metrics.SignalsRelayed); got != 1 {
		t.Errorf("relayed counter = %d, want 1", got)
	}
}

func TestQueuedConnectionKeepsQueueSlotWhenJoiningRoom(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	b := connect(t, h, "B")

	h.Dispatch("A", Envelope{Type: EventFindRandomMatch})
	h.Dispatch("A", Envelope{Type: EventJoinPrivateCall, RoomID: "side"})
	if h.QueueLen() != 1 {
		t.Fatalf("queue length = %d, want 1 (join must not dequeue)", h.QueueLen())
	}

	h.Dispatch("B", Envelope{Type: EventFindRandomMatch})
	if got := a.eventsOfType(EventMatchFound); len(got) != 1 {
		t.Fatalf("A match_found events = %d, want 1", len(got))
	}
	if got := b.last(t); got.Type != EventMatchFound {
		t.Fatalf("B got %+v, want match_found", got)
	}
}
