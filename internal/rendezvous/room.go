package rendezvous

import (
	"fmt"
	"time"
)

// Room is a named group of connections that may exchange relayed signaling
// messages. Its lifetime is bounded by membership: the Hub deletes a room the
// moment its member set empties.
type Room struct {
	ID        string
	CreatedAt time.Time

	// members maps connection id to negotiation role. Roles are assigned only
	// for randomly-matched rooms; private-room members carry no role.
	members map[string]Role
}

func newRoom(id string, now time.Time) *Room {
	return &Room{
		ID:        id,
		CreatedAt: now,
		members:   make(map[string]Role),
	}
}

func (r *Room) isMember(connID string) bool {
	_, ok := r.members[connID]
	return ok
}

func (r *Room) size() int {
	return len(r.members)
}

// newMatchRoomID derives a room id for a matched pair from both participant
// identifiers plus the creation timestamp, making collisions with concurrent
// matches (or a re-match of the same pair) overwhelmingly unlikely.
func newMatchRoomID(answerID, offerID string, now time.Time) string {
	return fmt.Sprintf("match_%s_%s_%d", answerID, offerID, now.UnixNano())
}
