package rendezvous

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type EventType string

// Inbound events (client -> server).
const (
	EventFindRandomMatch EventType = "find_random_match"
	EventCancelMatch     EventType = "cancel_match"
	EventJoinPrivateCall EventType = "join_private_call"
	EventLeaveRoom       EventType = "leave_room"
)

// Signaling events (relayed between room members in both directions).
const (
	EventOffer     EventType = "offer"
	EventAnswer    EventType = "answer"
	EventCandidate EventType = "candidate"
)

// Outbound events (server -> client).
const (
	EventConnected        EventType = "connected"
	EventWaitingForMatch  EventType = "waiting_for_match"
	EventMatchFound       EventType = "match_found"
	EventUserJoined       EventType = "user_joined"
	EventPeerDisconnected EventType = "peer_disconnected"
)

// Role is a side of the peer-connection negotiation handshake. The longer
// waiting connection of a matched pair answers; the requester offers.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

// Envelope is the single wire format for all events in both directions.
//
// The offer/answer/candidate payloads are opaque blobs: their semantics
// belong to the peer-connection layer on the clients, not to this service.
type Envelope struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId,omitempty"`
	UserID string    `json:"userId,omitempty"`
	Role   Role      `json:"role,omitempty"`

	// SenderID annotates relayed signaling events; never set by clients.
	SenderID string `json:"senderId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ParseInbound decodes and validates a client message.
//
// Anything malformed is an error; callers drop such messages silently per the
// service's error policy (stale or buggy clients are not worth a teardown).
func ParseInbound(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.validateInbound(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validateInbound() error {
	if e.UserID != "" || e.SenderID != "" || e.Role != "" {
		return fmt.Errorf("%s message has server-only fields", e.Type)
	}

	switch e.Type {
	case EventFindRandomMatch, EventCancelMatch:
		if e.RoomID != "" || e.hasSignalPayload() {
			return fmt.Errorf("%s message has unexpected fields", e.Type)
		}
	case EventJoinPrivateCall, EventLeaveRoom:
		if e.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", e.Type)
		}
		if e.hasSignalPayload() {
			return fmt.Errorf("%s message has unexpected fields", e.Type)
		}
	case EventOffer:
		if e.RoomID == "" || len(e.Offer) == 0 {
			return fmt.Errorf("offer message missing roomId/offer")
		}
		if len(e.Answer) != 0 || len(e.Candidate) != 0 {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case EventAnswer:
		if e.RoomID == "" || len(e.Answer) == 0 {
			return fmt.Errorf("answer message missing roomId/answer")
		}
		if len(e.Offer) != 0 || len(e.Candidate) != 0 {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case EventCandidate:
		if e.RoomID == "" || len(e.Candidate) == 0 {
			return fmt.Errorf("candidate message missing roomId/candidate")
		}
		if len(e.Offer) != 0 || len(e.Answer) != 0 {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

func (e Envelope) hasSignalPayload() bool {
	return len(e.Offer) != 0 || len(e.Answer) != 0 || len(e.Candidate) != 0
}

// withSender returns the outbound form of a relayed signaling event: the
// payload verbatim, annotated with the sender and room id.
func (e Envelope) withSender(senderID string) Envelope {
	return Envelope{
		Type:      e.Type,
		RoomID:    e.RoomID,
		SenderID:  senderID,
		Offer:     e.Offer,
		Answer:    e.Answer,
		Candidate: e.Candidate,
	}
}
