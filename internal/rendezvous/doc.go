// Package rendezvous contains the matchmaking and signal-relay core: the
// connection registry, the FIFO matching queue, the room directory, scoped
// relay of negotiation payloads, and disconnect/sweep cleanup.
//
// All queue and room state is owned by the Hub and mutated only inside its
// single mutex, so a pairing step (queue pop, room creation, role assignment,
// both joins) is one critical section and cannot interleave with a concurrent
// match request or sweep.
package rendezvous
