package rendezvous

// waitingQueue is the FIFO waiting list of connections seeking an anonymous
// pairing. Insertion order is arrival order of find_random_match requests; a
// given connection id appears at most once.
//
// Like the Registry, it is a plain structure guarded by the Hub's mutex.
type waitingQueue struct {
	order   []string
	present map[string]struct{}
}

func newWaitingQueue() *waitingQueue {
	return &waitingQueue{present: make(map[string]struct{})}
}

// push appends the id, reporting false if it is already enqueued.
func (q *waitingQueue) push(id string) bool {
	if _, ok := q.present[id]; ok {
		return false
	}
	q.order = append(q.order, id)
	q.present[id] = struct{}{}
	return true
}

// pop removes and returns the oldest waiting id.
func (q *waitingQueue) pop() (string, bool) {
	if len(q.order) == 0 {
		return "", false
	}
	id := q.order[0]
	q.order = q.order[1:]
	delete(q.present, id)
	return id, true
}

// remove deletes the id from the queue if present. It is idempotent: both
// explicit cancellation and disconnect cleanup call it unconditionally.
func (q *waitingQueue) remove(id string) bool {
	if _, ok := q.present[id]; !ok {
		return false
	}
	delete(q.present, id)
	for i, queued := range q.order {
		if queued == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

func (q *waitingQueue) contains(id string) bool {
	_, ok := q.present[id]
	return ok
}

func (q *waitingQueue) len() int {
	return len(q.order)
}

// snapshot returns the queued ids oldest-first; the sweeper iterates it
// without holding a reference into the live slice.
func (q *waitingQueue) snapshot() []string {
	out := make([]string, len(q.order))
	copy(out, q.order)
	return out
}
