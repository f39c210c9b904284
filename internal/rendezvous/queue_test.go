package rendezvous

import "testing"

func TestWaitingQueueOrderAndDedup(t *testing.T) {
	q := newWaitingQueue()

	if !q.push("A") || !q.push("B") || !q.push("C") {
		t.Fatal("initial pushes rejected")
	}
	if q.push("B") {
		t.Error("duplicate push accepted")
	}
	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.pop()
		if !ok || got != want {
			t.Fatalf("pop = %q/%v, want %q", got, ok, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("pop from empty queue succeeded")
	}
}

func TestWaitingQueueRemove(t *testing.T) {
	q := newWaitingQueue()
	q.push("A")
	q.push("B")
	q.push("C")

	if !q.remove("B") {
		t.Fatal("remove of present id reported false")
	}
	if q.remove("B") {
		t.Error("second remove reported true")
	}
	if q.contains("B") {
		t.Error("removed id still present")
	}

	got, _ := q.pop()
	if got != "A" {
		t.Errorf("pop = %q, want A", got)
	}
	got, _ = q.pop()
	if got != "C" {
		t.Errorf("pop = %q, want C", got)
	}
}

func TestWaitingQueueSnapshotIsCopy(t *testing.T) {
	q := newWaitingQueue()
	q.push("A")
	q.push("B")

	snap := q.snapshot()
	q.remove("A")

	if len(snap) != 2 || snap[0] != "A" || snap[1] != "B" {
		t.Fatalf("snapshot = %v, want [A B]", snap)
	}
}
