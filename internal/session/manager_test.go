package session

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPairwiseID_OrderIndependent(t *testing.T) {
	if PairwiseID("alice", "bob") != PairwiseID("bob", "alice") {
		t.Fatalf("expected identical ids regardless of initiator")
	}
	if PairwiseID("alice", "bob") != "alice:bob" {
		t.Fatalf("PairwiseID = %q, want %q", PairwiseID("alice", "bob"), "alice:bob")
	}
}

func TestOpenPairwise_ReopenOverwrites(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	m := NewManager(clk, time.Minute)

	first := m.OpenPairwise("a", "b")
	clk.Advance(10 * time.Second)
	second := m.OpenPairwise("b", "a")

	if first.ID != second.ID {
		t.Fatalf("expected the same session id on reopen")
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Fatalf("expected reopen to refresh CreatedAt")
	}
}

func TestClose_Idempotent(t *testing.T) {
	m := NewManager(nil, 0)
	s := m.OpenPairwise("a", "b")

	if !m.Close(s.ID) {
		t.Fatalf("expected first close to remove the session")
	}
	if m.Close(s.ID) {
		t.Fatalf("expected second close to be a no-op")
	}
}

func TestParticipantsAndOther(t *testing.T) {
	m := NewManager(nil, 0)
	s := m.OpenPairwise("a", "b")

	pa, pb, ok := m.Participants(s.ID)
	if !ok || pa != "a" || pb != "b" {
		t.Fatalf("Participants = (%q, %q, %v), want (a, b, true)", pa, pb, ok)
	}

	if other, ok := s.Other("a"); !ok || other != "b" {
		t.Fatalf("Other(a) = (%q, %v), want (b, true)", other, ok)
	}
	if _, ok := s.Other("c"); ok {
		t.Fatalf("expected Other to fail for a non-participant")
	}
}

func TestSweepExpired(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := NewManager(clk, time.Minute)

	old := m.OpenPairwise("a", "b")
	clk.Advance(2 * time.Minute)
	fresh := m.OpenPairwise("c", "d")

	expired := m.SweepExpired(clk.Now())
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expected exactly the old session to expire, got %v", expired)
	}
	if _, _, ok := m.Participants(fresh.ID); !ok {
		t.Fatalf("expected the fresh session to survive the sweep")
	}
	if _, _, ok := m.Participants(old.ID); ok {
		t.Fatalf("expected the expired session to be removed")
	}

	// A second sweep finds nothing: notification happens exactly once.
	if again := m.SweepExpired(clk.Now()); len(again) != 0 {
		t.Fatalf("expected no sessions on repeat sweep, got %d", len(again))
	}
}

func TestCloseInvolving(t *testing.T) {
	m := NewManager(nil, 0)
	m.OpenPairwise("a", "b")
	m.OpenPairwise("a", "c")
	keep := m.OpenPairwise("b", "c")

	closed := m.CloseInvolving("a")
	if len(closed) != 2 {
		t.Fatalf("expected 2 sessions closed, got %d", len(closed))
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	if _, _, ok := m.Participants(keep.ID); !ok {
		t.Fatalf("expected b:c session to survive")
	}
}
