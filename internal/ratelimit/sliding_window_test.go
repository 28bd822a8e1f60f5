package ratelimit

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

func TestSlidingWindow_ExactCapPerWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewSlidingWindow(clk, 5*time.Second, 3)

	for i := 0; i < 3; i++ {
		if !l.Admit("u1") {
			t.Fatalf("admit %d: expected admission within cap", i+1)
		}
	}
	if l.Admit("u1") {
		t.Fatalf("expected denial after cap")
	}
	// Denials keep counting; the identity stays over cap for the window.
	if l.Admit("u1") {
		t.Fatalf("expected continued denial within the same window")
	}
}

func TestSlidingWindow_ResetsAfterWindowElapses(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewSlidingWindow(clk, 5*time.Second, 2)

	if !l.Admit("u1") || !l.Admit("u1") {
		t.Fatalf("expected initial admissions")
	}
	if l.Admit("u1") {
		t.Fatalf("expected denial at cap")
	}

	clk.Advance(5 * time.Second)
	if !l.Admit("u1") {
		t.Fatalf("expected admission after window elapsed")
	}
}

func TestSlidingWindow_IdentitiesAreIndependent(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewSlidingWindow(clk, 5*time.Second, 1)

	if !l.Admit("u1") {
		t.Fatalf("expected u1 admission")
	}
	if l.Admit("u1") {
		t.Fatalf("expected u1 denial")
	}
	if !l.Admit("u2") {
		t.Fatalf("expected u2 admission despite u1 being over cap")
	}
}

func TestSlidingWindow_Forget(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewSlidingWindow(clk, 5*time.Second, 1)

	l.Admit("u1")
	if l.Admit("u1") {
		t.Fatalf("expected denial at cap")
	}

	l.Forget("u1")
	if l.Len() != 0 {
		t.Fatalf("expected no tracked buckets, got %d", l.Len())
	}
	if !l.Admit("u1") {
		t.Fatalf("expected admission after Forget")
	}
}
