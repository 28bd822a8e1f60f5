package relay

import (
	"sync"
	"testing"
	"time"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
	ch    chan struct{}
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan struct{}, 16)}
}

func (r *fireRecorder) fire(sessionID, messageID string) {
	r.mu.Lock()
	r.fired = append(r.fired, sessionID+"/"+messageID)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestSchedulerFiresAfterDelay(t *testing.T) {
	rec := newFireRecorder()
	s := NewScheduler(time.Minute, rec.fire)

	s.ScheduleDelete("s1", "m1", 5*time.Millisecond)

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.fired[0] != "s1/m1" {
		t.Fatalf("fired = %q, want %q", rec.fired[0], "s1/m1")
	}
}

func TestSchedulerIgnoresNonPositiveDelay(t *testing.T) {
	rec := newFireRecorder()
	s := NewScheduler(time.Minute, rec.fire)

	s.ScheduleDelete("s1", "m1", 0)
	s.ScheduleDelete("s1", "m2", -time.Second)

	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("fired %d times, want 0", rec.count())
	}
}

func TestSchedulerClampsToMaxDelay(t *testing.T) {
	rec := newFireRecorder()
	s := NewScheduler(10*time.Millisecond, rec.fire)

	s.ScheduleDelete("s1", "m1", time.Hour)

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("clamped timer never fired")
	}
}

func TestSchedulerDefaultMaxDelay(t *testing.T) {
	s := NewScheduler(0, nil)
	if s.MaxDelay() != DefaultMaxSelfDestruct {
		t.Fatalf("MaxDelay() = %v, want %v", s.MaxDelay(), DefaultMaxSelfDestruct)
	}
}
