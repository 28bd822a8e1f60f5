package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow    = 5 * time.Second
	DefaultMaxEvents = 40
)

// SlidingWindow is a per-identity sliding-window admission counter.
//
// Each identity gets a bucket holding the start of its current window and the
// number of events counted in it. A bucket whose age exceeds the window is
// reset on the next event. Exceeding the cap is a hard signal: callers are
// expected to terminate the offending connection, not merely drop the event.
type SlidingWindow struct {
	mu sync.Mutex

	clock  Clock
	window time.Duration
	max    int

	buckets map[string]*windowBucket
}

type windowBucket struct {
	windowStart time.Time
	count       int
}

func NewSlidingWindow(clock Clock, window time.Duration, maxEvents int) *SlidingWindow {
	if clock == nil {
		clock = RealClock{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &SlidingWindow{
		clock:   clock,
		window:  window,
		max:     maxEvents,
		buckets: make(map[string]*windowBucket),
	}
}

// Admit counts one event for id and reports whether it is within the cap.
//
// A fresh or elapsed window always admits. Within a window, exactly max
// events are admitted; the (max+1)th is denied.
func (l *SlidingWindow) Admit(id string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[id]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[id] = &windowBucket{windowStart: now, count: 1}
		return true
	}

	b.count++
	return b.count <= l.max
}

// Forget drops the bucket for id. Called when an identity unregisters so
// buckets cannot accumulate across short-lived connections.
func (l *SlidingWindow) Forget(id string) {
	l.mu.Lock()
	delete(l.buckets, id)
	l.mu.Unlock()
}

// Len reports the number of tracked buckets.
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
