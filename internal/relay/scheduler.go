package relay

import "time"

// DefaultMaxSelfDestruct bounds client-declared self-destruct TTLs; anything
// larger is clamped so a hostile client cannot accumulate arbitrarily distant
// timers.
const DefaultMaxSelfDestruct = 5 * time.Minute

// Scheduler arms one-shot delete timers for self-destructing messages.
//
// There is no cancellation: the fire callback re-resolves the session at fire
// time, so a session that ended first simply yields no recipients.
type Scheduler struct {
	maxDelay time.Duration
	fire     func(sessionID, messageID string)
}

func NewScheduler(maxDelay time.Duration, fire func(sessionID, messageID string)) *Scheduler {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxSelfDestruct
	}
	return &Scheduler{maxDelay: maxDelay, fire: fire}
}

// MaxDelay returns the hard clamp applied to every scheduled delete.
func (s *Scheduler) MaxDelay() time.Duration { return s.maxDelay }

// ScheduleDelete arms a timer that fires no earlier than delay from now.
// Non-positive delays are ignored; oversized delays are clamped.
func (s *Scheduler) ScheduleDelete(sessionID, messageID string, delay time.Duration) {
	if delay <= 0 || s.fire == nil {
		return
	}
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	time.AfterFunc(delay, func() {
		s.fire(sessionID, messageID)
	})
}
