// Package session owns pairwise and group session state: id derivation,
// membership, and TTL expiry. Sessions are cheap, short-lived, and held in
// process memory only.
package session

import (
	"sync"
	"time"

	"github.com/whisperwire/whisperwire-relay/internal/ratelimit"
)

const (
	DefaultTTL = 30 * time.Minute

	// pairSeparator joins the sorted participant pair into the session id, so
	// both sides derive the same id no matter who initiated.
	pairSeparator = ":"
)

// Session is an active two-party conversation.
type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
}

// Participants returns both sides of the session.
func (s *Session) Participants() (string, string) {
	return s.ParticipantA, s.ParticipantB
}

// Other returns the participant that is not id, if id is a participant.
func (s *Session) Other(id string) (string, bool) {
	switch id {
	case s.ParticipantA:
		return s.ParticipantB, true
	case s.ParticipantB:
		return s.ParticipantA, true
	default:
		return "", false
	}
}

type Manager struct {
	clock ratelimit.Clock
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	groups   map[string]*Group
}

func NewManager(clock ratelimit.Clock, ttl time.Duration) *Manager {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		clock:    clock,
		ttl:      ttl,
		sessions: make(map[string]*Session),
		groups:   make(map[string]*Group),
	}
}

// PairwiseID derives the session id for two participants: the pair is sorted
// lexicographically and joined with a fixed separator, so OpenPairwise(A,B)
// and OpenPairwise(B,A) agree without coordination.
func PairwiseID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + pairSeparator + b
}

// OpenPairwise creates (or recreates) the session between the two ids and
// returns it. Reopening overwrites the prior session; there is no conflict.
func (m *Manager) OpenPairwise(fromID, toID string) *Session {
	s := &Session{
		ID:           PairwiseID(fromID, toID),
		ParticipantA: fromID,
		ParticipantB: toID,
		CreatedAt:    m.clock.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Close removes the session. Idempotent when already absent.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	return true
}

// Participants returns the session's participant pair, if the session exists.
func (m *Manager) Participants(sessionID string) (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", "", false
	}
	return s.ParticipantA, s.ParticipantB, true
}

// SweepExpired removes every session older than the TTL as of now and returns
// the removed sessions so the caller can notify participants. The sweep is
// expected to run on its own timer, never inline with message handling.
func (m *Manager) SweepExpired(now time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for id, s := range m.sessions {
		if now.Sub(s.CreatedAt) > m.ttl {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	return expired
}

// CloseInvolving removes every session that references id and returns them.
// Used by the registry teardown path when an identity disconnects.
func (m *Manager) CloseInvolving(id string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []*Session
	for sid, s := range m.sessions {
		if s.ParticipantA == id || s.ParticipantB == id {
			closed = append(closed, s)
			delete(m.sessions, sid)
		}
	}
	return closed
}

// Len reports the number of active pairwise sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
