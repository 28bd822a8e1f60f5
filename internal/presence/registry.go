// Package presence maps client-chosen identities to their live connections.
//
// Identities are opaque, client-supplied, and unverified. The registry is the
// sole owner of the id → connection binding; everything else (sessions,
// routing, liveness teardown) resolves connections through it.
package presence

import "sync"

// DefaultDisplayName is used when a client registers without a name.
const DefaultDisplayName = "Anonymous"

// Conn is the delivery handle the registry holds for a connection.
//
// Send marshals and writes one envelope; errors are delivery failures the
// caller may ignore (the liveness sweep reaps dead connections). Kick writes a
// close frame with the given reason and tears the connection down.
type Conn interface {
	Send(v any) error
	Kick(reason string)
}

// Entry is one registered identity.
type Entry struct {
	ID          string
	DisplayName string
	Conn        Conn
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register unconditionally (re)binds id to conn, replacing any prior binding.
// Last write wins: a reconnect under the same id displaces the old entry.
func (r *Registry) Register(id, displayName string, conn Conn) {
	if displayName == "" {
		displayName = DefaultDisplayName
	}

	r.mu.Lock()
	r.entries[id] = &Entry{ID: id, DisplayName: displayName, Conn: conn}
	r.mu.Unlock()
}

// Lookup returns the entry for id, if any.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Unregister removes the binding for id only when the stored handle is still
// conn. A close event for a connection that has already been displaced by a
// reconnect must not delete the live identity.
func (r *Registry) Unregister(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.entries, id)
	return true
}

// DisplayNameOf returns the stored name for id, or the default placeholder.
func (r *Registry) DisplayNameOf(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		return e.DisplayName
	}
	return DefaultDisplayName
}

// Len reports the number of registered identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
