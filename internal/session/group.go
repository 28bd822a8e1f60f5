package session

import "github.com/google/uuid"

// JoinPolicy selects how identities become group members. Exactly one policy
// is active per deployment; the two are never merged.
type JoinPolicy string

const (
	// JoinPolicyApproval routes join-group through a pending request that the
	// owner must approve before membership changes.
	JoinPolicyApproval JoinPolicy = "approval"
	// JoinPolicyOpen admits any join-group immediately.
	JoinPolicyOpen JoinPolicy = "open"
)

// Group is a multi-party room. The owner is always a member.
type Group struct {
	ID      string
	Name    string
	OwnerID string

	members map[string]struct{}
	pending map[string]struct{}
}

// IsMember reports whether id is a current member.
func (g *Group) IsMember(id string) bool {
	_, ok := g.members[id]
	return ok
}

// CreateGroup creates a group owned (and joined) by ownerID.
func (m *Manager) CreateGroup(ownerID, name string) *Group {
	g := &Group{
		ID:      uuid.NewString(),
		Name:    name,
		OwnerID: ownerID,
		members: map[string]struct{}{ownerID: {}},
		pending: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.groups[g.ID] = g
	m.mu.Unlock()
	return g
}

// GroupInfo returns the group's name and owner, if the group exists.
func (m *Manager) GroupInfo(groupID string) (name, ownerID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return "", "", false
	}
	return g.Name, g.OwnerID, true
}

// GroupMembers returns a snapshot of the group's membership.
func (m *Manager) GroupMembers(groupID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return nil, false
	}
	members := make([]string, 0, len(g.members))
	for id := range g.members {
		members = append(members, id)
	}
	return members, true
}

// IsGroupMember reports whether userID is a member of groupID.
func (m *Manager) IsGroupMember(groupID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	return ok && g.IsMember(userID)
}

// RequestJoin records a pending join request (approval policy). Membership is
// unchanged; the caller is expected to notify the owner.
func (m *Manager) RequestJoin(groupID, userID string) (ownerID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return "", ErrNoSuchGroup
	}
	if g.IsMember(userID) {
		return "", ErrAlreadyMember
	}
	g.pending[userID] = struct{}{}
	return g.OwnerID, nil
}

// ApproveJoin admits a pending requester (approval policy). Only the owner may
// approve. Returns the membership snapshot prior to admission so the caller
// can notify existing members.
func (m *Manager) ApproveJoin(groupID, approverID, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNoSuchGroup
	}
	if approverID != g.OwnerID {
		return nil, ErrNotOwner
	}
	if _, ok := g.pending[userID]; !ok {
		return nil, ErrNoPendingRequest
	}

	existing := make([]string, 0, len(g.members))
	for id := range g.members {
		existing = append(existing, id)
	}

	delete(g.pending, userID)
	g.members[userID] = struct{}{}
	return existing, nil
}

// JoinDirectly admits userID unconditionally (open policy) and returns the
// membership snapshot prior to admission.
func (m *Manager) JoinDirectly(groupID, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNoSuchGroup
	}
	if g.IsMember(userID) {
		return nil, ErrAlreadyMember
	}

	existing := make([]string, 0, len(g.members))
	for id := range g.members {
		existing = append(existing, id)
	}

	g.members[userID] = struct{}{}
	return existing, nil
}

// DropGroupsOwnedBy removes every group owned by ownerID and returns, per
// group, the members other than the owner so the caller can notify them.
func (m *Manager) DropGroupsOwnedBy(ownerID string) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := make(map[string][]string)
	for gid, g := range m.groups {
		if g.OwnerID != ownerID {
			continue
		}
		var others []string
		for id := range g.members {
			if id != ownerID {
				others = append(others, id)
			}
		}
		dropped[gid] = others
		delete(m.groups, gid)
	}
	return dropped
}
