// Package relay dispatches inbound envelopes to their typed handlers,
// resolves destinations through the presence registry and session manager,
// and delivers outbound envelopes.
package relay

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whisperwire/whisperwire-relay/internal/metrics"
	"github.com/whisperwire/whisperwire-relay/internal/presence"
	"github.com/whisperwire/whisperwire-relay/internal/ratelimit"
	"github.com/whisperwire/whisperwire-relay/internal/session"
	"github.com/whisperwire/whisperwire-relay/internal/turnrest"
)

// Client is the router's view of one connection. ID is empty until the
// connection completes a hello; it is read and written only by the
// connection's own read loop, so it needs no lock.
type Client struct {
	Conn presence.Conn
	ID   string
}

// TURNConfig carries what the router needs to answer get-turn-credentials:
// a stateless credential generator and the ICE URLs to advertise. A nil
// Generator means TURN is not configured.
type TURNConfig struct {
	Generator *turnrest.Generator
	URLs      []string
}

type Config struct {
	Registry *presence.Registry
	Sessions *session.Manager
	Limiter  *ratelimit.SlidingWindow
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    ratelimit.Clock

	JoinPolicy      session.JoinPolicy
	MaxSelfDestruct time.Duration
	TURN            TURNConfig
}

type Router struct {
	log      *slog.Logger
	registry *presence.Registry
	sessions *session.Manager
	limiter  *ratelimit.SlidingWindow
	metrics  *metrics.Metrics
	clock    ratelimit.Clock

	joinPolicy session.JoinPolicy
	turn       TURNConfig

	sched *Scheduler
}

func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	joinPolicy := cfg.JoinPolicy
	if joinPolicy == "" {
		joinPolicy = session.JoinPolicyApproval
	}

	r := &Router{
		log:        logger,
		registry:   cfg.Registry,
		sessions:   cfg.Sessions,
		limiter:    cfg.Limiter,
		metrics:    cfg.Metrics,
		clock:      clock,
		joinPolicy: joinPolicy,
		turn:       cfg.TURN,
	}
	r.sched = NewScheduler(cfg.MaxSelfDestruct, r.fireDelete)
	return r
}

// Scheduler exposes the self-destruct scheduler, mainly for tests.
func (r *Router) Scheduler() *Scheduler { return r.sched }

// HandleFrame processes one inbound text frame from c.
//
// Resolution order is fixed: parse, rate-limit gate, registration gate,
// destination resolution, delivery. Malformed frames and unknown types are
// silently dropped; a rate-limit violation terminates the connection.
func (r *Router) HandleFrame(c *Client, data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		reason := metrics.DropReasonMalformed
		if errors.Is(err, errUnknownType) {
			reason = metrics.DropReasonUnknownType
		}
		r.metrics.FrameDropped(reason)
		r.log.Debug("frame_dropped", "reason", reason, "err", err)
		return
	}

	// Before registration the only admissible envelope is hello; it is gated
	// on the identity it claims.
	rateID := c.ID
	if rateID == "" {
		if env.Type != TypeHello {
			r.metrics.FrameDropped(metrics.DropReasonMalformed)
			return
		}
		rateID = env.UserID
	}

	if !r.limiter.Admit(rateID) {
		r.metrics.RateLimitKick()
		r.log.Info("rate_limit_kick", "user_id", rateID)
		c.Conn.Kick("rate limit exceeded")
		return
	}

	switch env.Type {
	case TypeHello:
		r.handleHello(c, env)
	case TypeRequestChat:
		r.handleRequestChat(c, env)
	case TypeResponseChat:
		r.handleResponseChat(c, env)
	case TypeMessage:
		r.handleMessage(env)
	case TypeEditMessage:
		r.handleEditMessage(env)
	case TypeDeleteMessage:
		r.handleDeleteMessage(env)
	case TypeEndSession:
		r.handleEndSession(env)
	case TypeTyping:
		r.handleTyping(env)
	case TypeSignal, TypeKeyExchange:
		r.handleOpaqueRelay(c, env)
	case TypeCreateGroup:
		r.handleCreateGroup(c, env)
	case TypeJoinGroup:
		r.handleJoinGroup(c, env)
	case TypeApproveJoin:
		r.handleApproveJoin(c, env)
	case TypeGroupMessage:
		r.handleGroupMessage(env)
	case TypeGetTURNCredentials:
		r.handleTURNCredentials(c)
	}
}

// Disconnect runs the teardown path for a closing connection: unregister the
// identity (compare-handle, so a reconnect race never deletes a live entry),
// close every session it participated in, and drop the groups it owned.
func (r *Router) Disconnect(c *Client) {
	if c.ID == "" {
		return
	}
	if !r.registry.Unregister(c.ID, c.Conn) {
		// A fresher connection already owns this identity.
		return
	}
	r.limiter.Forget(c.ID)

	for _, s := range r.sessions.CloseInvolving(c.ID) {
		other, ok := s.Other(c.ID)
		if !ok {
			continue
		}
		r.sendTo(other, sessionNotice{Type: TypePeerDisconnected, SessionID: s.ID, PeerID: c.ID})
	}

	for groupID, members := range r.sessions.DropGroupsOwnedBy(c.ID) {
		for _, member := range members {
			r.sendTo(member, groupClosed{Type: TypeGroupClosed, GroupID: groupID})
		}
	}

	r.log.Info("identity_unregistered", "user_id", c.ID)
	c.ID = ""
}

// SweepSessions expires aged sessions and notifies both participants exactly
// once. Intended to run on its own timer, never inline with frame handling.
func (r *Router) SweepSessions() {
	expired := r.sessions.SweepExpired(r.clock.Now())
	for _, s := range expired {
		r.sendTo(s.ParticipantA, sessionNotice{Type: TypeSessionExpired, SessionID: s.ID})
		r.sendTo(s.ParticipantB, sessionNotice{Type: TypeSessionExpired, SessionID: s.ID})
	}
	if len(expired) > 0 {
		r.metrics.SessionsSwept(len(expired))
		r.log.Info("sessions_swept", "count", len(expired))
	}
}

// sendTo delivers v to the identity's current connection. An unknown or
// offline destination is a silent drop; senders addressing through an
// established session already committed to it.
func (r *Router) sendTo(id string, v any) {
	e, ok := r.registry.Lookup(id)
	if !ok {
		return
	}
	if err := e.Conn.Send(v); err != nil {
		r.log.Debug("send_failed", "user_id", id, "err", err)
	}
}

func (r *Router) failRequest(c *Client, reason, toID string) {
	_ = c.Conn.Send(requestFailed{Type: TypeRequestFailed, Reason: reason, ToID: toID})
}

func (r *Router) handleHello(c *Client, env Envelope) {
	if c.ID != "" && c.ID != env.UserID {
		// The connection is re-introducing itself under a new identity; release
		// the old binding so it cannot outlive this connection.
		r.registry.Unregister(c.ID, c.Conn)
		r.limiter.Forget(c.ID)
	}

	r.registry.Register(env.UserID, env.Name, c.Conn)
	c.ID = env.UserID

	_ = c.Conn.Send(helloAck{
		Type:   TypeHelloAck,
		OK:     true,
		UserID: env.UserID,
		Name:   r.registry.DisplayNameOf(env.UserID),
	})
	r.log.Info("identity_registered", "user_id", env.UserID)
}

func (r *Router) handleRequestChat(c *Client, env Envelope) {
	if !validIdentity(env.ToID) {
		r.failRequest(c, "invalid destination", env.ToID)
		return
	}
	dest, ok := r.registry.Lookup(env.ToID)
	if !ok {
		r.failRequest(c, "unknown destination", env.ToID)
		return
	}
	_ = dest.Conn.Send(incomingRequest{
		Type:   TypeIncomingRequest,
		FromID: env.FromID,
		Name:   r.registry.DisplayNameOf(env.FromID),
	})
}

// handleResponseChat treats every response as self-contained evidence of a
// prior request; the server does not track REQUESTED state and does not
// verify that a matching request-chat was ever sent. That is a documented
// trust assumption of this transport.
func (r *Router) handleResponseChat(c *Client, env Envelope) {
	requester, ok := r.registry.Lookup(env.ToID)
	if !ok {
		r.failRequest(c, "unknown destination", env.ToID)
		return
	}

	if !*env.Accept {
		_ = requester.Conn.Send(chatRejected{Type: TypeChatRejected, FromID: env.FromID})
		return
	}

	s := r.sessions.OpenPairwise(env.FromID, env.ToID)
	r.metrics.SessionStarted()
	r.log.Info("session_opened", "session_id", s.ID)

	_ = requester.Conn.Send(chatStart{
		Type:      TypeChatStart,
		SessionID: s.ID,
		PeerID:    env.FromID,
		PeerName:  r.registry.DisplayNameOf(env.FromID),
	})
	_ = c.Conn.Send(chatStart{
		Type:      TypeChatStart,
		SessionID: s.ID,
		PeerID:    env.ToID,
		PeerName:  r.registry.DisplayNameOf(env.ToID),
	})
}

func (r *Router) handleMessage(env Envelope) {
	a, b, ok := r.sessions.Participants(env.SessionID)
	if !ok {
		r.metrics.FrameDropped(metrics.DropReasonNoSession)
		return
	}

	msg := chatMessage{
		Type:      TypeMessage,
		SessionID: env.SessionID,
		FromID:    env.FromID,
		ID:        uuid.NewString(),
		Text:      env.Text,
		Timestamp: r.clock.Now().UnixMilli(),
		Encrypted: env.Encrypted,
	}

	if env.SelfDestruct > 0 {
		delay := time.Duration(env.SelfDestruct) * time.Millisecond
		if delay > r.sched.MaxDelay() {
			delay = r.sched.MaxDelay()
		}
		msg.SelfDestruct = delay.Milliseconds()
		r.sched.ScheduleDelete(env.SessionID, msg.ID, delay)
	}

	// Both participants get the canonical envelope, the sender included, so
	// clients can adopt the server's id and timestamp over their local copy.
	r.sendTo(a, msg)
	r.sendTo(b, msg)
	r.metrics.MessageRelayed()
}

// fireDelete is the scheduler callback: participants are resolved fresh at
// fire time, so a session closed in the meantime yields no recipients.
func (r *Router) fireDelete(sessionID, messageID string) {
	a, b, ok := r.sessions.Participants(sessionID)
	if !ok {
		return
	}
	notice := deleteNotice{Type: TypeDeleteMessage, SessionID: sessionID, ID: messageID}
	r.sendTo(a, notice)
	r.sendTo(b, notice)
}

// Edit and delete fan-outs carry only the original message id; the server
// retains no message bodies, so authorship cannot be (and is not) verified.
func (r *Router) handleEditMessage(env Envelope) {
	a, b, ok := r.sessions.Participants(env.SessionID)
	if !ok {
		r.metrics.FrameDropped(metrics.DropReasonNoSession)
		return
	}
	notice := editNotice{
		Type:      TypeEditMessage,
		SessionID: env.SessionID,
		MessageID: env.MessageID,
		NewText:   env.NewText,
		FromID:    env.FromID,
	}
	r.sendTo(a, notice)
	r.sendTo(b, notice)
}

func (r *Router) handleDeleteMessage(env Envelope) {
	a, b, ok := r.sessions.Participants(env.SessionID)
	if !ok {
		r.metrics.FrameDropped(metrics.DropReasonNoSession)
		return
	}
	notice := deleteNotice{Type: TypeDeleteMessage, SessionID: env.SessionID, ID: env.ID}
	r.sendTo(a, notice)
	r.sendTo(b, notice)
}

func (r *Router) handleEndSession(env Envelope) {
	a, b, ok := r.sessions.Participants(env.SessionID)
	if !ok {
		return
	}
	notice := sessionNotice{Type: TypeSessionEnded, SessionID: env.SessionID}
	r.sendTo(a, notice)
	r.sendTo(b, notice)
	r.sessions.Close(env.SessionID)
	r.log.Info("session_ended", "session_id", env.SessionID)
}

func (r *Router) handleTyping(env Envelope) {
	a, b, ok := r.sessions.Participants(env.SessionID)
	if !ok {
		return
	}
	var other string
	switch env.FromID {
	case a:
		other = b
	case b:
		other = a
	default:
		return
	}
	r.sendTo(other, typingNotice{
		Type:      TypeTyping,
		SessionID: env.SessionID,
		FromID:    env.FromID,
		IsTyping:  *env.IsTyping,
	})
}

// handleOpaqueRelay passes signal / key-exchange payloads through to a single
// named destination. The payload is never parsed.
func (r *Router) handleOpaqueRelay(c *Client, env Envelope) {
	dest, ok := r.registry.Lookup(env.ToID)
	if !ok {
		r.failRequest(c, "unknown destination", env.ToID)
		return
	}
	_ = dest.Conn.Send(opaqueRelay{
		Type:       env.Type,
		FromID:     c.ID,
		SignalData: env.SignalData,
		KeyData:    env.KeyData,
	})
}

func (r *Router) handleCreateGroup(c *Client, env Envelope) {
	g := r.sessions.CreateGroup(env.FromID, env.GroupName)
	_ = c.Conn.Send(groupCreated{Type: TypeGroupCreated, GroupID: g.ID, Name: g.Name})
	r.log.Info("group_created", "group_id", g.ID, "owner_id", env.FromID)
}

func (r *Router) handleJoinGroup(c *Client, env Envelope) {
	switch r.joinPolicy {
	case session.JoinPolicyOpen:
		existing, err := r.sessions.JoinDirectly(env.GroupID, env.FromID)
		if errors.Is(err, session.ErrNoSuchGroup) {
			r.failRequest(c, "unknown group", "")
			return
		}
		if err != nil {
			return
		}
		name, _, _ := r.sessions.GroupInfo(env.GroupID)
		joined := memberJoined{
			Type:    TypeMemberJoined,
			GroupID: env.GroupID,
			UserID:  env.FromID,
			Name:    r.registry.DisplayNameOf(env.FromID),
		}
		for _, member := range existing {
			r.sendTo(member, joined)
		}
		_ = c.Conn.Send(joinApproved{Type: TypeJoinApproved, GroupID: env.GroupID, Name: name})

	default: // approval
		ownerID, err := r.sessions.RequestJoin(env.GroupID, env.FromID)
		if errors.Is(err, session.ErrNoSuchGroup) {
			r.failRequest(c, "unknown group", "")
			return
		}
		if err != nil {
			return
		}
		r.sendTo(ownerID, joinRequest{
			Type:    TypeJoinRequest,
			GroupID: env.GroupID,
			FromID:  env.FromID,
			Name:    r.registry.DisplayNameOf(env.FromID),
		})
	}
}

func (r *Router) handleApproveJoin(c *Client, env Envelope) {
	existing, err := r.sessions.ApproveJoin(env.GroupID, env.FromID, env.UserID)
	if errors.Is(err, session.ErrNoSuchGroup) {
		r.failRequest(c, "unknown group", "")
		return
	}
	if err != nil {
		return
	}

	name, _, _ := r.sessions.GroupInfo(env.GroupID)
	r.sendTo(env.UserID, joinApproved{Type: TypeJoinApproved, GroupID: env.GroupID, Name: name})

	joined := memberJoined{
		Type:    TypeMemberJoined,
		GroupID: env.GroupID,
		UserID:  env.UserID,
		Name:    r.registry.DisplayNameOf(env.UserID),
	}
	for _, member := range existing {
		if member == env.FromID {
			continue
		}
		r.sendTo(member, joined)
	}
}

func (r *Router) handleGroupMessage(env Envelope) {
	if !r.sessions.IsGroupMember(env.GroupID, env.FromID) {
		r.metrics.FrameDropped(metrics.DropReasonNoSession)
		return
	}
	members, ok := r.sessions.GroupMembers(env.GroupID)
	if !ok {
		return
	}

	msg := chatMessage{
		Type:      TypeGroupMessage,
		GroupID:   env.GroupID,
		FromID:    env.FromID,
		ID:        uuid.NewString(),
		Text:      env.Text,
		Timestamp: r.clock.Now().UnixMilli(),
	}
	for _, member := range members {
		if member == env.FromID {
			continue
		}
		r.sendTo(member, msg)
	}
	r.metrics.MessageRelayed()
}

func (r *Router) handleTURNCredentials(c *Client) {
	if r.turn.Generator == nil {
		r.failRequest(c, "turn not configured", "")
		return
	}
	creds, err := r.turn.Generator.GenerateRandom()
	if err != nil {
		r.failRequest(c, "credential generation failed", "")
		return
	}
	_ = c.Conn.Send(turnCredentials{
		Type:       TypeTURNCredentials,
		Username:   creds.Username,
		Credential: creds.Credential,
		URLs:       r.turn.URLs,
		ExpiresAt:  creds.ExpiryUnix,
	})
}
