package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// errUnknownType distinguishes "well-formed but unsupported type" from other
// validation failures so drops can be counted separately.
var errUnknownType = errors.New("unknown envelope type")

type EnvelopeType string

// Inbound envelope types.
const (
	TypeHello              EnvelopeType = "hello"
	TypeRequestChat        EnvelopeType = "request-chat"
	TypeResponseChat       EnvelopeType = "response-chat"
	TypeMessage            EnvelopeType = "message"
	TypeEditMessage        EnvelopeType = "edit-message"
	TypeDeleteMessage      EnvelopeType = "delete-message"
	TypeEndSession         EnvelopeType = "end-session"
	TypeTyping             EnvelopeType = "typing"
	TypeSignal             EnvelopeType = "signal"
	TypeKeyExchange        EnvelopeType = "key-exchange"
	TypeCreateGroup        EnvelopeType = "create-group"
	TypeJoinGroup          EnvelopeType = "join-group"
	TypeApproveJoin        EnvelopeType = "approve-join"
	TypeGroupMessage       EnvelopeType = "group-message"
	TypeGetTURNCredentials EnvelopeType = "get-turn-credentials"
)

// Outbound envelope types.
const (
	TypeHelloAck         EnvelopeType = "hello-ack"
	TypeRequestFailed    EnvelopeType = "request-failed"
	TypeIncomingRequest  EnvelopeType = "incoming-request"
	TypeChatStart        EnvelopeType = "chat-start"
	TypeChatRejected     EnvelopeType = "chat-rejected"
	TypeSessionEnded     EnvelopeType = "session-ended"
	TypeSessionExpired   EnvelopeType = "session-expired"
	TypePeerDisconnected EnvelopeType = "peer-disconnected"
	TypeGroupCreated     EnvelopeType = "group-created"
	TypeJoinRequest      EnvelopeType = "join-request"
	TypeJoinApproved     EnvelopeType = "join-approved"
	TypeMemberJoined     EnvelopeType = "member-joined"
	TypeGroupClosed      EnvelopeType = "group-closed"
	TypeTURNCredentials  EnvelopeType = "turn-credentials"
)

// Envelope is the single inbound wire shape: one JSON object per text frame,
// tagged by type. Unknown fields are tolerated (clients may send extras);
// missing required fields fail validation and the frame is silently dropped.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`

	FromID string `json:"fromId,omitempty"`
	ToID   string `json:"toId,omitempty"`
	Accept *bool  `json:"accept,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageId,omitempty"`

	Text      string `json:"text,omitempty"`
	NewText   string `json:"newText,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`

	// SelfDestruct is a time-to-live in milliseconds after which the server
	// emits a delete notification for the relayed message.
	SelfDestruct int64 `json:"selfDestruct,omitempty"`

	IsTyping *bool `json:"isTyping,omitempty"`

	// SignalData and KeyData are opaque; the server never parses them.
	SignalData json.RawMessage `json:"signalData,omitempty"`
	KeyData    json.RawMessage `json:"keyData,omitempty"`

	GroupID   string `json:"groupId,omitempty"`
	GroupName string `json:"groupName,omitempty"`
}

// maxIdentityLen bounds client-supplied identifiers; anything longer is
// treated as malformed.
const maxIdentityLen = 128

func validIdentity(id string) bool {
	return id != "" && len(id) <= maxIdentityLen
}

// ParseEnvelope decodes one inbound frame and checks the required fields for
// its type. The error is only a signal to drop the frame; it is never sent
// back to the peer.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch e.Type {
	case TypeHello:
		if !validIdentity(e.UserID) {
			return fmt.Errorf("hello: missing or malformed userId")
		}
	case TypeRequestChat:
		if !validIdentity(e.FromID) {
			return fmt.Errorf("request-chat: missing fromId")
		}
	case TypeResponseChat:
		if !validIdentity(e.FromID) || !validIdentity(e.ToID) {
			return fmt.Errorf("response-chat: missing fromId/toId")
		}
		if e.Accept == nil {
			return fmt.Errorf("response-chat: missing accept")
		}
	case TypeMessage:
		if e.SessionID == "" || !validIdentity(e.FromID) || e.Text == "" {
			return fmt.Errorf("message: missing sessionId/fromId/text")
		}
	case TypeEditMessage:
		if e.SessionID == "" || e.MessageID == "" || e.NewText == "" {
			return fmt.Errorf("edit-message: missing sessionId/messageId/newText")
		}
	case TypeDeleteMessage:
		if e.SessionID == "" || e.ID == "" {
			return fmt.Errorf("delete-message: missing sessionId/id")
		}
	case TypeEndSession:
		if e.SessionID == "" {
			return fmt.Errorf("end-session: missing sessionId")
		}
	case TypeTyping:
		if e.SessionID == "" || !validIdentity(e.FromID) || e.IsTyping == nil {
			return fmt.Errorf("typing: missing sessionId/fromId/isTyping")
		}
	case TypeSignal:
		if !validIdentity(e.ToID) || len(e.SignalData) == 0 {
			return fmt.Errorf("signal: missing toId/signalData")
		}
	case TypeKeyExchange:
		if !validIdentity(e.ToID) || len(e.KeyData) == 0 {
			return fmt.Errorf("key-exchange: missing toId/keyData")
		}
	case TypeCreateGroup:
		if !validIdentity(e.FromID) || e.GroupName == "" {
			return fmt.Errorf("create-group: missing fromId/groupName")
		}
	case TypeJoinGroup:
		if !validIdentity(e.FromID) || e.GroupID == "" {
			return fmt.Errorf("join-group: missing fromId/groupId")
		}
	case TypeApproveJoin:
		if !validIdentity(e.FromID) || e.GroupID == "" || !validIdentity(e.UserID) {
			return fmt.Errorf("approve-join: missing fromId/groupId/userId")
		}
	case TypeGroupMessage:
		if e.GroupID == "" || !validIdentity(e.FromID) || e.Text == "" {
			return fmt.Errorf("group-message: missing groupId/fromId/text")
		}
	case TypeGetTURNCredentials:
		// No required fields.
	default:
		return fmt.Errorf("%w %q", errUnknownType, e.Type)
	}
	return nil
}
