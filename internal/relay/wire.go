package relay

import "encoding/json"

// Outbound reply shapes. Each is one JSON text frame; the server is the only
// writer, so these stay strict and minimal.

type helloAck struct {
	Type   EnvelopeType `json:"type"`
	OK     bool         `json:"ok"`
	UserID string       `json:"userId"`
	Name   string       `json:"name"`
}

type requestFailed struct {
	Type   EnvelopeType `json:"type"`
	Reason string       `json:"reason"`
	ToID   string       `json:"toId,omitempty"`
}

type incomingRequest struct {
	Type   EnvelopeType `json:"type"`
	FromID string       `json:"fromId"`
	Name   string       `json:"name"`
}

type chatStart struct {
	Type      EnvelopeType `json:"type"`
	SessionID string       `json:"sessionId"`
	PeerID    string       `json:"peerId"`
	PeerName  string       `json:"peerName"`
}

type chatRejected struct {
	Type   EnvelopeType `json:"type"`
	FromID string       `json:"fromId"`
}

type chatMessage struct {
	Type      EnvelopeType `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	GroupID   string       `json:"groupId,omitempty"`
	FromID    string       `json:"fromId"`
	ID        string       `json:"id"`
	Text      string       `json:"text"`
	Timestamp int64        `json:"timestamp"`

	SelfDestruct int64 `json:"selfDestruct,omitempty"`
	Encrypted    bool  `json:"encrypted,omitempty"`
}

type editNotice struct {
	Type      EnvelopeType `json:"type"`
	SessionID string       `json:"sessionId"`
	MessageID string       `json:"messageId"`
	NewText   string       `json:"newText"`
	FromID    string       `json:"fromId,omitempty"`
}

type deleteNotice struct {
	Type      EnvelopeType `json:"type"`
	SessionID string       `json:"sessionId"`
	ID        string       `json:"id"`
}

type sessionNotice struct {
	Type      EnvelopeType `json:"type"`
	SessionID string       `json:"sessionId"`
	PeerID    string       `json:"peerId,omitempty"`
}

type typingNotice struct {
	Type      EnvelopeType `json:"type"`
	SessionID string       `json:"sessionId"`
	FromID    string       `json:"fromId"`
	IsTyping  bool         `json:"isTyping"`
}

type opaqueRelay struct {
	Type       EnvelopeType    `json:"type"`
	FromID     string          `json:"fromId"`
	SignalData json.RawMessage `json:"signalData,omitempty"`
	KeyData    json.RawMessage `json:"keyData,omitempty"`
}

type groupCreated struct {
	Type    EnvelopeType `json:"type"`
	GroupID string       `json:"groupId"`
	Name    string       `json:"name"`
}

type joinRequest struct {
	Type    EnvelopeType `json:"type"`
	GroupID string       `json:"groupId"`
	FromID  string       `json:"fromId"`
	Name    string       `json:"name"`
}

type joinApproved struct {
	Type    EnvelopeType `json:"type"`
	GroupID string       `json:"groupId"`
	Name    string       `json:"name"`
}

type memberJoined struct {
	Type    EnvelopeType `json:"type"`
	GroupID string       `json:"groupId"`
	UserID  string       `json:"userId"`
	Name    string       `json:"name"`
}

type groupClosed struct {
	Type    EnvelopeType `json:"type"`
	GroupID string       `json:"groupId"`
}

type turnCredentials struct {
	Type       EnvelopeType `json:"type"`
	Username   string       `json:"username"`
	Credential string       `json:"credential"`
	URLs       []string     `json:"urls"`
	ExpiresAt  int64        `json:"expiresAt"`
}
