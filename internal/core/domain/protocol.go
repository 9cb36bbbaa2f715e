package domain

import (
	"encoding/json"
	"time"
)

// Inbound frame tags
const (
	FrameMessage  = "message"
	FrameTyping   = "typing"
	FrameReaction = "reaction"
	FrameJoin     = "join"
	FrameLeave    = "leave"
)

// Outbound event types
const (
	TypeMessage  = "message"
	TypeTyping   = "typing"
	TypeReaction = "reaction"
	TypeSystem   = "system"
	TypeAck      = "ack"
	TypeError    = "error"
)

// System event subtypes
const (
	SubtypePresenceJoined = "presence-joined"
	SubtypePresenceLeft   = "presence-left"
)

type AckStatus string

const (
	AckPersisted AckStatus = "persisted"
)

// InboundFrame is one JSON object sent by a client. Only the fields relevant
// to Type are read.
type InboundFrame struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Content     string `json:"content,omitempty"`
	IsEncrypted bool   `json:"is_encrypted,omitempty"`
	IsTyping    bool   `json:"is_typing,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
}

// Event is a server-emitted event. Seq is a per-room ordering hint assigned
// by the publishing instance; clients use it for display only.
type Event struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	RoomID      string          `json:"room_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Seq         int64           `json:"seq,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	SenderID    string          `json:"sender_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	IsEncrypted bool            `json:"is_encrypted,omitempty"`
	IsTyping    *bool           `json:"is_typing,omitempty"`
	Emoji       string          `json:"emoji,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// AckMessage is sent ONLY to the sender once a message is persisted.
type AckMessage struct {
	Type        string    `json:"type"` // always "ack"
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	MessageID   string    `json:"message_id"`
	RoomID      string    `json:"room_id"`
	Status      AckStatus `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorMessage is WS-safe error
type ErrorMessage struct {
	Type        string `json:"type"` // "error"
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// NewErrorMessage builds the error frame returned to a client for err. The
// message text comes from the matched sentinel only; callers log err itself.
func NewErrorMessage(err error, clientMsgID string) ErrorMessage {
	code, text := describe(err)
	return ErrorMessage{
		Type:        TypeError,
		Code:        code,
		Message:     text,
		ClientMsgID: clientMsgID,
	}
}
