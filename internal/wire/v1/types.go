// Package v1 defines the Courtside realtime protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between the gateway and clients to keep the wire
// protocol authoritative: every event kind is a member of a closed
// set, and payloads are typed structs validated at the boundary.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Event kinds (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and carries the session id (server -> client).
	TypeHelloAck = "hello:ack"

	// TypeRoomJoin requests membership in a conversation room (client -> server).
	TypeRoomJoin = "room:join"
	// TypeRoomJoined confirms a join back to the requesting connection (server -> client).
	TypeRoomJoined = "room:joined"
	// TypeRoomLeave drops membership in a conversation room (client -> server).
	TypeRoomLeave = "room:leave"

	// TypeMessageSend requests persisting a new message (client -> server).
	TypeMessageSend = "message:send"
	// TypeMessageNew broadcasts a persisted message to room members (server -> clients).
	TypeMessageNew = "message:new"
	// TypeMessageNotification is a lightweight out-of-room notification for
	// the recipient's other connections (server -> clients).
	TypeMessageNotification = "message:notification"

	// TypeTypingStart / TypeTypingStop are advisory, never persisted.
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"

	// TypeReadMark requests marking a conversation read (client -> server).
	TypeReadMark = "read:mark"
	// TypeReadAck broadcasts a read receipt to other room members (server -> clients).
	TypeReadAck = "read:ack"

	// TypePresenceOnline / TypePresenceOffline track user-level presence.
	TypePresenceOnline  = "presence:online"
	TypePresenceOffline = "presence:offline"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:               {},
	TypeHelloAck:            {},
	TypeRoomJoin:            {},
	TypeRoomJoined:          {},
	TypeRoomLeave:           {},
	TypeMessageSend:         {},
	TypeMessageNew:          {},
	TypeMessageNotification: {},
	TypeTypingStart:         {},
	TypeTypingStop:          {},
	TypeReadMark:            {},
	TypeReadAck:             {},
	TypePresenceOnline:      {},
	TypePresenceOffline:     {},
	TypeError:               {},
}

// KnownType reports whether kind is a member of the closed event set.
func KnownType(kind string) bool {
	_, ok := allowedTypes[kind]
	return ok
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload carries the resolved-identity token for the handshake.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms authentication.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// RoomPayload is shared by room:join, room:leave, typing:* and read:mark —
// events whose only argument is the conversation room.
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// RoomJoinedPayload echoes a successful join.
type RoomJoinedPayload struct {
	RoomID string `json:"room_id"`
}

// MessageSendPayload requests persisting a message into a room.
type MessageSendPayload struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
}

// MessageRecord is the wire shape of a persisted message.
type MessageRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	ReadBy         []string  `json:"read_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageNewPayload is broadcast to room members after a message persists.
type MessageNewPayload struct {
	RoomID  string        `json:"room_id"`
	Message MessageRecord `json:"message"`
}

// MessageNotificationPayload reaches the recipient's connections that are
// not joined to the room (badge counts in the conversation list).
type MessageNotificationPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Preview        string `json:"preview"`
}

// TypingPayload identifies who is typing where.
type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// ReadAckPayload is broadcast when a participant marks a room read.
type ReadAckPayload struct {
	RoomID   string `json:"room_id"`
	ReaderID string `json:"reader_id"`
}

// PresencePayload identifies the user whose presence changed.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
