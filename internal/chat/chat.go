// Package chat owns the durable conversation model: the pair-to-conversation
// mapping, the ordered message log, unread counters, and read receipts.
package chat

import (
	"errors"
	"strings"
	"time"
)

// Content kinds form a closed enumeration; unrecognized kinds are rejected.
const (
	KindText = "text"
)

// ValidKind reports whether kind is a member of the closed content-kind set.
func ValidKind(kind string) bool {
	return kind == KindText
}

// Error taxonomy. Validation errors are resolved at the calling boundary and
// never mutate store state.
var (
	// ErrNotParticipant is returned when the acting user is not one of the
	// conversation's two participants.
	ErrNotParticipant = errors.New("chat: not a participant")

	// ErrInvalidContent is returned for empty content or an unrecognized kind.
	ErrInvalidContent = errors.New("chat: invalid content")

	// ErrNotFound is returned when the conversation id is unknown.
	ErrNotFound = errors.New("chat: conversation not found")

	// ErrSelfConversation is returned for a pair {a, a}.
	ErrSelfConversation = errors.New("chat: conversation with self")
)

// LastMessage is the denormalized summary kept on a conversation for
// list-view efficiency.
type LastMessage struct {
	Content  string    `json:"content"`
	SenderID string    `json:"sender_id"`
	At       time.Time `json:"at"`
}

// Conversation represents exactly one unordered pair of participants.
// At most one conversation exists per pair; creation is find-or-create.
type Conversation struct {
	ID           string         `json:"id"`
	Participants [2]string      `json:"participant_ids"`
	LastMessage  LastMessage    `json:"last_message"`
	Unread       map[string]int `json:"unread"`
	CreatedAt    time.Time      `json:"created_at"`

	// Peer is the other participant's identity, filled by read surfaces
	// for display. It is never persisted by the store.
	Peer *Identity `json:"peer,omitempty"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// OtherParticipant returns the participant that is not userID.
// The empty string means userID is not a participant at all.
func (c Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	default:
		return ""
	}
}

// Message is one immutable unit of conversation content.
// Only the read-set may grow after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	ReadBy         []string  `json:"read_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReadBy reports whether userID is in the message's read-set.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// PairKey returns the canonical (sorted) key for an unordered participant
// pair. Both orderings of the same pair map to the same key.
func PairKey(userA, userB string) (lo, hi string) {
	if userA <= userB {
		return userA, userB
	}
	return userB, userA
}

// MaxContentChars caps message content length in runes. Both transports
// (WebSocket and HTTP) enforce the same cap through ValidateContent.
const MaxContentChars = 4000

// ValidateContent checks the message body against the closed kind set,
// the non-empty rule, and the content length cap.
func ValidateContent(content, kind string) error {
	if strings.TrimSpace(content) == "" {
		return ErrInvalidContent
	}
	if len([]rune(content)) > MaxContentChars {
		return ErrInvalidContent
	}
	if !ValidKind(kind) {
		return ErrInvalidContent
	}
	return nil
}

// Identity is a read-only reference into the external user space.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}
