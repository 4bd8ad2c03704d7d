package chat

import (
	"context"
	"time"
)

// Store persists conversations and their ordered message logs.
//
// Requirements:
//   - FindOrCreateConversation must not race into duplicate conversations
//     for the same unordered pair under concurrency.
//   - AppendMessage and MarkRead are serialized per conversation, never
//     globally.
//   - ListMessages is paged (oldest-first), not streamed.
//   - MarkRead is idempotent.
type Store interface {
	// FindOrCreateConversation returns the conversation for the unordered
	// pair {userA, userB}, creating it atomically on first contact.
	FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error)

	// GetConversation returns one conversation by id.
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)

	// AppendMessage persists a message, updates the conversation's
	// last-message summary, and increments the other participant's unread
	// counter. Fails with ErrNotParticipant / ErrInvalidContent / ErrNotFound.
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)

	// ListMessages returns a finite window of messages ordered oldest-first.
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error)

	// MarkRead adds readerID to the read-set of every unread message sent by
	// the other participant and zeroes readerID's unread counter. Idempotent.
	MarkRead(ctx context.Context, conversationID, readerID string) error

	// ListConversationsForUser returns all conversations userID participates
	// in, most recently active first.
	ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)

	// DeleteConversation removes the conversation and all its messages.
	// Only a participant may delete.
	DeleteConversation(ctx context.Context, conversationID, requesterID string) error

	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Kind           string
	Now            time.Time
}

// Directory resolves user identities for display enrichment.
// User records are owned by the external auth/profile collaborator;
// the chat core only reads them.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}
