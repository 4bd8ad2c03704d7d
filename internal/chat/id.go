package chat

import (
	"time"

	"courtside/internal/ids"
)

// newConversationID returns a ULID used as conversation id.
func newConversationID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newMessageID returns a ULID used as message id.
// ULIDs sort lexicographically by creation time, which keeps message ids
// aligned with the per-conversation ordering invariant.
func newMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
