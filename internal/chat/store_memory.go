package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the dev/test fallback when no database is configured.
//
// A single mutex serializes everything; at in-memory scale that is also
// what guarantees per-conversation ordering and duplicate-pair safety.
type InMemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*memConversation
	pairIdx map[string]string // "lo\x00hi" -> conversation id
}

type memConversation struct {
	conv Conversation
	msgs []Message // ordered by CreatedAt
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:   make(map[string]*memConversation),
		pairIdx: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FindOrCreateConversation returns the existing conversation for the pair or
// creates one. Symmetric: (a, b) and (b, a) resolve to the same conversation.
func (s *InMemoryStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return Conversation{}, errors.New("chat: empty participant id")
	}
	if userA == userB {
		return Conversation{}, ErrSelfConversation
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	lo, hi := PairKey(userA, userB)
	key := lo + "\x00" + hi

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairIdx[key]; ok {
		return cloneConversation(s.convs[id].conv), nil
	}

	now := time.Now().UTC()
	id, err := newConversationID(now)
	if err != nil {
		return Conversation{}, err
	}

	conv := Conversation{
		ID:           id,
		Participants: [2]string{lo, hi},
		Unread:       map[string]int{lo: 0, hi: 0},
		CreatedAt:    now,
	}
	s.convs[id] = &memConversation{conv: conv}
	s.pairIdx[key] = id

	return cloneConversation(conv), nil
}

// GetConversation returns one conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(c.conv), nil
}

// AppendMessage persists a message and updates the conversation summary.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := ValidateContent(in.Content, in.Kind); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if !c.conv.HasParticipant(in.SenderID) {
		return Message{}, ErrNotParticipant
	}

	// Creation times are strictly non-decreasing within a conversation,
	// even if the wall clock steps backwards between appends.
	if n := len(c.msgs); n > 0 && !now.After(c.msgs[n-1].CreatedAt) {
		now = c.msgs[n-1].CreatedAt.Add(time.Microsecond)
	}

	id, err := newMessageID(now)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           in.Kind,
		ReadBy:         nil,
		CreatedAt:      now,
	}
	// The log is never trimmed: dropping old entries would shift
	// ListMessages offsets under a paging client. Durable retention is the
	// Postgres store's problem; this store only lives for a dev run.
	c.msgs = append(c.msgs, msg)

	c.conv.LastMessage = LastMessage{Content: in.Content, SenderID: in.SenderID, At: now}
	c.conv.Unread[c.conv.OtherParticipant(in.SenderID)]++

	return cloneMessage(msg), nil
}

// ListMessages returns a window ordered oldest-first.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if offset >= len(c.msgs) {
		return nil, nil
	}

	end := offset + limit
	if end > len(c.msgs) {
		end = len(c.msgs)
	}

	out := make([]Message, 0, end-offset)
	for _, m := range c.msgs[offset:end] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// MarkRead adds readerID to the read-set of unread peer messages and zeroes
// the reader's unread counter. Calling it twice is the same as calling once.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.conv.HasParticipant(readerID) {
		return ErrNotParticipant
	}

	other := c.conv.OtherParticipant(readerID)
	for i := range c.msgs {
		if c.msgs[i].SenderID != other || c.msgs[i].ReadByUser(readerID) {
			continue
		}
		c.msgs[i].ReadBy = append(c.msgs[i].ReadBy, readerID)
	}
	c.conv.Unread[readerID] = 0
	return nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first (conversations without messages sort by creation time).
func (s *InMemoryStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.conv.HasParticipant(userID) {
			out = append(out, cloneConversation(c.conv))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return activityTime(out[i]).After(activityTime(out[j]))
	})
	return out, nil
}

// DeleteConversation removes the conversation and all its messages.
func (s *InMemoryStore) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.conv.HasParticipant(requesterID) {
		return ErrNotParticipant
	}

	lo, hi := c.conv.Participants[0], c.conv.Participants[1]
	delete(s.pairIdx, lo+"\x00"+hi)
	delete(s.convs, conversationID)
	return nil
}

func activityTime(c Conversation) time.Time {
	if !c.LastMessage.At.IsZero() {
		return c.LastMessage.At
	}
	return c.CreatedAt
}

func cloneConversation(c Conversation) Conversation {
	out := c
	out.Unread = make(map[string]int, len(c.Unread))
	for k, v := range c.Unread {
		out.Unread[k] = v
	}
	return out
}

func cloneMessage(m Message) Message {
	out := m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return out
}
