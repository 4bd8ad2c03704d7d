package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFindOrCreateConversationSymmetric(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()

	c1, err := s.FindOrCreateConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c2, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("pair resolved to two conversations: %q vs %q", c1.ID, c2.ID)
	}
	if c1.Participants[0] != "alice" || c1.Participants[1] != "bob" {
		t.Fatalf("participants not canonical: %v", c1.Participants)
	}
}

func TestFindOrCreateConversationRejectsSelf(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStore()

	if _, err := s.FindOrCreateConversation(context.Background(), "alice", "alice"); !errors.Is(err, ErrSelfConversation) {
		t.Fatalf("expected ErrSelfConversation, got %v", err)
	}
}

func TestFindOrCreateConversationConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()

	const n = 32
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			var c Conversation
			var err error
			if i%2 == 0 {
				c, err = s.FindOrCreateConversation(ctx, "alice", "bob")
			} else {
				c, err = s.FindOrCreateConversation(ctx, "bob", "alice")
			}
			if err != nil {
				ids <- "err:" + err.Error()
				return
			}
			ids <- c.ID
		}(i)
	}

	first := <-ids
	for i := 1; i < n; i++ {
		if got := <-ids; got != first {
			t.Fatalf("duplicate conversation under concurrency: %q vs %q", got, first)
		}
	}
}

func TestAppendMessageUpdatesSummaryAndUnread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()

	conv, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	msg, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "see you at court 3",
		Kind:           KindText,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID == "" || msg.SenderID != "alice" {
		t.Fatalf("bad message: %+v", msg)
	}
	if len(msg.ReadBy) != 0 {
		t.Fatalf("new message must start unread: %v", msg.ReadBy)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastMessage.Content != "see you at court 3" || got.LastMessage.SenderID != "alice" {
		t.Fatalf("last message not updated: %+v", got.LastMessage)
	}
	if got.Unread["bob"] != 1 || got.Unread["alice"] != 0 {
		t.Fatalf("unread counters wrong: %v", got.Unread)
	}
}

func TestAppendMessageRejectsOutsiderWithoutMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()

	conv, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	_, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		SenderID:       "mallory",
		Content:        "hi",
		Kind:           KindText,
	})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.LastMessage.Content != "" || got.Unread["alice"] != 0 || got.Unread["bob"] != 0 {
		t.Fatalf("rejected append mutated state: %+v", got)
	}
	msgs, _ := s.ListMessages(ctx, conv.ID, 10, 0)
	if len(msgs) != 0 {
		t.Fatalf("rejected append stored a message")
	}
}

func TestAppendMessageRejectsInvalidContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	conv, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	cases := []AppendMessageInput{
		{ConversationID: conv.ID, SenderID: "alice", Content: "   ", Kind: KindText},
		{ConversationID: conv.ID, SenderID: "alice", Content: "hi", Kind: "sticker"},
		{ConversationID: conv.ID, SenderID: "alice", Content: strings.Repeat("x", MaxContentChars+1), Kind: KindText},
	}
	for _, in := range cases {
		if _, err := s.AppendMessage(ctx, in); !errors.Is(err, ErrInvalidContent) {
			t.Fatalf("input %+v: expected ErrInvalidContent, got %v", in, err)
		}
	}
}

func TestAppendMessageMonotonicCreatedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	conv, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// The wall clock steps backwards between the second and third append.
	stamps := []time.Time{base, base.Add(time.Second), base.Add(-time.Minute)}
	for _, ts := range stamps {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID,
			SenderID:       "alice",
			Content:        "x",
			Kind:           KindText,
			Now:            ts,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("created_at regressed at %d: %v then %v", i, msgs[i-1].CreatedAt, msgs[i].CreatedAt)
		}
	}
}

func TestListMessagesPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	conv, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID, SenderID: "alice", Content: string(rune('a' + i)), Kind: KindText,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	page, err := s.ListMessages(ctx, conv.ID, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Content != "b" || page[1].Content != "c" {
		t.Fatalf("unexpected page: %+v", page)
	}

	empty, err := s.ListMessages(ctx, conv.ID, 10, 99)
	if err != nil || len(empty) != 0 {
		t.Fatalf("offset past end: msgs=%v err=%v", empty, err)
	}

	if _, err := s.ListMessages(ctx, "nope", 10, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessagesOffsetsStableUnderLongLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	conv, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	// The store must never trim the log: a paging client depends on
	// offset 0 always naming the first message ever appended.
	const total = 10_050
	first, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID, SenderID: "alice", Content: "m-0", Kind: KindText,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	for i := 1; i < total; i++ {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID, SenderID: "alice", Content: "m", Kind: KindText,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := s.ListMessages(ctx, conv.ID, 1, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != first.ID {
		t.Fatalf("offset 0 = %+v, want first message %q", got, first.ID)
	}

	tail, err := s.ListMessages(ctx, conv.ID, 10, total-1)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("tail page = %d messages, want 1", len(tail))
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	conv, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID, SenderID: "alice", Content: "hey", Kind: KindText,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := s.MarkRead(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := s.MarkRead(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.Unread["bob"] != 0 {
		t.Fatalf("unread not zeroed: %v", got.Unread)
	}

	msgs, _ := s.ListMessages(ctx, conv.ID, 10, 0)
	for _, m := range msgs {
		if !m.ReadByUser("bob") {
			t.Fatalf("message %s missing bob in read-set: %v", m.ID, m.ReadBy)
		}
		if n := len(m.ReadBy); n != 1 {
			t.Fatalf("read-set grew on repeat mark: %v", m.ReadBy)
		}
		if m.ReadByUser("alice") {
			t.Fatalf("sender must not be in own read-set: %v", m.ReadBy)
		}
	}
}

func TestMarkReadRejectsOutsider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	conv, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	if err := s.MarkRead(ctx, conv.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestListConversationsForUserOrdersByActivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()

	older, _ := s.FindOrCreateConversation(ctx, "alice", "bob")
	newer, _ := s.FindOrCreateConversation(ctx, "alice", "carol")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mustAppend(t, s, older.ID, "bob", "first", base)
	mustAppend(t, s, newer.ID, "carol", "second", base.Add(time.Minute))

	convs, err := s.ListConversationsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != newer.ID || convs[1].ID != older.ID {
		t.Fatalf("wrong activity order: %q, %q", convs[0].ID, convs[1].ID)
	}

	none, err := s.ListConversationsForUser(ctx, "mallory")
	if err != nil || len(none) != 0 {
		t.Fatalf("outsider list: %v %v", none, err)
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemoryStore()
	conv, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	if err := s.DeleteConversation(ctx, conv.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider delete: %v", err)
	}
	if err := s.DeleteConversation(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("conversation survived delete: %v", err)
	}

	// The pair is free again; a new contact creates a fresh conversation.
	again, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if again.ID == conv.ID {
		t.Fatalf("recreated conversation reused deleted id")
	}
}

func TestPairKeyCanonical(t *testing.T) {
	t.Parallel()

	lo, hi := PairKey("bob", "alice")
	if lo != "alice" || hi != "bob" {
		t.Fatalf("PairKey not sorted: %q, %q", lo, hi)
	}
	lo2, hi2 := PairKey("alice", "bob")
	if lo != lo2 || hi != hi2 {
		t.Fatalf("PairKey not symmetric")
	}
}

func mustAppend(t *testing.T, s *InMemoryStore, convID, sender, content string, now time.Time) {
	t.Helper()
	if _, err := s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		Kind:           KindText,
		Now:            now,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
}
