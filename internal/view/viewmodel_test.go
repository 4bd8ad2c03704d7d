package view

import (
	"encoding/json"
	"testing"
	"time"

	v1 "courtside/internal/wire/v1"
)

func record(id, sender, content string, at time.Time) v1.MessageRecord {
	return v1.MessageRecord{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		Kind:           "text",
		CreatedAt:      at,
	}
}

func TestSeedHistoryOrdersAndDedups(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v := NewConversationView("c1", "alice")

	v.SeedHistory([]v1.MessageRecord{
		record("m2", "bob", "second", base.Add(time.Minute)),
		record("m1", "alice", "first", base),
		record("m2", "bob", "second", base.Add(time.Minute)), // duplicate in page
	})

	got := v.Messages()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestApplyMessageDedupsById(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v := NewConversationView("c1", "alice")
	v.SeedHistory([]v1.MessageRecord{record("m1", "bob", "hey", base)})

	// A realtime event for an already-seeded message changes nothing.
	if changed := v.ApplyMessage(record("m1", "bob", "hey", base)); changed {
		t.Fatalf("duplicate must not change the list")
	}
	if changed := v.ApplyMessage(record("m2", "bob", "again", base.Add(time.Second))); !changed {
		t.Fatalf("new message must change the list")
	}
	if got := v.Messages(); len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestApplyMessageIgnoresOtherConversations(t *testing.T) {
	t.Parallel()

	v := NewConversationView("c1", "alice")
	m := record("m1", "bob", "hey", time.Now())
	m.ConversationID = "c2"

	if changed := v.ApplyMessage(m); changed {
		t.Fatalf("message for another conversation must be ignored")
	}
	if len(v.Messages()) != 0 {
		t.Fatalf("list mutated")
	}
}

func TestTypingSetClearedByStopOrMessage(t *testing.T) {
	t.Parallel()

	v := NewConversationView("c1", "alice")

	v.ApplyTypingStart("bob")
	if got := v.TypingUsers(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("typing = %v", got)
	}

	// Explicit stop clears.
	v.ApplyTypingStop("bob")
	if got := v.TypingUsers(); len(got) != 0 {
		t.Fatalf("typing after stop = %v", got)
	}

	// A message from the typist also clears (implicit stop).
	v.ApplyTypingStart("bob")
	v.ApplyMessage(record("m1", "bob", "sent it", time.Now()))
	if got := v.TypingUsers(); len(got) != 0 {
		t.Fatalf("typing after message = %v", got)
	}

	// Own typing events never show.
	v.ApplyTypingStart("alice")
	if got := v.TypingUsers(); len(got) != 0 {
		t.Fatalf("self typing leaked: %v", got)
	}
}

func TestApplyReadAckMarksPeerMessages(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v := NewConversationView("c1", "alice")
	v.SeedHistory([]v1.MessageRecord{
		record("m1", "alice", "mine", base),
		record("m2", "bob", "theirs", base.Add(time.Second)),
	})

	v.ApplyReadAck("bob")

	if !v.IsRead("m1", "bob") {
		t.Fatalf("bob's read receipt must cover alice's message")
	}
	if v.IsRead("m2", "bob") {
		t.Fatalf("read receipt must not apply to the reader's own messages")
	}

	// Idempotent.
	v.ApplyReadAck("bob")
	got := v.Messages()
	if len(got[0].ReadBy) != 1 {
		t.Fatalf("read-set grew on repeat ack: %v", got[0].ReadBy)
	}
}

func TestPresenceIndicator(t *testing.T) {
	t.Parallel()

	v := NewConversationView("c1", "alice")
	if v.IsOnline("bob") {
		t.Fatalf("unknown user should be offline")
	}
	v.ApplyPresence("bob", true)
	if !v.IsOnline("bob") {
		t.Fatalf("bob should be online")
	}
	v.ApplyPresence("bob", false)
	if v.IsOnline("bob") {
		t.Fatalf("bob should be offline")
	}
}

func TestApplyRoutesEnvelopes(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v := NewConversationView("c1", "alice")

	msgPayload, _ := json.Marshal(v1.MessageNewPayload{
		RoomID:  "c1",
		Message: record("m1", "bob", "via envelope", base),
	})
	v.Apply(v1.Envelope{V: v1.Version, Type: v1.TypeMessageNew, Payload: msgPayload})

	typingPayload, _ := json.Marshal(v1.TypingPayload{RoomID: "c1", UserID: "bob"})
	v.Apply(v1.Envelope{V: v1.Version, Type: v1.TypeTypingStart, Payload: typingPayload})

	otherRoom, _ := json.Marshal(v1.TypingPayload{RoomID: "c9", UserID: "carol"})
	v.Apply(v1.Envelope{V: v1.Version, Type: v1.TypeTypingStart, Payload: otherRoom})

	if got := v.Messages(); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("messages = %v", got)
	}
	if got := v.TypingUsers(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("typing = %v", got)
	}
}
