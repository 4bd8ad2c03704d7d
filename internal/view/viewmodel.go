// Package view reduces REST-fetched history and realtime events into a
// single ordered, deduplicated message list per open conversation, plus the
// derived typing, read, and presence indicators the UI renders from.
package view

import (
	"encoding/json"
	"sort"
	"sync"

	v1 "courtside/internal/wire/v1"
)

// ConversationView is the client-side state reducer for one conversation.
//
// All methods are safe for concurrent use: events arrive on the session
// controller's read-loop goroutine while the UI reads snapshots.
type ConversationView struct {
	conversationID string
	selfID         string

	mu     sync.Mutex
	msgs   []v1.MessageRecord
	index  map[string]int // message id -> position in msgs
	typing map[string]struct{}
	online map[string]bool
}

// NewConversationView constructs a view for one conversation.
// selfID is the local user; their own typing events are ignored.
func NewConversationView(conversationID, selfID string) *ConversationView {
	return &ConversationView{
		conversationID: conversationID,
		selfID:         selfID,
		index:          make(map[string]int),
		typing:         make(map[string]struct{}),
		online:         make(map[string]bool),
	}
}

// Apply routes one inbound envelope into the reducer. It is shaped to plug
// directly into a session subscription handler.
func (v *ConversationView) Apply(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageNew:
		var p v1.MessageNewPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID == v.conversationID {
			v.ApplyMessage(p.Message)
		}
	case v1.TypeTypingStart:
		var p v1.TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID == v.conversationID {
			v.ApplyTypingStart(p.UserID)
		}
	case v1.TypeTypingStop:
		var p v1.TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID == v.conversationID {
			v.ApplyTypingStop(p.UserID)
		}
	case v1.TypeReadAck:
		var p v1.ReadAckPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID == v.conversationID {
			v.ApplyReadAck(p.ReaderID)
		}
	case v1.TypePresenceOnline:
		var p v1.PresencePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			v.ApplyPresence(p.UserID, true)
		}
	case v1.TypePresenceOffline:
		var p v1.PresencePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			v.ApplyPresence(p.UserID, false)
		}
	}
}

// SeedHistory merges a paged history fetch (oldest-first) into the list.
// Messages already present (a realtime event raced the refetch) keep their
// existing position; their read-set is unioned.
func (v *ConversationView) SeedHistory(msgs []v1.MessageRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range msgs {
		v.mergeLocked(m)
	}
	v.sortLocked()
}

// ApplyMessage appends a realtime message if its id is not already present.
// It reports whether the list changed. A message from a user implicitly
// ends that user's typing indicator.
func (v *ConversationView) ApplyMessage(m v1.MessageRecord) bool {
	if m.ConversationID != "" && m.ConversationID != v.conversationID {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.typing, m.SenderID)

	if _, dup := v.index[m.ID]; dup {
		v.mergeLocked(m)
		return false
	}

	v.mergeLocked(m)
	v.sortLocked()
	return true
}

// ApplyTypingStart adds a user to the currently-typing set.
func (v *ConversationView) ApplyTypingStart(userID string) {
	if userID == "" || userID == v.selfID {
		return
	}
	v.mu.Lock()
	v.typing[userID] = struct{}{}
	v.mu.Unlock()
}

// ApplyTypingStop removes a user from the currently-typing set.
func (v *ConversationView) ApplyTypingStop(userID string) {
	v.mu.Lock()
	delete(v.typing, userID)
	v.mu.Unlock()
}

// ApplyReadAck records that readerID has read every message the other
// participant sent up to now.
func (v *ConversationView) ApplyReadAck(readerID string) {
	if readerID == "" {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.msgs {
		if v.msgs[i].SenderID == readerID {
			continue
		}
		if !containsID(v.msgs[i].ReadBy, readerID) {
			v.msgs[i].ReadBy = append(v.msgs[i].ReadBy, readerID)
		}
	}
}

// ApplyPresence flips a participant's online indicator.
func (v *ConversationView) ApplyPresence(userID string, online bool) {
	if userID == "" {
		return
	}
	v.mu.Lock()
	v.online[userID] = online
	v.mu.Unlock()
}

// Messages returns a snapshot of the merged list, oldest-first.
func (v *ConversationView) Messages() []v1.MessageRecord {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]v1.MessageRecord, len(v.msgs))
	copy(out, v.msgs)
	return out
}

// TypingUsers returns the users currently typing, sorted for stable display.
func (v *ConversationView) TypingUsers() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]string, 0, len(v.typing))
	for id := range v.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsRead reports whether the message has been read by userID.
func (v *ConversationView) IsRead(messageID, userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	i, ok := v.index[messageID]
	if !ok {
		return false
	}
	return containsID(v.msgs[i].ReadBy, userID)
}

// IsOnline reports the derived presence indicator for a participant.
func (v *ConversationView) IsOnline(userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.online[userID]
}

// mergeLocked inserts or updates by message id without re-sorting.
func (v *ConversationView) mergeLocked(m v1.MessageRecord) {
	if m.ID == "" {
		return
	}
	if i, ok := v.index[m.ID]; ok {
		// Union the read-sets; everything else is immutable.
		for _, r := range m.ReadBy {
			if !containsID(v.msgs[i].ReadBy, r) {
				v.msgs[i].ReadBy = append(v.msgs[i].ReadBy, r)
			}
		}
		return
	}
	v.index[m.ID] = len(v.msgs)
	v.msgs = append(v.msgs, m)
}

func (v *ConversationView) sortLocked() {
	sort.SliceStable(v.msgs, func(i, j int) bool {
		if v.msgs[i].CreatedAt.Equal(v.msgs[j].CreatedAt) {
			return v.msgs[i].ID < v.msgs[j].ID
		}
		return v.msgs[i].CreatedAt.Before(v.msgs[j].CreatedAt)
	})
	for i := range v.msgs {
		v.index[v.msgs[i].ID] = i
	}
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
