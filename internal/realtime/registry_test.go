package realtime

import (
	"io"
	"log/slog"
	"testing"

	v1 "courtside/internal/wire/v1"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestClient(sessionID, userID string) *Client {
	c := NewClient(sessionID, 8)
	c.UserID = userID
	return c
}

func TestRegisterFirstAndUnregisterLast(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	phone := newTestClient("s1", "alice")
	laptop := newTestClient("s2", "alice")

	if first := r.Register(phone); !first {
		t.Fatalf("first connection must report first=true")
	}
	if first := r.Register(laptop); first {
		t.Fatalf("second connection must report first=false")
	}
	if !r.Online("alice") {
		t.Fatalf("alice should be online")
	}

	if last := r.Unregister(phone); last {
		t.Fatalf("not the last connection")
	}
	if !r.Online("alice") {
		t.Fatalf("alice still holds a connection")
	}
	if last := r.Unregister(laptop); !last {
		t.Fatalf("last connection must report last=true")
	}
	if r.Online("alice") {
		t.Fatalf("alice should be offline")
	}
}

func TestRoomMembershipIsPerConnection(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	phone := newTestClient("s1", "alice")
	laptop := newTestClient("s2", "alice")
	r.Register(phone)
	r.Register(laptop)

	r.JoinRoom(phone, "c1")

	if !r.InRoom(phone, "c1") {
		t.Fatalf("phone should be in room")
	}
	if r.InRoom(laptop, "c1") {
		t.Fatalf("laptop joined nothing; membership leaked across devices")
	}

	r.LeaveRoom(phone, "c1")
	if r.InRoom(phone, "c1") {
		t.Fatalf("phone should have left")
	}
}

func TestUnregisterDropsAllRooms(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	c := newTestClient("s1", "alice")
	r.Register(c)
	r.JoinRoom(c, "c1")
	r.JoinRoom(c, "c2")

	r.Unregister(c)

	if len(r.ConnectionsInRoom("c1")) != 0 || len(r.ConnectionsInRoom("c2")) != 0 {
		t.Fatalf("rooms still hold an unregistered connection")
	}
}

func TestBroadcastRoomSkipsExceptAndCountsDrops(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	sender := newTestClient("s1", "alice")
	peer := newTestClient("s2", "bob")
	full := NewClient("s3", 1)
	full.UserID = "carol"

	for _, c := range []*Client{sender, peer, full} {
		r.Register(c)
		r.JoinRoom(c, "c1")
	}

	// Fill carol's queue so the next broadcast drops for her.
	if !full.TrySend(v1.Envelope{V: v1.Version, Type: v1.TypeError}) {
		t.Fatalf("priming send failed")
	}

	env := v1.Envelope{V: v1.Version, Type: v1.TypeTypingStart}
	dropped := r.BroadcastRoom("c1", env, sender)

	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	select {
	case got := <-peer.Send:
		if got.Type != v1.TypeTypingStart {
			t.Fatalf("peer got %q", got.Type)
		}
	default:
		t.Fatalf("peer received nothing")
	}
	select {
	case <-sender.Send:
		t.Fatalf("except connection must not receive the broadcast")
	default:
	}
}

func TestNotifyUserOutOfRoom(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	inRoom := newTestClient("s1", "bob")
	outOfRoom := newTestClient("s2", "bob")
	r.Register(inRoom)
	r.Register(outOfRoom)
	r.JoinRoom(inRoom, "c1")

	env := v1.Envelope{V: v1.Version, Type: v1.TypeMessageNotification}
	if dropped := r.NotifyUserOutOfRoom("bob", "c1", env); dropped != 0 {
		t.Fatalf("dropped = %d", dropped)
	}

	select {
	case got := <-outOfRoom.Send:
		if got.Type != v1.TypeMessageNotification {
			t.Fatalf("out-of-room got %q", got.Type)
		}
	default:
		t.Fatalf("out-of-room connection received nothing")
	}
	select {
	case <-inRoom.Send:
		t.Fatalf("in-room connection must not receive the notification")
	default:
	}
}

func TestTrySendAfterClose(t *testing.T) {
	t.Parallel()

	c := newTestClient("s1", "alice")
	c.Close()
	c.Close() // idempotent

	if c.TrySend(v1.Envelope{V: v1.Version, Type: v1.TypeError}) {
		t.Fatalf("TrySend succeeded on a closed client")
	}
}
