package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"courtside/internal/auth"
	"courtside/internal/chat"
	v1 "courtside/internal/wire/v1"

	"github.com/coder/websocket"
)

const testSecret = "0123456789abcdef0123456789abcdef" // 32 bytes, test only

func newTestGateway(t *testing.T, store chat.Store) (*Gateway, *httptest.Server) {
	t.Helper()

	// Dialed from a Go client, so no Origin header is present.
	t.Setenv("COURTSIDE_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("COURTSIDE_WS_HEARTBEAT_INTERVAL", "1h")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier, err := auth.NewHS256Verifier(testSecret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	g := NewGateway(log, NewRegistry(log), store, verifier, nil)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

func dialWS(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"courtside.chat.v1"},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Sign(testSecret, auth.Identity{UserID: userID, DisplayName: userID}, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func writeEnv(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "t-" + typ, TS: time.Now().UTC(), Payload: p}
	b, _ := json.Marshal(env)
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads envelopes until wantType arrives, skipping presence chatter.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) v1.Envelope {
	t.Helper()

	for {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			t.Fatalf("read waiting for %q: %v", wantType, err)
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad json waiting for %q: %v", wantType, err)
		}
		if env.Type == wantType {
			return env
		}
		if env.Type == v1.TypePresenceOnline || env.Type == v1.TypePresenceOffline {
			continue
		}
		t.Fatalf("unexpected envelope: got=%q want=%q", env.Type, wantType)
	}
}

// connect performs hello and returns the acked session id.
func connect(t *testing.T, ctx context.Context, srv *httptest.Server, userID string) (*websocket.Conn, string) {
	t.Helper()

	conn := dialWS(t, ctx, srv)
	writeEnv(t, ctx, conn, v1.TypeHello, v1.HelloPayload{Token: signToken(t, userID)})

	ack := readUntil(t, ctx, conn, v1.TypeHelloAck)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if p.UserID != userID || p.SessionID == "" {
		t.Fatalf("bad ack: %+v", p)
	}
	return conn, p.SessionID
}

func joinRoom(t *testing.T, ctx context.Context, conn *websocket.Conn, roomID string) {
	t.Helper()
	writeEnv(t, ctx, conn, v1.TypeRoomJoin, v1.RoomPayload{RoomID: roomID})
	echo := readUntil(t, ctx, conn, v1.TypeRoomJoined)
	var p v1.RoomJoinedPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil || p.RoomID != roomID {
		t.Fatalf("bad join echo: %+v err=%v", p, err)
	}
}

func TestGatewayHandshake(t *testing.T) {
	_, srv := newTestGateway(t, chat.NewInMemoryStore())
	ctx := context.Background()

	connA, sessA := connect(t, ctx, srv, "alice")
	_, sessB := connect(t, ctx, srv, "bob")

	if sessA == sessB {
		t.Fatalf("session ids must be unique")
	}

	// alice's connection observes bob coming online.
	readUntil(t, ctx, connA, v1.TypePresenceOnline)
}

func TestGatewayAcksBeforePresence(t *testing.T) {
	_, srv := newTestGateway(t, chat.NewInMemoryStore())
	ctx := context.Background()

	// First connection for this user: registration triggers the user's own
	// presence:online broadcast, which must still queue behind hello:ack.
	conn := dialWS(t, ctx, srv)
	writeEnv(t, ctx, conn, v1.TypeHello, v1.HelloPayload{Token: signToken(t, "alice")})

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(rctx)
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if env.Type != v1.TypeHelloAck {
		t.Fatalf("first envelope after hello = %q, want %q", env.Type, v1.TypeHelloAck)
	}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	_, srv := newTestGateway(t, chat.NewInMemoryStore())
	ctx := context.Background()

	conn := dialWS(t, ctx, srv)
	writeEnv(t, ctx, conn, v1.TypeHello, v1.HelloPayload{Token: "not-a-token"})

	env := readUntil(t, ctx, conn, v1.TypeError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if p.Code != "unauthenticated" {
		t.Fatalf("code = %q, want unauthenticated", p.Code)
	}

	// The server closes after a failed handshake.
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(rctx); err == nil {
		t.Fatalf("expected connection to be closed")
	}
}

func TestGatewayJoinForbiddenForOutsider(t *testing.T) {
	store := chat.NewInMemoryStore()
	conv, err := store.FindOrCreateConversation(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	_, srv := newTestGateway(t, store)
	ctx := context.Background()

	conn, _ := connect(t, ctx, srv, "carol")
	writeEnv(t, ctx, conn, v1.TypeRoomJoin, v1.RoomPayload{RoomID: conv.ID})

	env := readUntil(t, ctx, conn, v1.TypeError)
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "forbidden" {
		t.Fatalf("code = %q, want forbidden", p.Code)
	}
}

func TestGatewaySendRequiresJoin(t *testing.T) {
	store := chat.NewInMemoryStore()
	conv, _ := store.FindOrCreateConversation(context.Background(), "alice", "bob")

	_, srv := newTestGateway(t, store)
	ctx := context.Background()

	conn, _ := connect(t, ctx, srv, "alice")
	writeEnv(t, ctx, conn, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: conv.ID, Content: "hi"})

	env := readUntil(t, ctx, conn, v1.TypeError)
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "not_joined" {
		t.Fatalf("code = %q, want not_joined", p.Code)
	}
}

func TestGatewayMessageFanoutAndNotification(t *testing.T) {
	store := chat.NewInMemoryStore()
	conv, _ := store.FindOrCreateConversation(context.Background(), "alice", "bob")

	_, srv := newTestGateway(t, store)
	ctx := context.Background()

	alice, _ := connect(t, ctx, srv, "alice")
	bobPhone, _ := connect(t, ctx, srv, "bob")
	bobLaptop, _ := connect(t, ctx, srv, "bob") // stays out of the room

	joinRoom(t, ctx, alice, conv.ID)
	joinRoom(t, ctx, bobPhone, conv.ID)

	writeEnv(t, ctx, alice, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: conv.ID, Content: "court booked for 7pm"})

	// Every joined connection, the sender included, sees the same message.
	var fromBob, fromAlice v1.MessageNewPayload
	env := readUntil(t, ctx, bobPhone, v1.TypeMessageNew)
	if err := json.Unmarshal(env.Payload, &fromBob); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env = readUntil(t, ctx, alice, v1.TypeMessageNew)
	if err := json.Unmarshal(env.Payload, &fromAlice); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if fromBob.Message.ID == "" || fromBob.Message.ID != fromAlice.Message.ID {
		t.Fatalf("message ids differ: %q vs %q", fromBob.Message.ID, fromAlice.Message.ID)
	}
	if fromBob.Message.Content != "court booked for 7pm" || fromBob.Message.SenderID != "alice" {
		t.Fatalf("bad fanout payload: %+v", fromBob.Message)
	}

	// The recipient's out-of-room connection gets a notification, not the message.
	env = readUntil(t, ctx, bobLaptop, v1.TypeMessageNotification)
	var notif v1.MessageNotificationPayload
	if err := json.Unmarshal(env.Payload, &notif); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if notif.ConversationID != conv.ID || notif.SenderID != "alice" || notif.Preview == "" {
		t.Fatalf("bad notification: %+v", notif)
	}

	// Persisted state reflects the send.
	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Unread["bob"] != 1 {
		t.Fatalf("unread for bob = %d, want 1", got.Unread["bob"])
	}
}

func TestGatewayReadAckFanout(t *testing.T) {
	store := chat.NewInMemoryStore()
	conv, _ := store.FindOrCreateConversation(context.Background(), "alice", "bob")

	_, srv := newTestGateway(t, store)
	ctx := context.Background()

	alice, _ := connect(t, ctx, srv, "alice")
	bob, _ := connect(t, ctx, srv, "bob")
	joinRoom(t, ctx, alice, conv.ID)
	joinRoom(t, ctx, bob, conv.ID)

	writeEnv(t, ctx, alice, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: conv.ID, Content: "ping"})
	readUntil(t, ctx, alice, v1.TypeMessageNew)
	readUntil(t, ctx, bob, v1.TypeMessageNew)

	writeEnv(t, ctx, bob, v1.TypeReadMark, v1.RoomPayload{RoomID: conv.ID})

	env := readUntil(t, ctx, alice, v1.TypeReadAck)
	var p v1.ReadAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal read:ack: %v", err)
	}
	if p.RoomID != conv.ID || p.ReaderID != "bob" {
		t.Fatalf("bad read:ack: %+v", p)
	}

	got, _ := store.GetConversation(ctx, conv.ID)
	if got.Unread["bob"] != 0 {
		t.Fatalf("unread not zeroed after read:mark: %v", got.Unread)
	}
}

func TestGatewayTypingFanoutSkipsSender(t *testing.T) {
	store := chat.NewInMemoryStore()
	conv, _ := store.FindOrCreateConversation(context.Background(), "alice", "bob")

	_, srv := newTestGateway(t, store)
	ctx := context.Background()

	alice, _ := connect(t, ctx, srv, "alice")
	bob, _ := connect(t, ctx, srv, "bob")
	joinRoom(t, ctx, alice, conv.ID)
	joinRoom(t, ctx, bob, conv.ID)

	writeEnv(t, ctx, alice, v1.TypeTypingStart, v1.RoomPayload{RoomID: conv.ID})

	env := readUntil(t, ctx, bob, v1.TypeTypingStart)
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal typing: %v", err)
	}
	if p.UserID != "alice" || p.RoomID != conv.ID {
		t.Fatalf("bad typing payload: %+v", p)
	}

	// Sending a message right after confirms the typist saw no echo of its
	// own typing event: the next envelope alice reads is message:new.
	writeEnv(t, ctx, alice, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: conv.ID, Content: "done typing"})
	readUntil(t, ctx, alice, v1.TypeMessageNew)
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000",
		"https://courtside.example.com",
		"http://localhost", // duplicate host
		"*",
	})
	want := []string{"courtside.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns = %v, want %v", got, want)
		}
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost:3000", want: "localhost"},
		{in: "https://Courtside.Example.com", want: "courtside.example.com"},
		{in: "127.0.0.1:8080", want: "127.0.0.1"},
		{in: "localhost", want: "localhost"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
