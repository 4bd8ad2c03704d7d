// Package main provides a CI-friendly end-to-end smoke test for the
// Courtside chat server.
//
// It validates:
//   - handshake + subprotocol selection + hello/ack
//   - conversation find-or-create over REST
//   - join echo
//   - send -> fanout message:new to the peer
//   - typing:start fanout (and no echo back to the typist)
//   - read:mark -> read:ack fanout
//
// Tokens are minted locally from -secret, so the target server must run with
// the same COURTSIDE_TOKEN_SECRET.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"courtside/internal/auth"
	v1 "courtside/internal/wire/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "courtside.chat.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	token     string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP API base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", "", "Shared token secret (>= 32 bytes)")
		userA   = flag.String("user-a", "smoke-alice", "First user id")
		userB   = flag.String("user-b", "smoke-bob", "Second user id")
		text    = flag.String("text", "hello courtside 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if len(*secret) < 32 {
		fatalf("-secret must be at least 32 bytes")
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *secret, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, *secret, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	convID := mustCreateConversation(root, *apiURL, a.token, *userB, *timeout)
	if *verbose {
		fmt.Printf("conversation: %s\n", convID)
	}

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	mustTyping(root, a, b, convID, *timeout)

	msg := mustSendAndAssertNew(root, a, b, convID, *text, *timeout)

	mustReadMark(root, b, a, convID, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s msg_id=%s\n", a.sessionID, b.sessionID, convID, msg.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin, secret string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	token, err := auth.Sign(secret, auth.Identity{UserID: userID, DisplayName: userID}, time.Hour, time.Now().UTC())
	if err != nil {
		fatalf("sign token (%s): %v", name, err)
	}

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		token:  token,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: token}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, presenceSkip())

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello:ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello:ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello:ack user_id mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func mustCreateConversation(parent context.Context, apiBase, token, peerID string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"peer_id": peerID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiBase, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fatalf("create conversation: status=%d body=%s", resp.StatusCode, raw)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || strings.TrimSpace(out.ID) == "" {
		fatalf("create conversation: bad response: %s", raw)
	}
	return out.ID
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeRoomJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.RoomPayload{RoomID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// Presence events from the peer may interleave with the join echo.
	skip := map[string]struct{}{
		v1.TypePresenceOnline:  {},
		v1.TypePresenceOffline: {},
	}
	echo := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout, skip)

	var p v1.RoomJoinedPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal room:joined payload (%s): %v", c.name, err)
	}
	if p.RoomID != convID {
		fatalf("room:joined room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, convID)
	}
}

func mustTyping(parent context.Context, typist, watcher *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingStart,
		ID:      fmt.Sprintf("%s-typing", typist.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.RoomPayload{RoomID: convID}),
	}
	mustWriteWithTimeout(parent, typist.conn, env, stepTimeout)

	got := watcher.mustReadUntilType(parent, v1.TypeTypingStart, stepTimeout, presenceSkip())

	var p v1.TypingPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal typing payload (%s): %v", watcher.name, err)
	}
	if p.UserID != typist.userID {
		fatalf("typing user mismatch (%s): got=%q want=%q", watcher.name, p.UserID, typist.userID)
	}

	// The typist never sees its own typing event echoed back.
	mustAssertNoType(parent, typist, v1.TypeTypingStart, 750*time.Millisecond)
}

func mustSendAndAssertNew(parent context.Context, sender, receiver *smokeClient, convID, text string, stepTimeout time.Duration) v1.MessageRecord {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		ID:      fmt.Sprintf("%s-send", sender.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{RoomID: convID, Content: text}),
	}
	mustWriteWithTimeout(parent, sender.conn, env, stepTimeout)

	assertNew := func(c *smokeClient) v1.MessageRecord {
		got := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, presenceSkip())

		var p v1.MessageNewPayload
		if err := json.Unmarshal(got.Payload, &p); err != nil {
			fatalf("unmarshal message:new payload (%s): %v", c.name, err)
		}
		if p.RoomID != convID {
			fatalf("message:new room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, convID)
		}
		if p.Message.SenderID != sender.userID {
			fatalf("message:new sender mismatch (%s): got=%q want=%q", c.name, p.Message.SenderID, sender.userID)
		}
		if p.Message.Content != text {
			fatalf("message:new content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
		}
		if strings.TrimSpace(p.Message.ID) == "" {
			fatalf("message:new missing id (%s)", c.name)
		}
		if p.Message.CreatedAt.IsZero() {
			fatalf("message:new created_at missing/zero (%s)", c.name)
		}
		return p.Message
	}

	// Both joined connections observe the same persisted message, the sender
	// included.
	got := assertNew(receiver)
	sent := assertNew(sender)
	if got.ID != sent.ID {
		fatalf("message id mismatch across clients: receiver=%q sender=%q", got.ID, sent.ID)
	}
	return got
}

func mustReadMark(parent context.Context, reader, other *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeReadMark,
		ID:      fmt.Sprintf("%s-read", reader.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.RoomPayload{RoomID: convID}),
	}
	mustWriteWithTimeout(parent, reader.conn, env, stepTimeout)

	got := other.mustReadUntilType(parent, v1.TypeReadAck, stepTimeout, presenceSkip())

	var p v1.ReadAckPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal read:ack payload (%s): %v", other.name, err)
	}
	if p.RoomID != convID {
		fatalf("read:ack room_id mismatch (%s): got=%q want=%q", other.name, p.RoomID, convID)
	}
	if p.ReaderID != reader.userID {
		fatalf("read:ack reader mismatch (%s): got=%q want=%q", other.name, p.ReaderID, reader.userID)
	}
}

func presenceSkip() map[string]struct{} {
	return map[string]struct{}{
		v1.TypePresenceOnline:  {},
		v1.TypePresenceOffline: {},
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
