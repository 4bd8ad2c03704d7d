// Package session implements the client-side counterpart of the realtime
// gateway: one live connection with imperative verbs (join, send, typing,
// mark read), a subscription mechanism for inbound events, and bounded
// reconnection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"courtside/internal/ids"
	v1 "courtside/internal/wire/v1"

	"github.com/coder/websocket"
)

const wsSubprotocolV1 = "courtside.chat.v1"

// Reconnection defaults mirror the web client: five attempts, one second
// base delay doubling up to five seconds.
const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 5 * time.Second
	defaultDialTimeout = 10 * time.Second
	defaultWriteWait   = 5 * time.Second

	// Quiet window after which a typing burst auto-emits typing:stop.
	defaultQuietWindow = 2 * time.Second
)

// State is the controller's connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	// StateDisconnected is terminal: reconnection attempts are exhausted
	// or the controller was closed.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrClosed is returned from verbs after the controller reaches its
// terminal state.
var ErrClosed = errors.New("session: controller closed")

// ErrNotConnected is returned from verbs while the transport is down.
// Verbs are fire-and-forget; callers resubmit after reconnection.
var ErrNotConnected = errors.New("session: not connected")

// Config configures a Controller.
type Config struct {
	// URL is the ws:// or wss:// gateway endpoint.
	URL string
	// Origin is sent as the browser-like Origin header.
	Origin string
	// Token resolves the handshake token. Called again on every
	// reconnection attempt so expired tokens can be refreshed.
	Token func(ctx context.Context) (string, error)

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	DialTimeout time.Duration

	// QuietWindow bounds a typing burst; see Controller.TypeText.
	QuietWindow time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = defaultQuietWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Subscription is a deterministic handle for one registered event handler.
// Closing it removes the handler; closing twice is a no-op. This avoids the
// duplicate-handler leaks that ad hoc on/off registration accumulates
// across reconnects.
type Subscription struct {
	kind      string
	ctrl      *Controller
	handler   func(v1.Envelope)
	closeOnce sync.Once
}

// Close removes the handler.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.ctrl.removeSubscription(s)
	})
}

// Controller owns one live connection to the gateway.
//
// Room membership is NOT durable across reconnects: after a reconnection
// the controller has re-authenticated but joined no rooms, and the caller
// must re-issue joins. This is deliberate — automatic re-join could
// silently resubscribe to rooms the user has navigated away from.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	sessionID string
	userID    string
	subs      map[string]map[*Subscription]struct{}
	typing    map[string]*typingTracker

	done    chan struct{}
	doneErr error
	closed  bool
	cancel  context.CancelFunc
}

// Dial establishes the connection, completes the hello handshake, and
// starts the read loop. The returned controller is connected.
func Dial(ctx context.Context, cfg Config) (*Controller, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("session: missing URL")
	}
	if cfg.Token == nil {
		return nil, errors.New("session: missing token source")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		log:    cfg.Logger,
		state:  StateConnecting,
		subs:   make(map[string]map[*Subscription]struct{}),
		typing: make(map[string]*typingTracker),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	conn, sessionID, userID, err := c.dialOnce(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = sessionID
	c.userID = userID
	c.state = StateConnected
	c.mu.Unlock()

	go c.run(runCtx, conn)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the gateway-assigned session id of the current
// connection (changes across reconnects).
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the authenticated user id.
func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Done is closed when the controller reaches its terminal disconnected
// state; Err then reports why.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err reports the terminal error after Done is closed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneErr
}

// Close tears the connection down and releases all subscriptions.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	for _, t := range c.typing {
		t.shutdown()
	}
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	c.finish(nil)
	return nil
}

// Subscribe registers a handler for one inbound event kind.
// Handlers run on the read-loop goroutine; they must not block.
func (c *Controller) Subscribe(kind string, handler func(v1.Envelope)) (*Subscription, error) {
	if !v1.KnownType(kind) {
		return nil, fmt.Errorf("session: unknown event kind: %q", kind)
	}
	if handler == nil {
		return nil, errors.New("session: nil handler")
	}

	sub := &Subscription{kind: kind, ctrl: c, handler: handler}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	set := c.subs[kind]
	if set == nil {
		set = make(map[*Subscription]struct{})
		c.subs[kind] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (c *Controller) removeSubscription(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.subs[sub.kind]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(c.subs, sub.kind)
		}
	}
}

// ---- verbs ----

// JoinRoom requests membership in a conversation room.
// Confirmation arrives as a room:joined event, not a return value.
func (c *Controller) JoinRoom(roomID string) error {
	p, _ := json.Marshal(v1.RoomPayload{RoomID: roomID})
	return c.send(v1.TypeRoomJoin, p)
}

// LeaveRoom drops membership in a conversation room.
func (c *Controller) LeaveRoom(roomID string) error {
	c.typingSent(roomID)
	p, _ := json.Marshal(v1.RoomPayload{RoomID: roomID})
	return c.send(v1.TypeRoomLeave, p)
}

// SendMessage requests persisting a message. The send is acknowledged by
// the eventual message:new event carrying the persisted message, not by a
// synchronous return value. Sending also ends the local typing burst.
func (c *Controller) SendMessage(roomID, content string) error {
	c.typingSent(roomID)
	p, _ := json.Marshal(v1.MessageSendPayload{RoomID: roomID, Content: content})
	return c.send(v1.TypeMessageSend, p)
}

// StartTyping emits a typing:start immediately, bypassing the debounce.
func (c *Controller) StartTyping(roomID string) error {
	return c.emitTyping(roomID, v1.TypeTypingStart)
}

// StopTyping emits a typing:stop immediately and resets the debounce.
func (c *Controller) StopTyping(roomID string) error {
	c.typingReset(roomID)
	return c.emitTyping(roomID, v1.TypeTypingStop)
}

func (c *Controller) emitTyping(roomID, typ string) error {
	p, _ := json.Marshal(v1.RoomPayload{RoomID: roomID})
	return c.send(typ, p)
}

// TypeText drives the typing debounce: the first input of a burst emits
// typing:start, and typing:stop follows automatically after the quiet
// window with no further input (or immediately on SendMessage/StopTyping).
func (c *Controller) TypeText(roomID string) {
	c.trackerFor(roomID).input()
}

// MarkRead marks the conversation read for this user.
func (c *Controller) MarkRead(roomID string) error {
	p, _ := json.Marshal(v1.RoomPayload{RoomID: roomID})
	return c.send(v1.TypeReadMark, p)
}

// ---- transport ----

func (c *Controller) send(typ string, payload json.RawMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: payload}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteWait)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// dialOnce performs one connect + authenticate round trip.
func (c *Controller) dialOnce(ctx context.Context) (conn *websocket.Conn, sessionID, userID string, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{Subprotocols: []string{wsSubprotocolV1}}
	if c.cfg.Origin != "" {
		opts.HTTPHeader = map[string][]string{"Origin": {c.cfg.Origin}}
	}

	conn, _, err = websocket.Dial(dialCtx, c.cfg.URL, opts)
	if err != nil {
		return nil, "", "", fmt.Errorf("dial: %w", err)
	}

	token, err := c.cfg.Token(dialCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "no token")
		return nil, "", "", fmt.Errorf("token: %w", err)
	}

	hello, _ := json.Marshal(v1.HelloPayload{Token: token})
	now := time.Now().UTC()
	id, _ := ids.NewULID(now)
	env := v1.Envelope{V: v1.Version, Type: v1.TypeHello, ID: id, TS: now, Payload: hello}
	b, _ := json.Marshal(env)

	if err := conn.Write(dialCtx, websocket.MessageText, b); err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "hello write failed")
		return nil, "", "", fmt.Errorf("hello: %w", err)
	}

	// The first server envelope must be hello:ack; anything else (an error
	// envelope, or a close) fails the attempt.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "ack read failed")
		return nil, "", "", fmt.Errorf("hello ack: %w", err)
	}

	var ackEnv v1.Envelope
	if err := json.Unmarshal(data, &ackEnv); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad ack")
		return nil, "", "", fmt.Errorf("hello ack decode: %w", err)
	}
	if ackEnv.Type != v1.TypeHelloAck {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return nil, "", "", fmt.Errorf("handshake rejected: %s", ackEnv.Type)
	}

	var ack v1.HelloAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad ack payload")
		return nil, "", "", fmt.Errorf("hello ack payload: %w", err)
	}

	return conn, ack.SessionID, ack.UserID, nil
}

// run owns the read loop and the reconnection policy.
func (c *Controller) run(ctx context.Context, conn *websocket.Conn) {
	for {
		readErr := c.readLoop(ctx, conn)

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			c.finish(nil)
			return
		}

		c.log.Info("session.transport.drop", "err", readErr)
		c.setState(StateReconnecting)

		var ok bool
		conn, ok = c.reconnect(ctx)
		if !ok {
			c.setState(StateDisconnected)
			c.finish(fmt.Errorf("session: reconnection attempts exhausted: %w", readErr))
			return
		}
		c.setState(StateConnected)
	}
}

func (c *Controller) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return err
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Info("session.event.bad_json", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			c.log.Info("session.event.invalid", "err", err)
			continue
		}

		c.dispatch(env)
	}
}

func (c *Controller) dispatch(env v1.Envelope) {
	c.mu.Lock()
	handlers := make([]func(v1.Envelope), 0, len(c.subs[env.Type]))
	for sub := range c.subs[env.Type] {
		handlers = append(handlers, sub.handler)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// reconnect retries with increasing delay. Each attempt re-authenticates;
// it never re-joins rooms.
func (c *Controller) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	delay := c.cfg.BaseDelay

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		conn, sessionID, userID, err := c.dialOnce(ctx)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				return nil, false
			}
			c.conn = conn
			c.sessionID = sessionID
			c.userID = userID
			c.mu.Unlock()

			c.log.Info("session.reconnected", "attempt", attempt, "session_id", sessionID)
			return conn, true
		}

		c.log.Info("session.reconnect.fail", "attempt", attempt, "max", c.cfg.MaxAttempts, "err", err)

		delay *= 2
		if delay > c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
		}
	}
	return nil, false
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Controller) setStateLocked(s State) {
	// Terminal state is sticky.
	if c.state == StateDisconnected {
		return
	}
	c.state = s
}

func (c *Controller) finish(err error) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.doneErr = err
	c.setStateLocked(StateDisconnected)
	close(c.done)
	c.mu.Unlock()
}

func (c *Controller) trackerFor(roomID string) *typingTracker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.typing[roomID]
	if t == nil {
		t = newTypingTracker(c.cfg.QuietWindow,
			func() { _ = c.emitTyping(roomID, v1.TypeTypingStart) },
			func() { _ = c.emitTyping(roomID, v1.TypeTypingStop) },
		)
		c.typing[roomID] = t
	}
	return t
}

// typingSent ends an active typing burst (emitting typing:stop) when a
// message is sent or the room is left.
func (c *Controller) typingSent(roomID string) {
	c.mu.Lock()
	t := c.typing[roomID]
	c.mu.Unlock()
	if t != nil {
		t.sent()
	}
}

// typingReset cancels an active burst without emitting.
func (c *Controller) typingReset(roomID string) {
	c.mu.Lock()
	t := c.typing[roomID]
	c.mu.Unlock()
	if t != nil {
		t.reset()
	}
}
