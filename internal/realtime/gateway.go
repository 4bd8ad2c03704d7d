// Package realtime contains Courtside's realtime WebSocket gateway and the
// presence/connection registry behind it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"courtside/internal/auth"
	"courtside/internal/chat"
	"courtside/internal/ids"
	v1 "courtside/internal/wire/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "courtside.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Error codes acknowledged to the originating connection.
// Validation and store failures never propagate to other room members.
const (
	codeUnauthenticated    = "unauthenticated"
	codeForbidden          = "forbidden"
	codeInvalidContent     = "invalid_content"
	codeNotFound           = "not_found"
	codeNotJoined          = "not_joined"
	codePersistenceFailure = "persistence_failure"
	codeBadEnvelope        = "bad_envelope"
	codeBadJSON            = "bad_json"
	codeRateLimited        = "rate_limited"
	codeUnsupported        = "unsupported"
)

// Metrics is the observation hook the gateway reports into.
type Metrics interface {
	ConnOpened()
	ConnClosed()
	MessagePersisted()
	BroadcastDropped(n int)
}

type nopMetrics struct{}

func (nopMetrics) ConnOpened()            {}
func (nopMetrics) ConnClosed()            {}
func (nopMetrics) MessagePersisted()      {}
func (nopMetrics) BroadcastDropped(_ int) {}

// Gateway is the WebSocket entrypoint for Courtside chat.
//
// It enforces origin policy, subprotocol selection, the authentication
// handshake, rate limits, and heartbeats, and routes validated envelopes
// to the conversation store and the presence registry.
//
// Per-connection state machine: Connecting -> Authenticated -> (Idle | InRoom*) -> Closed.
// Events for one connection are processed in arrival order; connections
// interleave arbitrarily.
type Gateway struct {
	log      *slog.Logger
	registry *Registry
	store    chat.Store
	verifier auth.Verifier
	metrics  Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	authTimeout     time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, registry *Registry, store chat.Store, verifier auth.Verifier, metrics Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if store == nil {
		store = chat.NewInMemoryStore()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	g := &Gateway{log: log, registry: registry, store: store, verifier: verifier, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBool("COURTSIDE_WS_DEV_INSECURE", false)

	g.originRequired = envBool("COURTSIDE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSV("COURTSIDE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDuration("COURTSIDE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDuration("COURTSIDE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.authTimeout = envDuration("COURTSIDE_WS_AUTH_TIMEOUT", authHandshakeTimeout)

	g.sendQueueSize = envInt("COURTSIDE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDuration("COURTSIDE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDuration("COURTSIDE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envInt("COURTSIDE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDuration("COURTSIDE_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce     sync.Once
		authenticated bool
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: registry removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if authenticated {
				if last := g.registry.Unregister(client); last {
					g.broadcastPresence(v1.TypePresenceOffline, client.UserID)
				}
				g.metrics.ConnClosed()
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// Connecting -> Authenticated: the first envelope must be a valid hello
	// within the auth timeout; nothing else is processed before that.
	identity, err := g.handshake(ctx, conn, client)
	if err != nil {
		g.log.Info("ws.handshake.fail", "session_id", sessionID, "err", err)
		shutdown(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	client.UserID = identity.UserID
	authenticated = true
	g.metrics.ConnOpened()

	// hello:ack goes into the queue before Register: registration makes the
	// connection visible to broadcasts (including the user's own
	// presence:online), and clients rely on the ack being the first frame.
	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sessionID, UserID: identity.UserID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload))

	if first := g.registry.Register(client); first {
		g.broadcastPresence(v1.TypePresenceOnline, client.UserID)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, codeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, codeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, codeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeRoomJoin:
			g.onRoomJoin(ctx, client, env)

		case v1.TypeRoomLeave:
			g.onRoomLeave(ctx, client, env)

		case v1.TypeMessageSend:
			g.onMessageSend(ctx, client, env, now)

		case v1.TypeTypingStart, v1.TypeTypingStop:
			g.onTyping(ctx, client, env)

		case v1.TypeReadMark:
			g.onReadMark(ctx, client, env)

		default:
			g.trySendError(ctx, client, codeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake ----

func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn, client *Client) (auth.Identity, error) {
	hsCtx, cancel := context.WithTimeout(ctx, g.authTimeout)
	defer cancel()

	env, err := readEnvelope(hsCtx, conn)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		g.writeErrorNow(hsCtx, conn, codeBadEnvelope, err.Error())
		return auth.Identity{}, err
	}
	if env.Type != v1.TypeHello {
		g.writeErrorNow(hsCtx, conn, codeUnauthenticated, "hello required")
		return auth.Identity{}, fmt.Errorf("expected hello, got %s", env.Type)
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.writeErrorNow(hsCtx, conn, codeBadEnvelope, "invalid payload")
		return auth.Identity{}, fmt.Errorf("invalid hello payload: %w", err)
	}

	if g.verifier == nil {
		g.writeErrorNow(hsCtx, conn, codeUnauthenticated, "no identity resolver")
		return auth.Identity{}, errors.New("no verifier configured")
	}

	identity, err := g.verifier.Verify(p.Token)
	if err != nil {
		g.writeErrorNow(hsCtx, conn, codeUnauthenticated, "identity not resolved")
		return auth.Identity{}, err
	}

	g.log.Info("ws.authenticated", "session_id", client.SessionID, "user_id", identity.UserID)
	return identity, nil
}

// ---- handlers ----

func (g *Gateway) onRoomJoin(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.RoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, codeBadEnvelope, "invalid payload")
		return
	}
	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		g.trySendError(ctx, client, codeBadEnvelope, "missing room_id")
		return
	}

	conv, err := g.store.GetConversation(ctx, roomID)
	if err != nil {
		code, msg := storeErrCode(err)
		g.trySendError(ctx, client, code, msg)
		return
	}
	if !conv.HasParticipant(client.UserID) {
		g.trySendError(ctx, client, codeForbidden, "not a participant")
		return
	}

	g.registry.JoinRoom(client, roomID)

	echoPayload, _ := json.Marshal(v1.RoomJoinedPayload{RoomID: roomID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeRoomJoined, echoPayload))
}

func (g *Gateway) onRoomLeave(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.RoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, codeBadEnvelope, "invalid payload")
		return
	}
	g.registry.LeaveRoom(client, strings.TrimSpace(p.RoomID))
}

func (g *Gateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, codeBadEnvelope, "invalid payload")
		return
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		g.trySendError(ctx, client, codeBadEnvelope, "missing room_id")
		return
	}
	if !g.registry.InRoom(client, roomID) {
		g.trySendError(ctx, client, codeNotJoined, "join first")
		return
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		g.trySendError(ctx, client, codeInvalidContent, "empty content")
		return
	}
	if len([]rune(content)) > chat.MaxContentChars {
		g.trySendError(ctx, client, codeInvalidContent, fmt.Sprintf("message too long: max=%d chars", chat.MaxContentChars))
		return
	}
	kind := p.Kind
	if kind == "" {
		kind = chat.KindText
	}
	if !chat.ValidKind(kind) {
		g.trySendError(ctx, client, codeInvalidContent, fmt.Sprintf("unknown kind: %s", kind))
		return
	}

	conv, err := g.store.GetConversation(ctx, roomID)
	if err != nil {
		code, msg := storeErrCode(err)
		g.trySendError(ctx, client, code, msg)
		return
	}
	if !conv.HasParticipant(client.UserID) {
		g.trySendError(ctx, client, codeForbidden, "not a participant")
		return
	}

	// Persist before broadcasting, never speculatively: this is what makes
	// delivery order identical for every joined connection. Persistence
	// failure is acknowledged to the sender only; the client resubmits
	// explicitly (no silent retry, to avoid duplicate sends).
	msg, err := g.store.AppendMessage(ctx, chat.AppendMessageInput{
		ConversationID: roomID,
		SenderID:       client.UserID,
		Content:        content,
		Kind:           kind,
		Now:            now,
	})
	if err != nil {
		code, emsg := storeErrCode(err)
		g.trySendError(ctx, client, code, emsg)
		return
	}
	g.metrics.MessagePersisted()

	newPayload, _ := json.Marshal(v1.MessageNewPayload{RoomID: roomID, Message: wireMessage(msg)})
	dropped := g.registry.BroadcastRoom(roomID, newEnvelope(v1.TypeMessageNew, newPayload), nil)

	// Out-of-room connections of the recipient get a lightweight badge
	// notification instead of the full message event.
	recipient := conv.OtherParticipant(client.UserID)
	notifPayload, _ := json.Marshal(v1.MessageNotificationPayload{
		ConversationID: roomID,
		SenderID:       client.UserID,
		Preview:        truncateRunes(content, maxPreviewChars),
	})
	dropped += g.registry.NotifyUserOutOfRoom(recipient, roomID, newEnvelope(v1.TypeMessageNotification, notifPayload))

	if dropped > 0 {
		g.metrics.BroadcastDropped(dropped)
	}
}

func (g *Gateway) onTyping(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.RoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, codeBadEnvelope, "invalid payload")
		return
	}
	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" || !g.registry.InRoom(client, roomID) {
		// Advisory events are fire-and-forget; a stale typing event after
		// leaving the room is silently ignored.
		return
	}

	payload, _ := json.Marshal(v1.TypingPayload{RoomID: roomID, UserID: client.UserID})
	if dropped := g.registry.BroadcastRoom(roomID, newEnvelope(env.Type, payload), client); dropped > 0 {
		g.metrics.BroadcastDropped(dropped)
	}
}

func (g *Gateway) onReadMark(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.RoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, codeBadEnvelope, "invalid payload")
		return
	}
	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		g.trySendError(ctx, client, codeBadEnvelope, "missing room_id")
		return
	}

	if err := g.store.MarkRead(ctx, roomID, client.UserID); err != nil {
		code, msg := storeErrCode(err)
		g.trySendError(ctx, client, code, msg)
		return
	}

	ackPayload, _ := json.Marshal(v1.ReadAckPayload{RoomID: roomID, ReaderID: client.UserID})
	if dropped := g.registry.BroadcastRoom(roomID, newEnvelope(v1.TypeReadAck, ackPayload), client); dropped > 0 {
		g.metrics.BroadcastDropped(dropped)
	}
}

// PublishMessage fans out an already-persisted message on behalf of the REST
// surface, so HTTP fallback sends reach realtime viewers the same way.
func (g *Gateway) PublishMessage(conv chat.Conversation, msg chat.Message) {
	newPayload, _ := json.Marshal(v1.MessageNewPayload{RoomID: conv.ID, Message: wireMessage(msg)})
	dropped := g.registry.BroadcastRoom(conv.ID, newEnvelope(v1.TypeMessageNew, newPayload), nil)

	recipient := conv.OtherParticipant(msg.SenderID)
	notifPayload, _ := json.Marshal(v1.MessageNotificationPayload{
		ConversationID: conv.ID,
		SenderID:       msg.SenderID,
		Preview:        truncateRunes(msg.Content, maxPreviewChars),
	})
	dropped += g.registry.NotifyUserOutOfRoom(recipient, conv.ID, newEnvelope(v1.TypeMessageNotification, notifPayload))

	if dropped > 0 {
		g.metrics.BroadcastDropped(dropped)
	}
}

// PublishRead fans out a read receipt on behalf of the REST surface.
func (g *Gateway) PublishRead(conversationID, readerID string) {
	ackPayload, _ := json.Marshal(v1.ReadAckPayload{RoomID: conversationID, ReaderID: readerID})
	if dropped := g.registry.BroadcastRoom(conversationID, newEnvelope(v1.TypeReadAck, ackPayload), nil); dropped > 0 {
		g.metrics.BroadcastDropped(dropped)
	}
}

func (g *Gateway) broadcastPresence(typ, userID string) {
	payload, _ := json.Marshal(v1.PresencePayload{UserID: userID})
	g.registry.BroadcastAll(newEnvelope(typ, payload))
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	g.enqueue(ctx, client, newEnvelope(v1.TypeError, p))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// writeErrorNow writes an error envelope synchronously; used during the
// handshake before the writer goroutine exists.
func (g *Gateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p), g.writeTimeout)
}

func storeErrCode(err error) (code, msg string) {
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		return codeForbidden, "not a participant"
	case errors.Is(err, chat.ErrInvalidContent):
		return codeInvalidContent, "invalid content"
	case errors.Is(err, chat.ErrNotFound):
		return codeNotFound, "unknown conversation"
	default:
		return codePersistenceFailure, "store unavailable"
	}
}

func wireMessage(m chat.Message) v1.MessageRecord {
	return v1.MessageRecord{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           m.Kind,
		ReadBy:         m.ReadBy,
		CreatedAt:      m.CreatedAt,
	}
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	id, _ := ids.NewULID(now)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
