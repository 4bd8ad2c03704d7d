// Package chatapi is the HTTP fallback surface for conversations: listing,
// find-or-create, paged history, sends, and read marks. Writes that land here
// are fanned out to realtime viewers through the Publisher so both transports
// observe the same persisted order.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courtside/internal/auth"
	"courtside/internal/chat"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes = 64 << 10

	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Publisher fans persisted writes out to connected realtime clients.
// The gateway implements it; tests substitute a recorder.
type Publisher interface {
	PublishMessage(conv chat.Conversation, msg chat.Message)
	PublishRead(conversationID, readerID string)
}

type nopPublisher struct{}

func (nopPublisher) PublishMessage(chat.Conversation, chat.Message) {}
func (nopPublisher) PublishRead(string, string)                    {}

// Handler serves the /api/chat tree.
type Handler struct {
	log      *slog.Logger
	store    chat.Store
	dir      chat.Directory
	verifier auth.Verifier
	pub      Publisher
}

// NewHandler wires the REST surface. dir may be nil (no peer enrichment);
// pub may be nil (no realtime fanout, useful in tests).
func NewHandler(log *slog.Logger, store chat.Store, dir chat.Directory, verifier auth.Verifier, pub Publisher) *Handler {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Handler{log: log, store: store, dir: dir, verifier: verifier, pub: pub}
}

// Router returns the chi subtree to mount at /api/chat.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(h.requireAuth)

	r.Get("/", h.listConversations)
	r.Post("/", h.createConversation)
	r.Get("/{conversationID}", h.getConversation)
	r.Delete("/{conversationID}", h.deleteConversation)
	r.Get("/{conversationID}/messages", h.listMessages)
	r.Post("/{conversationID}/messages", h.sendMessage)
	r.Post("/{conversationID}/read", h.markRead)

	return r
}

// ---- auth ----

type ctxKey uint8

const ctxKeyUserID ctxKey = iota

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
			return
		}

		identity, err := h.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "identity not resolved")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, identity.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

// ---- handlers ----

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	convs, err := h.store.ListConversationsForUser(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		h.enrichPeer(r.Context(), &c, userID)
		out = append(out, toConversationResponse(c, userID))
	}
	writeJSON(w, http.StatusOK, listConversationsResponse{Conversations: out})
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var req createConversationRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	peerID := strings.TrimSpace(req.PeerID)
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_content", "missing peer_id")
		return
	}

	conv, err := h.store.FindOrCreateConversation(r.Context(), userID, peerID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.enrichPeer(r.Context(), &conv, userID)
	writeJSON(w, http.StatusOK, toConversationResponse(conv, userID))
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	conv, ok := h.participantConversation(w, r, userID)
	if !ok {
		return
	}

	h.enrichPeer(r.Context(), &conv, userID)
	writeJSON(w, http.StatusOK, toConversationResponse(conv, userID))
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	convID := chi.URLParam(r, "conversationID")

	if err := h.store.DeleteConversation(r.Context(), convID, userID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	conv, ok := h.participantConversation(w, r, userID)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	skip := queryInt(r, "skip", 0)

	msgs, err := h.store.ListMessages(r.Context(), conv.ID, limit, skip)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{Messages: out})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	conv, ok := h.participantConversation(w, r, userID)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = chat.KindText
	}

	msg, err := h.store.AppendMessage(r.Context(), chat.AppendMessageInput{
		ConversationID: conv.ID,
		SenderID:       userID,
		Content:        strings.TrimSpace(req.Content),
		Kind:           kind,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.pub.PublishMessage(conv, msg)
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	convID := chi.URLParam(r, "conversationID")

	if err := h.store.MarkRead(r.Context(), convID, userID); err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.pub.PublishRead(convID, userID)
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

// participantConversation loads the conversation from the URL and enforces
// that the caller is one of its two participants.
func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request, userID string) (chat.Conversation, bool) {
	convID := chi.URLParam(r, "conversationID")

	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		h.writeStoreError(w, err)
		return chat.Conversation{}, false
	}
	if !conv.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		return chat.Conversation{}, false
	}
	return conv, true
}

func (h *Handler) enrichPeer(ctx context.Context, conv *chat.Conversation, viewerID string) {
	if h.dir == nil {
		return
	}
	peerID := conv.OtherParticipant(viewerID)
	if peerID == "" {
		return
	}
	identity, err := h.dir.Lookup(ctx, peerID)
	if err != nil {
		// Display enrichment is best-effort; the conversation is still usable.
		h.log.Debug("chatapi.peer_lookup.fail", "peer_id", peerID, "err", err)
		return
	}
	conv.Peer = &identity
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown conversation")
	case errors.Is(err, chat.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
	case errors.Is(err, chat.ErrSelfConversation):
		writeError(w, http.StatusBadRequest, "invalid_content", "cannot converse with yourself")
	case errors.Is(err, chat.ErrInvalidContent):
		writeError(w, http.StatusBadRequest, "invalid_content", "invalid content")
	default:
		h.log.Error("chatapi.store.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "persistence_failure", "store unavailable")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
