package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - A unique index on the canonical (participant_lo, participant_hi) pair
//   plus ON CONFLICT DO NOTHING makes FindOrCreateConversation race-free.
// - Per-conversation transactional advisory locks serialize AppendMessage
//   and MarkRead so unread counters never see lost updates and creation
//   times stay monotonic within a conversation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courtside").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "courtside",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindOrCreateConversation returns the conversation for the unordered pair,
// creating it atomically on first contact.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
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
	now := time.Now().UTC()

	id, err := newConversationID(now)
	if err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")
	unread := pgIdent(s.schema, "conversation_unread")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The unique pair index is the real guard; the insert either wins or
	// loses cleanly and the follow-up select reads whichever row won.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_lo, participant_hi, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (participant_lo, participant_hi) DO NOTHING`,
		id, lo, hi, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	var convID string
	if err := tx.QueryRow(ctx,
		`SELECT id FROM `+conversations+` WHERE participant_lo = $1 AND participant_hi = $2`,
		lo, hi,
	).Scan(&convID); err != nil {
		return Conversation{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+unread+` (conversation_id, user_id, count)
		 VALUES ($1, $2, 0), ($1, $3, 0)
		 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		convID, lo, hi,
	); err != nil {
		return Conversation{}, fmt.Errorf("seed unread: %w", err)
	}

	conv, err := readConversationTx(ctx, tx, s.schema, convID)
	if err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// GetConversation returns one conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, ErrNotFound
	}
	return readConversation(ctx, s.pool, s.schema, conversationID)
}

// AppendMessage persists a message under a per-conversation advisory lock.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if err := ValidateContent(in.Content, in.Kind); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")
	unread := pgIdent(s.schema, "conversation_unread")
	messages := pgIdent(s.schema, "messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockConversation(ctx, tx, in.ConversationID); err != nil {
		return Message{}, err
	}

	var lo, hi string
	err = tx.QueryRow(ctx,
		`SELECT participant_lo, participant_hi FROM `+conversations+` WHERE id = $1`,
		in.ConversationID,
	).Scan(&lo, &hi)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if in.SenderID != lo && in.SenderID != hi {
		return Message{}, ErrNotParticipant
	}
	other := lo
	if in.SenderID == lo {
		other = hi
	}

	// Keep creation times strictly non-decreasing per conversation even if
	// the wall clock steps backwards. Safe under the advisory lock.
	var lastAt *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(created_at) FROM `+messages+` WHERE conversation_id = $1`,
		in.ConversationID,
	).Scan(&lastAt); err != nil {
		return Message{}, err
	}
	if lastAt != nil && !now.After(*lastAt) {
		now = lastAt.Add(time.Microsecond)
	}

	id, err := newMessageID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, kind, read_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, '{}', $6)`,
		id, in.ConversationID, in.SenderID, in.Content, in.Kind, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_content = $2, last_sender_id = $3, last_at = $4
		  WHERE id = $1`,
		in.ConversationID, in.Content, in.SenderID, now,
	); err != nil {
		return Message{}, fmt.Errorf("update summary: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+unread+` (conversation_id, user_id, count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET count = `+unread+`.count + 1`,
		in.ConversationID, other,
	); err != nil {
		return Message{}, fmt.Errorf("bump unread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           in.Kind,
		CreatedAt:      now,
	}, nil
}

// ListMessages returns a window ordered oldest-first (created_at, id).
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	if _, err := readConversation(ctx, s.pool, s.schema, conversationID); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, content, kind, read_by, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC
		  LIMIT $2 OFFSET $3`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Kind, &m.ReadBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead is idempotent: re-running it changes nothing.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	unread := pgIdent(s.schema, "conversation_unread")
	messages := pgIdent(s.schema, "messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockConversation(ctx, tx, conversationID); err != nil {
		return err
	}

	var lo, hi string
	err = tx.QueryRow(ctx,
		`SELECT participant_lo, participant_hi FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&lo, &hi)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if readerID != lo && readerID != hi {
		return ErrNotParticipant
	}
	other := lo
	if readerID == lo {
		other = hi
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+`
		    SET read_by = array_append(read_by, $2)
		  WHERE conversation_id = $1
		    AND sender_id = $3
		    AND NOT ($2 = ANY(read_by))`,
		conversationID, readerID, other,
	); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+unread+` (conversation_id, user_id, count)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET count = 0`,
		conversationID, readerID,
	); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}

	return tx.Commit(ctx)
}

// ListConversationsForUser returns conversations most recently active first.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}

	conversations := pgIdent(s.schema, "conversations")
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_lo, participant_hi, last_content, last_sender_id, last_at, created_at
		   FROM `+conversations+`
		  WHERE participant_lo = $1 OR participant_hi = $1
		  ORDER BY COALESCE(last_at, created_at) DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	idxByID := make(map[string]int, 16)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		idxByID[conv.ID] = len(out)
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	convIDs := make([]string, 0, len(out))
	for _, c := range out {
		convIDs = append(convIDs, c.ID)
	}

	unread := pgIdent(s.schema, "conversation_unread")
	urows, err := s.pool.Query(ctx,
		`SELECT conversation_id, user_id, count FROM `+unread+` WHERE conversation_id = ANY($1)`,
		convIDs,
	)
	if err != nil {
		return nil, err
	}
	defer urows.Close()

	for urows.Next() {
		var convID, uid string
		var n int
		if err := urows.Scan(&convID, &uid, &n); err != nil {
			return nil, err
		}
		if i, ok := idxByID[convID]; ok {
			out[i].Unread[uid] = n
		}
	}
	return out, urows.Err()
}

// DeleteConversation removes the conversation and all of its messages.
func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	unread := pgIdent(s.schema, "conversation_unread")
	messages := pgIdent(s.schema, "messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockConversation(ctx, tx, conversationID); err != nil {
		return err
	}

	var lo, hi string
	err = tx.QueryRow(ctx,
		`SELECT participant_lo, participant_hi FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&lo, &hi)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if requesterID != lo && requesterID != hi {
		return ErrNotParticipant
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+messages+` WHERE conversation_id = $1`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+unread+` WHERE conversation_id = $1`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+conversations+` WHERE id = $1`, conversationID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ---- helpers ----

func lockConversation(ctx context.Context, tx pgx.Tx, conversationID string) error {
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c          Conversation
		lo, hi     string
		lastAt     *time.Time
		lastBody   *string
		lastSender *string
	)
	if err := row.Scan(&c.ID, &lo, &hi, &lastBody, &lastSender, &lastAt, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	c.Participants = [2]string{lo, hi}
	c.Unread = map[string]int{lo: 0, hi: 0}
	if lastBody != nil {
		c.LastMessage.Content = *lastBody
	}
	if lastSender != nil {
		c.LastMessage.SenderID = *lastSender
	}
	if lastAt != nil {
		c.LastMessage.At = *lastAt
	}
	return c, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readConversation(ctx context.Context, q pgQuerier, schema, conversationID string) (Conversation, error) {
	conversations := pgIdent(schema, "conversations")
	row := q.QueryRow(ctx,
		`SELECT id, participant_lo, participant_hi, last_content, last_sender_id, last_at, created_at
		   FROM `+conversations+` WHERE id = $1`,
		conversationID,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}

	unread := pgIdent(schema, "conversation_unread")
	rows, err := q.Query(ctx,
		`SELECT user_id, count FROM `+unread+` WHERE conversation_id = $1`,
		conversationID,
	)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var uid string
		var n int
		if err := rows.Scan(&uid, &n); err != nil {
			return Conversation{}, err
		}
		conv.Unread[uid] = n
	}
	return conv, rows.Err()
}

func readConversationTx(ctx context.Context, tx pgx.Tx, schema, conversationID string) (Conversation, error) {
	return readConversation(ctx, tx, schema, conversationID)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
