package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory resolves identities from the externally owned users
// table. It is read-only: the chat core never writes user records.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// NewPostgresDirectory builds a directory over schema.table (default
// "courtside"."users"). The table must have id, display_name, and email
// columns.
func NewPostgresDirectory(pool *pgxpool.Pool, schema, table string) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	if schema == "" {
		schema = "courtside"
	}
	if table == "" {
		table = "users"
	}
	if !isValidPGIdent(schema) || !isValidPGIdent(table) {
		return nil, fmt.Errorf("chat: invalid identifier %q.%q", schema, table)
	}
	return &PostgresDirectory{pool: pool, schema: schema, table: table}, nil
}

// Lookup returns the identity for userID, or ErrNotFound.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	q := fmt.Sprintf(
		`SELECT id, display_name, COALESCE(email, '') FROM %s WHERE id = $1`,
		pgIdent(d.schema, d.table),
	)

	var id Identity
	err := d.pool.QueryRow(ctx, q, userID).Scan(&id.ID, &id.DisplayName, &id.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("directory lookup: %w", err)
	}
	return id, nil
}
