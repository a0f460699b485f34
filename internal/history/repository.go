package history

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository persists trail entries in PostgreSQL. Use WithTx to share a
// transaction with the mutation the entry describes.
type Repository struct {
	db dbtx
}

// NewRepository constructs a Repository over the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// WithTx derives a Repository bound to an open transaction.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

// Append inserts one entry. Pure append: no upsert, no delete path.
func (r *Repository) Append(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO change_history (entity_id, field, old_value, new_value, actor, change_type, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.EntityID, entry.Field, entry.OldValue, entry.NewValue, entry.Actor, string(entry.Type), at,
	)
	return err
}

// List returns entries for an entity in insertion order.
func (r *Repository) List(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, entity_id, field, old_value, new_value, actor, change_type, occurred_at
		FROM change_history
		WHERE entity_id = $1
		ORDER BY id ASC
		LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var changeType string
		if err := rows.Scan(&e.ID, &e.EntityID, &e.Field, &e.OldValue, &e.NewValue, &e.Actor, &changeType, &e.At); err != nil {
			return nil, err
		}
		e.Type = ChangeType(changeType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
