package sequence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository keeps counters in PostgreSQL, one row per name.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Increment bumps the counter in a single statement. The upsert is the
// atomicity boundary: two concurrent callers serialize on the row and can
// never observe the same value.
func (r *Repository) Increment(ctx context.Context, name string) (int64, error) {
	var value int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sequence_counters (name, value)
		VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequence_counters.value + 1
		RETURNING value`, name).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Current reads the counter, returning 0 when the name has never been used.
func (r *Repository) Current(ctx context.Context, name string) (int64, error) {
	var value int64
	err := r.pool.QueryRow(ctx, `SELECT value FROM sequence_counters WHERE name = $1`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}
