package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-pos/tessera-pos/internal/history"
)

// Repository persists products in PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	history *history.Repository
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, trail *history.Repository) *Repository {
	return &Repository{pool: pool, history: trail}
}

type txRepo struct {
	tx      pgx.Tx
	history *history.Repository
}

// WithTx runs fn inside a repeatable-read transaction. Serialization failures
// surface as KindConflict so the service can retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	wrapper := &txRepo{tx: tx, history: r.history.WithTx(tx)}
	if err := fn(ctx, wrapper); err != nil {
		return translateConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translateConflict(err)
	}
	return nil
}

const productColumns = `id, item_code, name, buying_price, selling_price,
	stock, return_stock, return_release, damaged_stock,
	deleted, visible, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(
		&p.ID, &p.ItemCode, &p.Name, &p.BuyingPrice, &p.SellingPrice,
		&p.Stock, &p.ReturnStock, &p.ReturnRelease, &p.DamagedStock,
		&p.Deleted, &p.Visible, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// GetProduct reads one product. Soft-deleted records are not visible here.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 AND NOT deleted`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, &Error{Kind: KindNotFound, ProductID: id}
		}
		return Product{}, err
	}
	return p, nil
}

// GetProductByCode reads one product by its unique item code.
func (r *Repository) GetProductByCode(ctx context.Context, itemCode string) (Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE item_code = $1 AND NOT deleted`, itemCode)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, &Error{Kind: KindNotFound}
		}
		return Product{}, err
	}
	return p, nil
}

// ListProducts lists visible, non-deleted products.
func (r *Repository) ListProducts(ctx context.Context, limit, offset int) ([]Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE NOT deleted AND visible
		 ORDER BY item_code ASC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// CreateProduct inserts a catalog record and returns its id.
func (r *Repository) CreateProduct(ctx context.Context, product Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO products (item_code, name, buying_price, selling_price,
			stock, return_stock, return_release, damaged_stock, deleted, visible)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, FALSE, $6)
		RETURNING id`,
		product.ItemCode, product.Name, product.BuyingPrice, product.SellingPrice,
		product.Stock, product.Visible,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetProductForUpdate locks the product row for the length of the transaction.
func (r *txRepo) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	row := r.tx.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 AND NOT deleted FOR UPDATE`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, &Error{Kind: KindNotFound, ProductID: id}
		}
		return Product{}, err
	}
	return p, nil
}

// UpdateCounters writes the four counters back to the locked row.
func (r *txRepo) UpdateCounters(ctx context.Context, product Product) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE products
		SET stock = $2, return_stock = $3, return_release = $4, damaged_stock = $5, updated_at = NOW()
		WHERE id = $1`,
		product.ID, product.Stock, product.ReturnStock, product.ReturnRelease, product.DamagedStock,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &Error{Kind: KindNotFound, ProductID: product.ID}
	}
	return nil
}

// AppendHistory writes the trail entry inside the movement's transaction.
func (r *txRepo) AppendHistory(ctx context.Context, entry history.Entry) error {
	return r.history.Append(ctx, entry)
}

// Exec runs a caller statement inside the movement's transaction.
func (r *txRepo) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := r.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertMovementRef claims a batch reference. The primary key makes a replay
// of the same ref fail with ErrAlreadyApplied before any counter moves.
func (r *txRepo) InsertMovementRef(ctx context.Context, ref string) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_movement_refs (ref, created_at) VALUES ($1, NOW())`, ref)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyApplied
		}
		return err
	}
	return nil
}

// translateConflict maps Postgres serialization failures to KindConflict.
func translateConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return &Error{Kind: KindConflict}
	}
	return err
}
