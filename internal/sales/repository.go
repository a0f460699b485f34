package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-pos/tessera-pos/internal/history"
	"github.com/tessera-pos/tessera-pos/internal/ledger"
	"github.com/tessera-pos/tessera-pos/internal/platform/db"
)

// Repository persists transactions in Postgres across three tables: the
// transaction head, its line items and its payments.
type Repository struct {
	pool    *pgxpool.Pool
	history *history.Repository
}

func NewRepository(pool *pgxpool.Pool, trail *history.Repository) *Repository {
	return &Repository{pool: pool, history: trail}
}

func (r *Repository) CreateTransaction(ctx context.Context, t Transaction) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sale_transactions
				(id, invoice_number, kind, service_charge, total_amount, total_paid,
				 change_given, is_credit_sale, credited_date, stock_applied, voided,
				 restock_on_return, counterpart_of, created_by, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13::text,'')::uuid,$14,$15,$16)`,
			t.ID, t.InvoiceNumber, t.Kind, t.ServiceCharge, t.TotalAmount, t.TotalPaid,
			t.ChangeGiven, t.IsCreditSale, t.CreditedDate, t.StockApplied, t.Voided,
			t.RestockOnReturn, t.CounterpartOf, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		for _, line := range t.LineItems {
			_, err := tx.Exec(ctx, `
				INSERT INTO sale_line_items
					(transaction_id, line_id, product_id, unit_price, discount,
					 quantity_sold, quantity_returned, quantity_delivered,
					 deliver_later, assigned_to)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				t.ID, line.ID, line.ProductID, line.UnitPrice, line.Discount,
				line.QuantitySold, line.QuantityReturned, line.QuantityDelivered,
				line.DeliverLater, line.AssignedTo)
			if err != nil {
				return fmt.Errorf("insert line item: %w", err)
			}
		}
		for i, p := range t.Payments {
			_, err := tx.Exec(ctx, `
				INSERT INTO sale_payments (transaction_id, position, method, amount)
				VALUES ($1,$2,$3,$4)`,
				t.ID, i, p.Method, p.Amount)
			if err != nil {
				return fmt.Errorf("insert payment: %w", err)
			}
		}
		return nil
	})
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	t, err := r.scanTransaction(ctx, r.pool.QueryRow(ctx, `
		SELECT id, invoice_number, kind, service_charge, total_amount, total_paid,
		       change_given, is_credit_sale, credited_date, stock_applied, voided,
		       restock_on_return, COALESCE(counterpart_of::text, ''), created_by,
		       created_at, updated_at
		FROM sale_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, &Error{Kind: KindNotFound, TransactionID: id}
		}
		return Transaction{}, err
	}
	if err := r.loadDetails(ctx, &t); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func (r *Repository) ListTransactions(ctx context.Context, limit, offset int) ([]Transaction, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM sale_transactions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_number, kind, service_charge, total_amount, total_paid,
		       change_given, is_credit_sale, credited_date, stock_applied, voided,
		       restock_on_return, COALESCE(counterpart_of::text, ''), created_by,
		       created_at, updated_at
		FROM sale_transactions
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := r.scanTransaction(ctx, rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		if err := r.loadDetails(ctx, &out[i]); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

// MarkStockApplied flips the tombstone and writes the trail entries in one
// transaction. A record already marked (or voided) skips both, so a replay
// never duplicates the entries.
func (r *Repository) MarkStockApplied(ctx context.Context, id string, entries ...history.Entry) (bool, error) {
	var marked bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sale_transactions
			SET stock_applied = TRUE, updated_at = now()
			WHERE id = $1 AND NOT stock_applied AND NOT voided`, id)
		if err != nil {
			return fmt.Errorf("mark stock applied: %w", err)
		}
		marked = tag.RowsAffected() == 1
		if !marked {
			return nil
		}
		trail := r.history.WithTx(tx)
		for _, entry := range entries {
			if err := trail.Append(ctx, entry); err != nil {
				return fmt.Errorf("append trail entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return marked, nil
}

func (r *Repository) MarkVoided(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sale_transactions
		SET voided = TRUE, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark voided: %w", err)
	}
	return nil
}

func (r *Repository) ListUnapplied(ctx context.Context, olderThan time.Duration, limit int) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_number, kind, service_charge, total_amount, total_paid,
		       change_given, is_credit_sale, credited_date, stock_applied, voided,
		       restock_on_return, COALESCE(counterpart_of::text, ''), created_by,
		       created_at, updated_at
		FROM sale_transactions
		WHERE NOT stock_applied AND NOT voided AND created_at < now() - $1::interval
		ORDER BY created_at ASC
		LIMIT $2`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("list unapplied: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := r.scanTransaction(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadDetails(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateLineItemQuantity writes the new quantity through the ledger
// transaction that carries the matching movement. The write is guarded by the
// value the caller's delta was computed from; zero rows means a concurrent
// adjustment committed first, and the Conflict rolls the movement back too.
func (r *Repository) UpdateLineItemQuantity(ctx context.Context, tx ledger.TxRepository, transactionID string, lineItemID int64, field string, oldValue, newValue int64) error {
	var column string
	switch field {
	case "quantityReturned":
		column = "quantity_returned"
	case "quantityDelivered":
		column = "quantity_delivered"
	default:
		return &Error{Kind: KindNotFound, Field: "field"}
	}
	affected, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE sale_line_items SET %s = $1
		WHERE transaction_id = $2 AND line_id = $3 AND %s = $4`, column, column),
		newValue, transactionID, lineItemID, oldValue)
	if err != nil {
		return fmt.Errorf("update line item: %w", err)
	}
	if affected == 0 {
		return &Error{Kind: KindConflict, TransactionID: transactionID, Field: field}
	}
	_, err = tx.Exec(ctx, `
		UPDATE sale_transactions SET updated_at = now() WHERE id = $1`, transactionID)
	return err
}

func (r *Repository) scanTransaction(_ context.Context, row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.InvoiceNumber, &t.Kind, &t.ServiceCharge, &t.TotalAmount,
		&t.TotalPaid, &t.ChangeGiven, &t.IsCreditSale, &t.CreditedDate, &t.StockApplied,
		&t.Voided, &t.RestockOnReturn, &t.CounterpartOf, &t.CreatedBy, &t.CreatedAt,
		&t.UpdatedAt)
	return t, err
}

func (r *Repository) loadDetails(ctx context.Context, t *Transaction) error {
	rows, err := r.pool.Query(ctx, `
		SELECT line_id, product_id, unit_price, discount, quantity_sold,
		       quantity_returned, quantity_delivered, deliver_later, assigned_to
		FROM sale_line_items WHERE transaction_id = $1 ORDER BY line_id`, t.ID)
	if err != nil {
		return fmt.Errorf("load line items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line LineItem
		if err := rows.Scan(&line.ID, &line.ProductID, &line.UnitPrice, &line.Discount,
			&line.QuantitySold, &line.QuantityReturned, &line.QuantityDelivered,
			&line.DeliverLater, &line.AssignedTo); err != nil {
			return err
		}
		t.LineItems = append(t.LineItems, line)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := r.pool.Query(ctx, `
		SELECT method, amount FROM sale_payments
		WHERE transaction_id = $1 ORDER BY position`, t.ID)
	if err != nil {
		return fmt.Errorf("load payments: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var p Payment
		if err := prows.Scan(&p.Method, &p.Amount); err != nil {
			return err
		}
		t.Payments = append(t.Payments, p)
	}
	return prows.Err()
}
