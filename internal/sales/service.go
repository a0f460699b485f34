package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-pos/tessera-pos/internal/history"
	"github.com/tessera-pos/tessera-pos/internal/ledger"
	"github.com/tessera-pos/tessera-pos/internal/shared"
)

// StockLedger is the slice of the ledger service the processor needs.
type StockLedger interface {
	// PeekProduct reads without warming the ledger's cache; validation reads
	// here race concurrent movements and must never cache a stale snapshot.
	PeekProduct(ctx context.Context, id int64) (ledger.Product, error)
	ApplyBatch(ctx context.Context, ref string, movements []ledger.Movement, actor string) ([]ledger.Product, error)
	// ApplyBatchWith commits movements and fn as one transaction; fn failure
	// rolls every counter back.
	ApplyBatchWith(ctx context.Context, ref string, movements []ledger.Movement, actor string, fn func(context.Context, ledger.TxRepository) error) ([]ledger.Product, error)
}

// NumberSource mints document numbers.
type NumberSource interface {
	Next(ctx context.Context, counterName string) (int64, error)
}

// RepositoryPort abstracts transaction persistence.
type RepositoryPort interface {
	CreateTransaction(ctx context.Context, t Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	ListTransactions(ctx context.Context, limit, offset int) ([]Transaction, int, error)
	// MarkStockApplied flips the tombstone with a compare-and-set and, when
	// it flips, appends the given trail entries in the same transaction. It
	// reports false when the transaction was already marked, in which case
	// the entries were written by the first application and are skipped.
	MarkStockApplied(ctx context.Context, id string, entries ...history.Entry) (bool, error)
	MarkVoided(ctx context.Context, id string) error
	ListUnapplied(ctx context.Context, olderThan time.Duration, limit int) ([]Transaction, error)
	// UpdateLineItemQuantity compare-and-sets one line quantity inside the
	// ledger transaction carrying the matching stock movement. A stale
	// oldValue means a concurrent adjustment won; the write reports Conflict
	// and the movement rolls back with it.
	UpdateLineItemQuantity(ctx context.Context, tx ledger.TxRepository, transactionID string, lineItemID int64, field string, oldValue, newValue int64) error
}

// IdempotencyPort deduplicates client-retried submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service is the sale/repair transaction processor.
type Service struct {
	repo        RepositoryPort
	stock       StockLedger
	numbers     NumberSource
	idempotency IdempotencyPort
	logger      *slog.Logger
	// reconcileGrace keeps the reconciler from racing a request that is
	// still between persisting and applying.
	reconcileGrace time.Duration
}

// NewService builds Service. idempotency may be nil.
func NewService(repo RepositoryPort, stock StockLedger, numbers NumberSource, idempotency IdempotencyPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:           repo,
		stock:          stock,
		numbers:        numbers,
		idempotency:    idempotency,
		logger:         logger,
		reconcileGrace: time.Minute,
	}
}

// SetReconcileGrace overrides the minimum age before an unapplied transaction
// is eligible for replay.
func (s *Service) SetReconcileGrace(d time.Duration) {
	if d >= 0 {
		s.reconcileGrace = d
	}
}

// CreateSale validates a cart against the ledger, reconciles the split
// payment, mints an invoice number and commits the stock transfer. The
// stock-applied tombstone makes the final step replayable after a crash.
func (s *Service) CreateSale(ctx context.Context, input CreateSaleInput, actor string) (Transaction, error) {
	if actor == "" {
		return Transaction{}, errors.New("sales: actor required")
	}
	kind := input.Kind
	if kind == "" {
		kind = KindSale
	}
	if kind == KindReturn {
		return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: "kind"}
	}
	if len(input.LineItems) == 0 {
		return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: "line_items"}
	}

	lines := make([]LineItem, 0, len(input.LineItems))
	var itemsTotal float64
	for i, in := range input.LineItems {
		if in.Quantity <= 0 {
			return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: fmt.Sprintf("line_items[%d].quantity", i)}
		}
		product, err := s.stock.PeekProduct(ctx, in.ProductID)
		if err != nil {
			return Transaction{}, err
		}
		// Early whole-cart check; the apply step re-validates under the row
		// lock, so a concurrent sale surfaces as a late rejection, never as
		// negative stock.
		if !in.DeliverLater && product.Stock < in.Quantity {
			return Transaction{}, &ledger.Error{
				Kind:      ledger.KindInsufficientStock,
				ProductID: product.ID,
				Pool:      "stock",
				Requested: in.Quantity,
				Available: product.Stock,
			}
		}
		unitPrice := in.UnitPrice
		if unitPrice == 0 {
			unitPrice = product.SellingPrice
		}
		lineTotal := unitPrice*float64(in.Quantity) - in.Discount
		if lineTotal < -paymentEpsilon {
			return Transaction{}, &Error{Kind: KindPaymentMismatch, Field: fmt.Sprintf("line_items[%d].discount", i), Amount: in.Discount}
		}
		itemsTotal += lineTotal
		lines = append(lines, LineItem{
			ID:           int64(i + 1),
			ProductID:    in.ProductID,
			UnitPrice:    unitPrice,
			Discount:     in.Discount,
			QuantitySold: in.Quantity,
			DeliverLater: in.DeliverLater,
			AssignedTo:   in.AssignedTo,
		})
	}
	totalAmount := itemsTotal + input.ServiceCharge

	totalPaid, payments, err := reconcilePayments(input.Payments, input.TotalPaid, totalAmount, input.IsCreditSale)
	if err != nil {
		return Transaction{}, err
	}

	if s.idempotency != nil && input.IdempotencyKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, "sale:"+input.IdempotencyKey, "sales"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Transaction{}, &Error{Kind: KindConflict, Field: "idempotency_key"}
			}
			return Transaction{}, err
		}
		defer func() {
			if err != nil {
				_ = s.idempotency.Delete(ctx, "sale:"+input.IdempotencyKey)
			}
		}()
	}

	counter := counterInvoice
	prefix := "INV"
	if kind == KindRepair {
		counter = counterJob
		prefix = "JOB"
	}
	number, err := s.numbers.Next(ctx, counter)
	if err != nil {
		return Transaction{}, err
	}

	now := time.Now().UTC()
	t := Transaction{
		ID:            uuid.NewString(),
		InvoiceNumber: fmt.Sprintf("%s-%06d", prefix, number),
		Kind:          kind,
		LineItems:     lines,
		Payments:      payments,
		ServiceCharge: input.ServiceCharge,
		TotalAmount:   totalAmount,
		TotalPaid:     totalPaid,
		ChangeGiven:   math.Max(0, totalPaid-totalAmount),
		IsCreditSale:  input.IsCreditSale,
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if input.IsCreditSale {
		t.CreditedDate = &now
	}

	if err = s.repo.CreateTransaction(ctx, t); err != nil {
		return Transaction{}, err
	}

	// The create entry commits with the tombstone flip, so the trail records
	// the sale exactly when its stock lands and never for a voided record.
	if err = s.applyStock(ctx, &t, actor, history.Entry{
		EntityID: t.EntityID(),
		Field:    string(t.Kind),
		NewValue: Summary(t),
		Actor:    actor,
		Type:     history.ChangeCreate,
	}); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// applyStock commits the transaction's ledger movements and flips the
// tombstone. Safe to replay: the movement ref makes the batch at-most-once
// and the mark is a compare-and-set.
func (s *Service) applyStock(ctx context.Context, t *Transaction, actor string, entries ...history.Entry) error {
	movements := movementsFor(*t)
	if len(movements) > 0 {
		_, err := s.stock.ApplyBatch(ctx, "stock-apply:"+t.ID, movements, actor)
		switch {
		case err == nil, errors.Is(err, ledger.ErrAlreadyApplied):
			// fallthrough to the mark
		case ledger.IsKind(err, ledger.KindInsufficientStock):
			// A concurrent sale consumed the stock between validation and
			// apply. The sale as a whole is rejected; the record is voided so
			// reporting and reconciliation skip it.
			if verr := s.repo.MarkVoided(ctx, t.ID); verr != nil {
				s.logger.Error("void unapplied transaction", slog.String("id", t.ID), slog.Any("error", verr))
			}
			t.Voided = true
			return err
		default:
			// Record stays stockApplied=false for the reconciliation pass.
			s.logger.Error("apply stock", slog.String("id", t.ID), slog.Any("error", err))
			return &Error{Kind: KindConflict, TransactionID: t.ID}
		}
	}
	marked, err := s.repo.MarkStockApplied(ctx, t.ID, entries...)
	if err != nil {
		return &Error{Kind: KindConflict, TransactionID: t.ID}
	}
	if marked {
		t.StockApplied = true
	}
	return nil
}

// movementsFor derives the ledger transfers a transaction requires when its
// stock is applied.
func movementsFor(t Transaction) []ledger.Movement {
	var movements []ledger.Movement
	for _, line := range t.LineItems {
		if t.Kind == KindReturn {
			if t.RestockOnReturn && line.QuantitySold > 0 {
				movements = append(movements, ledger.Movement{ProductID: line.ProductID, Qty: line.QuantitySold, Op: ledger.OpRestock})
			}
			continue
		}
		// Deferred-delivery lines leave stock at delivery time, not sale time.
		if !line.DeliverLater && line.QuantitySold > 0 {
			movements = append(movements, ledger.Movement{ProductID: line.ProductID, Qty: line.QuantitySold, Op: ledger.OpSell})
		}
	}
	return movements
}

func reconcilePayments(inputs []PaymentInput, declaredPaid, totalAmount float64, isCredit bool) (float64, []Payment, error) {
	var sum float64
	payments := make([]Payment, 0, len(inputs))
	for i, p := range inputs {
		if p.Amount <= 0 {
			return 0, nil, &Error{Kind: KindPaymentMismatch, Field: fmt.Sprintf("payments[%d].amount", i), Amount: p.Amount}
		}
		sum += p.Amount
		payments = append(payments, Payment{Method: p.Method, Amount: p.Amount})
	}
	if math.Abs(sum-declaredPaid) > paymentEpsilon {
		return 0, nil, &Error{Kind: KindPaymentMismatch, Field: "total_paid", Amount: declaredPaid}
	}
	if !isCredit && sum+paymentEpsilon < totalAmount {
		return 0, nil, &Error{Kind: KindPaymentMismatch, Field: "total_paid", Amount: sum}
	}
	return sum, payments, nil
}

// ProcessReturn refunds a whole transaction. The refund is a new
// negative-amount counterpart document with its own number; the original
// record is never rewritten.
func (s *Service) ProcessReturn(ctx context.Context, transactionID string, returnType ReturnType, actor string) (Transaction, error) {
	if actor == "" {
		return Transaction{}, errors.New("sales: actor required")
	}
	if returnType != ReturnRestock && returnType != ReturnRefundOnly && returnType != ReturnExchange {
		return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: "return_type"}
	}
	orig, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if orig.Kind == KindReturn {
		return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: "kind"}
	}
	if orig.Voided {
		return Transaction{}, &Error{Kind: KindNotFound, TransactionID: transactionID}
	}

	number, err := s.numbers.Next(ctx, counterReturn)
	if err != nil {
		return Transaction{}, err
	}

	// Counterpart lines carry the quantity physically coming back: what was
	// handed over and not already returned through line-item adjustments.
	lines := make([]LineItem, 0, len(orig.LineItems))
	for i, line := range orig.LineItems {
		back := line.outstanding()
		if back < 0 {
			back = 0
		}
		lines = append(lines, LineItem{
			ID:           int64(i + 1),
			ProductID:    line.ProductID,
			UnitPrice:    line.UnitPrice,
			Discount:     -line.Discount,
			QuantitySold: back,
			AssignedTo:   line.AssignedTo,
		})
	}
	payments := make([]Payment, 0, len(orig.Payments))
	for _, p := range orig.Payments {
		payments = append(payments, Payment{Method: p.Method, Amount: -p.Amount})
	}

	now := time.Now().UTC()
	counterpart := Transaction{
		ID:              uuid.NewString(),
		InvoiceNumber:   fmt.Sprintf("RET-%06d", number),
		Kind:            KindReturn,
		LineItems:       lines,
		Payments:        payments,
		TotalAmount:     -orig.TotalAmount,
		TotalPaid:       -orig.TotalPaid,
		RestockOnReturn: returnType.restocks(),
		CounterpartOf:   orig.ID,
		CreatedBy:       actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.CreateTransaction(ctx, counterpart); err != nil {
		return Transaction{}, err
	}
	// Both trail entries ride the tombstone flip: the counterpart's create
	// record and the cross-reference on the original land atomically with
	// the restock, or not at all.
	if err := s.applyStock(ctx, &counterpart, actor,
		history.Entry{
			EntityID: counterpart.EntityID(),
			Field:    "return",
			OldValue: orig.InvoiceNumber,
			NewValue: Summary(counterpart),
			Actor:    actor,
			Type:     history.ChangeCreate,
		},
		history.Entry{
			EntityID: orig.EntityID(),
			Field:    "refundedBy",
			NewValue: counterpart.InvoiceNumber,
			Actor:    actor,
			Type:     history.ChangeUpdate,
		}); err != nil {
		return Transaction{}, err
	}
	return counterpart, nil
}

// AdjustLineItem changes one line item's returned or delivered quantity and
// drives the matching ledger transfer from the delta. The ledger transfer is
// self-checking, so a precondition failure rejects the adjustment with no
// counter moved.
func (s *Service) AdjustLineItem(ctx context.Context, transactionID string, lineItemID int64, input AdjustLineItemInput, actor string) (Transaction, error) {
	if actor == "" {
		return Transaction{}, errors.New("sales: actor required")
	}
	if input.NewValue < 0 {
		return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: input.Field}
	}
	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Kind == KindReturn || t.Voided {
		return Transaction{}, &Error{Kind: KindNotFound, TransactionID: transactionID}
	}

	idx := -1
	for i, line := range t.LineItems {
		if line.ID == lineItemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Transaction{}, &Error{Kind: KindNotFound, Field: "line_item"}
	}
	line := t.LineItems[idx]

	var oldValue int64
	var movement *ledger.Movement
	switch input.Field {
	case "quantityReturned":
		oldValue = line.QuantityReturned
		ceiling := line.QuantitySold
		if line.DeliverLater {
			ceiling = line.QuantityDelivered
		}
		if input.NewValue > ceiling {
			return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: input.Field}
		}
		if delta := input.NewValue - oldValue; delta > 0 {
			movement = &ledger.Movement{ProductID: line.ProductID, Qty: delta, Op: ledger.OpRegisterReturn}
		} else if delta < 0 {
			// Undoing a recorded return, not releasing one: the provenance
			// counter stays untouched.
			movement = &ledger.Movement{ProductID: line.ProductID, Qty: -delta, Op: ledger.OpUndoReturn}
		}
	case "quantityDelivered":
		oldValue = line.QuantityDelivered
		if !line.DeliverLater {
			return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: input.Field}
		}
		if input.NewValue > line.QuantitySold {
			return Transaction{}, &Error{Kind: KindInvalidQuantity, Field: input.Field}
		}
		if delta := input.NewValue - oldValue; delta > 0 {
			movement = &ledger.Movement{ProductID: line.ProductID, Qty: delta, Op: ledger.OpSell}
		} else if delta < 0 {
			movement = &ledger.Movement{ProductID: line.ProductID, Qty: -delta, Op: ledger.OpRestock}
		}
	default:
		return Transaction{}, &Error{Kind: KindNotFound, Field: "field"}
	}

	if movement == nil {
		return t, nil
	}

	entry := history.Entry{
		EntityID: t.EntityID(),
		Field:    input.Field,
		OldValue: fmt.Sprintf("%d", oldValue),
		NewValue: fmt.Sprintf("%d", input.NewValue),
		Actor:    actor,
		Type:     history.ChangeUpdate,
	}
	// The line write compare-and-sets against the value the delta was
	// computed from and commits with the movement. A concurrent adjustment
	// that got there first surfaces as Conflict with no counter moved, and an
	// infrastructure failure rolls the movement back with the write.
	_, err = s.stock.ApplyBatchWith(ctx, "", []ledger.Movement{*movement}, actor,
		func(ctx context.Context, tx ledger.TxRepository) error {
			if err := s.repo.UpdateLineItemQuantity(ctx, tx, t.ID, lineItemID, input.Field, oldValue, input.NewValue); err != nil {
				return err
			}
			return tx.AppendHistory(ctx, entry)
		})
	if err != nil {
		return Transaction{}, err
	}

	return s.repo.GetTransaction(ctx, t.ID)
}

// ReconcileUnapplied replays stock application for transactions persisted
// before a crash. The movement ref guarantees each transaction's deltas land
// at most once, so running this concurrently with live traffic is safe.
func (s *Service) ReconcileUnapplied(ctx context.Context) (int, error) {
	pending, err := s.repo.ListUnapplied(ctx, s.reconcileGrace, 100)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, t := range pending {
		entry := history.Entry{
			EntityID: t.EntityID(),
			Field:    string(t.Kind),
			NewValue: Summary(t),
			Actor:    "system",
			Type:     history.ChangeCreate,
		}
		if err := s.applyStock(ctx, &t, "system", entry); err != nil {
			if ledger.IsKind(err, ledger.KindInsufficientStock) {
				// Voided by applyStock; an operator decision, not a retry case.
				s.logger.Warn("reconciliation voided transaction",
					slog.String("invoice", t.InvoiceNumber), slog.Any("error", err))
				continue
			}
			s.logger.Error("reconcile transaction",
				slog.String("invoice", t.InvoiceNumber), slog.Any("error", err))
			continue
		}
		applied++
	}
	return applied, nil
}

// Get returns one transaction.
func (s *Service) Get(ctx context.Context, id string) (Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// List pages through transactions.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Transaction, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactions(ctx, limit, offset)
}
