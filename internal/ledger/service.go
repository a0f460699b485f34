package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tessera-pos/tessera-pos/internal/history"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetProductByCode(ctx context.Context, itemCode string) (Product, error)
	ListProducts(ctx context.Context, limit, offset int) ([]Product, error)
	CreateProduct(ctx context.Context, product Product) (int64, error)
}

// TxRepository exposes the transactional operations a movement batch needs.
type TxRepository interface {
	GetProductForUpdate(ctx context.Context, id int64) (Product, error)
	UpdateCounters(ctx context.Context, product Product) error
	AppendHistory(ctx context.Context, entry history.Entry) error
	// InsertMovementRef claims an application reference inside the batch
	// transaction. A duplicate ref returns ErrAlreadyApplied, which makes a
	// replayed batch a committed no-op.
	InsertMovementRef(ctx context.Context, ref string) error
	// Exec runs a caller statement inside the batch transaction and returns
	// the affected row count. It lets the document update that backs a
	// movement commit or roll back together with the counters.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// ErrAlreadyApplied reports that a movement batch with the same reference has
// already been committed.
var ErrAlreadyApplied = errors.New("ledger: movement reference already applied")

// MovementOp names a pool transfer.
type MovementOp string

const (
	OpSell           MovementOp = "sell"
	OpRestock        MovementOp = "restock"
	OpWriteOff       MovementOp = "writeOffDamaged"
	OpRegisterReturn MovementOp = "registerReturn"
	OpReleaseReturn  MovementOp = "releaseReturn"
	OpUndoReturn     MovementOp = "undoReturn"
)

// Movement is one pool transfer within a batch.
type Movement struct {
	ProductID int64
	Qty       int64
	Op        MovementOp
}

// conflictRetries bounds optimistic retries before surfacing KindConflict.
const conflictRetries = 3

// MovementObserver receives counters for applied and rejected movements.
type MovementObserver interface {
	ObserveMovement(op string)
	ObserveRejection(reason string)
}

// Service enforces the pool-transfer rules. Every operation is atomic for a
// single product: the precondition is re-checked under the row lock, and a
// rejection leaves every counter untouched.
type Service struct {
	repo     RepositoryPort
	cache    *StockCache
	observer MovementObserver
}

// NewService builds Service. cache may be nil.
func NewService(repo RepositoryPort, cache *StockCache) *Service {
	return &Service{repo: repo, cache: cache}
}

// SetObserver installs a movement metrics sink.
func (s *Service) SetObserver(o MovementObserver) {
	s.observer = o
}

// mutation computes the counter transfer for one operation. It mutates p in
// place or returns a structured rejection without touching p.
type mutation struct {
	name    string
	touched []string
	apply   func(p *Product, qty int64) *Error
}

var (
	mutSell = mutation{
		name:    "sell",
		touched: []string{"stock"},
		apply: func(p *Product, qty int64) *Error {
			if p.Stock < qty {
				return &Error{Kind: KindInsufficientStock, ProductID: p.ID, Pool: "stock", Requested: qty, Available: p.Stock}
			}
			p.Stock -= qty
			return nil
		},
	}
	mutRestock = mutation{
		name:    "restock",
		touched: []string{"stock"},
		apply: func(p *Product, qty int64) *Error {
			p.Stock += qty
			return nil
		},
	}
	mutWriteOffDamaged = mutation{
		name:    "writeOffDamaged",
		touched: []string{"stock", "damagedStock"},
		apply: func(p *Product, qty int64) *Error {
			if p.Stock < qty {
				return &Error{Kind: KindInsufficientStock, ProductID: p.ID, Pool: "stock", Requested: qty, Available: p.Stock}
			}
			p.Stock -= qty
			p.DamagedStock += qty
			return nil
		},
	}
	// A fresh return quarantines units and cancels release provenance: units
	// that already went out once via ReleaseReturn are coming back, so the
	// correction term keeps them from being counted as releasable twice.
	mutRegisterReturn = mutation{
		name:    "registerReturn",
		touched: []string{"stock", "returnStock", "returnRelease"},
		apply: func(p *Product, qty int64) *Error {
			if p.Stock < qty {
				return &Error{Kind: KindInsufficientStock, ProductID: p.ID, Pool: "stock", Requested: qty, Available: p.Stock}
			}
			p.Stock -= qty
			p.ReturnStock += qty
			p.ReturnRelease -= min64(p.ReturnRelease, qty)
			return nil
		},
	}
	mutReleaseReturn = mutation{
		name:    "releaseReturn",
		touched: []string{"stock", "returnStock", "returnRelease"},
		apply: func(p *Product, qty int64) *Error {
			if p.ReturnStock < qty {
				return &Error{Kind: KindInsufficientStock, ProductID: p.ID, Pool: "returnStock", Requested: qty, Available: p.ReturnStock}
			}
			p.Stock += qty
			p.ReturnStock -= qty
			p.ReturnRelease += qty
			return nil
		},
	}
	// Undoing a recorded return is not a release: the unit goes back to the
	// sellable pool but the provenance counter stays put.
	mutUndoReturn = mutation{
		name:    "undoReturn",
		touched: []string{"stock", "returnStock"},
		apply: func(p *Product, qty int64) *Error {
			if p.ReturnStock < qty {
				return &Error{Kind: KindInsufficientStock, ProductID: p.ID, Pool: "returnStock", Requested: qty, Available: p.ReturnStock}
			}
			p.Stock += qty
			p.ReturnStock -= qty
			return nil
		},
	}
)

// Sell removes qty units from the sellable pool.
func (s *Service) Sell(ctx context.Context, productID, qty int64, actor string) (Product, error) {
	return s.applyMutation(ctx, productID, qty, actor, mutSell)
}

// Restock adds qty units to the sellable pool.
func (s *Service) Restock(ctx context.Context, productID, qty int64, actor string) (Product, error) {
	return s.applyMutation(ctx, productID, qty, actor, mutRestock)
}

// WriteOffDamaged moves qty units from the sellable pool to the terminal
// damaged pool.
func (s *Service) WriteOffDamaged(ctx context.Context, productID, qty int64, actor string) (Product, error) {
	return s.applyMutation(ctx, productID, qty, actor, mutWriteOffDamaged)
}

// RegisterReturn quarantines qty customer-returned units.
func (s *Service) RegisterReturn(ctx context.Context, productID, qty int64, actor string) (Product, error) {
	return s.applyMutation(ctx, productID, qty, actor, mutRegisterReturn)
}

// ReleaseReturn confirms qty quarantined units as resalable.
func (s *Service) ReleaseReturn(ctx context.Context, productID, qty int64, actor string) (Product, error) {
	return s.applyMutation(ctx, productID, qty, actor, mutReleaseReturn)
}

// UndoReturn reverses a recorded return without touching the provenance
// counter. Used when a line item's returned quantity is corrected downward.
func (s *Service) UndoReturn(ctx context.Context, productID, qty int64, actor string) (Product, error) {
	return s.applyMutation(ctx, productID, qty, actor, mutUndoReturn)
}

var mutations = map[MovementOp]mutation{
	OpSell:           mutSell,
	OpRestock:        mutRestock,
	OpWriteOff:       mutWriteOffDamaged,
	OpRegisterReturn: mutRegisterReturn,
	OpReleaseReturn:  mutReleaseReturn,
	OpUndoReturn:     mutUndoReturn,
}

// ApplyBatch commits a set of movements as one all-or-nothing unit: either
// every transfer lands or no counter moves. When ref is non-empty the batch
// is idempotent per ref; a replay returns ErrAlreadyApplied without moving
// stock.
func (s *Service) ApplyBatch(ctx context.Context, ref string, movements []Movement, actor string) ([]Product, error) {
	products, err := s.applyMovements(ctx, ref, movements, actor, nil)
	if err != nil {
		return nil, err
	}
	return products, nil
}

// ApplyBatchWith commits the movements and fn as one transaction. fn runs
// after every transfer has landed; a non-nil error rolls the whole batch
// back, counters included.
func (s *Service) ApplyBatchWith(ctx context.Context, ref string, movements []Movement, actor string, fn func(context.Context, TxRepository) error) ([]Product, error) {
	return s.applyMovements(ctx, ref, movements, actor, fn)
}

func (s *Service) applyMutation(ctx context.Context, productID, qty int64, actor string, m mutation) (Product, error) {
	products, err := s.applyMovements(ctx, "", []Movement{{ProductID: productID, Qty: qty, Op: MovementOp(m.name)}}, actor, nil)
	if err != nil {
		return Product{}, err
	}
	return products[0], nil
}

func (s *Service) applyMovements(ctx context.Context, ref string, movements []Movement, actor string, fn func(context.Context, TxRepository) error) ([]Product, error) {
	if len(movements) == 0 {
		return nil, errors.New("ledger: at least one movement required")
	}
	if actor == "" {
		return nil, errors.New("ledger: actor required")
	}
	for _, mv := range movements {
		if _, ok := mutations[mv.Op]; !ok {
			return nil, fmt.Errorf("ledger: unknown movement op %q", mv.Op)
		}
		if mv.Qty <= 0 {
			return nil, &Error{Kind: KindInvalidQuantity, ProductID: mv.ProductID, Requested: mv.Qty}
		}
	}

	var result []Product
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		result, err = s.applyOnce(ctx, ref, movements, actor, fn)
		if err == nil || !IsKind(err, KindConflict) {
			break
		}
	}
	if err != nil {
		if s.observer != nil {
			var lerr *Error
			if errors.As(err, &lerr) {
				s.observer.ObserveRejection(string(lerr.Kind))
			}
		}
		return nil, err
	}

	if s.observer != nil {
		for _, mv := range movements {
			s.observer.ObserveMovement(string(mv.Op))
		}
	}
	if s.cache != nil {
		for _, p := range result {
			_ = s.cache.Invalidate(ctx, p.ID)
		}
	}
	return result, nil
}

func (s *Service) applyOnce(ctx context.Context, ref string, movements []Movement, actor string, fn func(context.Context, TxRepository) error) ([]Product, error) {
	// Locks are taken in product-id order so concurrent batches on
	// overlapping products cannot deadlock.
	ordered := make([]Movement, len(movements))
	copy(ordered, movements)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ProductID < ordered[j].ProductID })

	var result []Product
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if ref != "" {
			if err := tx.InsertMovementRef(ctx, ref); err != nil {
				return err
			}
		}
		result = result[:0]
		for _, mv := range ordered {
			m := mutations[mv.Op]
			product, err := tx.GetProductForUpdate(ctx, mv.ProductID)
			if err != nil {
				return err
			}
			before := product

			if lerr := m.apply(&product, mv.Qty); lerr != nil {
				return lerr
			}
			if err := tx.UpdateCounters(ctx, product); err != nil {
				return err
			}

			entry := history.Entry{
				EntityID: product.EntityID(),
				Field:    strings.Join(m.touched, ","),
				OldValue: counterValues(before, m.touched),
				NewValue: counterValues(product, m.touched),
				Actor:    actor,
				Type:     history.ChangeUpdate,
			}
			if err := tx.AppendHistory(ctx, entry); err != nil {
				return err
			}
			result = append(result, product)
		}
		if fn != nil {
			return fn(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetProduct reads one product, serving counters from the cache when warm.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	if s.cache != nil {
		if product, ok := s.cache.Get(ctx, id); ok {
			return product, nil
		}
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, product)
	}
	return product, nil
}

// PeekProduct reads one product straight from storage without warming the
// cache. Validation paths that race concurrent movements use this so a
// pre-mutation snapshot can never be cached over a fresher invalidation.
func (s *Service) PeekProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// GetProductByCode looks a product up by its unique item code.
func (s *Service) GetProductByCode(ctx context.Context, itemCode string) (Product, error) {
	return s.repo.GetProductByCode(ctx, itemCode)
}

// ListProducts lists visible products.
func (s *Service) ListProducts(ctx context.Context, limit, offset int) ([]Product, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListProducts(ctx, limit, offset)
}

// CreateProduct registers a catalog record with an opening stock level.
func (s *Service) CreateProduct(ctx context.Context, input CreateProductInput, actor string) (Product, error) {
	if actor == "" {
		return Product{}, errors.New("ledger: actor required")
	}
	if input.ItemCode == "" || input.Name == "" {
		return Product{}, errors.New("ledger: item code and name required")
	}
	if input.BuyingPrice < 0 || input.SellingPrice < 0 {
		return Product{}, errors.New("ledger: prices must be non-negative")
	}
	if input.Stock < 0 {
		return Product{}, &Error{Kind: KindInvalidQuantity, Requested: input.Stock}
	}

	product := Product{
		ItemCode:     input.ItemCode,
		Name:         input.Name,
		BuyingPrice:  input.BuyingPrice,
		SellingPrice: input.SellingPrice,
		Stock:        input.Stock,
		Visible:      true,
	}
	id, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return Product{}, err
	}
	product.ID = id

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.AppendHistory(ctx, history.Entry{
			EntityID: product.EntityID(),
			Field:    "product",
			NewValue: fmt.Sprintf("%s stock=%d", product.ItemCode, product.Stock),
			Actor:    actor,
			Type:     history.ChangeCreate,
		})
	})
	if err != nil {
		return Product{}, err
	}
	return product, nil
}

func counterValues(p Product, touched []string) string {
	values := make([]string, 0, len(touched))
	for _, name := range touched {
		switch name {
		case "stock":
			values = append(values, fmt.Sprintf("%d", p.Stock))
		case "returnStock":
			values = append(values, fmt.Sprintf("%d", p.ReturnStock))
		case "returnRelease":
			values = append(values, fmt.Sprintf("%d", p.ReturnRelease))
		case "damagedStock":
			values = append(values, fmt.Sprintf("%d", p.DamagedStock))
		}
	}
	return strings.Join(values, ",")
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
