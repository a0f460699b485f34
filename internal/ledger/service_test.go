package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-pos/tessera-pos/internal/history"
)

type memoryRepo struct {
	products map[int64]Product
	trail    map[string][]history.Entry
	refs     map[string]bool
	nextID   int64
}

type memoryTx struct {
	repo    *memoryRepo
	pending map[int64]Product
	entries []history.Entry
	refs    []string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		products: make(map[int64]Product),
		trail:    make(map[string][]history.Entry),
		refs:     make(map[string]bool),
	}
}

func (r *memoryRepo) seed(p Product) Product {
	r.nextID++
	p.ID = r.nextID
	p.Visible = true
	r.products[p.ID] = p
	return p
}

// WithTx buffers writes and applies them only when fn succeeds, matching the
// all-or-nothing contract of the SQL transaction.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, pending: make(map[int64]Product)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, p := range tx.pending {
		r.products[id] = p
	}
	for _, e := range tx.entries {
		r.trail[e.EntityID] = append(r.trail[e.EntityID], e)
	}
	for _, ref := range tx.refs {
		r.refs[ref] = true
	}
	return nil
}

func (r *memoryRepo) GetProduct(ctx context.Context, id int64) (Product, error) {
	p, ok := r.products[id]
	if !ok || p.Deleted {
		return Product{}, &Error{Kind: KindNotFound, ProductID: id}
	}
	return p, nil
}

func (r *memoryRepo) GetProductByCode(ctx context.Context, itemCode string) (Product, error) {
	for _, p := range r.products {
		if p.ItemCode == itemCode && !p.Deleted {
			return p, nil
		}
	}
	return Product{}, &Error{Kind: KindNotFound}
}

func (r *memoryRepo) ListProducts(ctx context.Context, limit, offset int) ([]Product, error) {
	var result []Product
	for _, p := range r.products {
		if !p.Deleted && p.Visible {
			result = append(result, p)
		}
	}
	return result, nil
}

func (r *memoryRepo) CreateProduct(ctx context.Context, product Product) (int64, error) {
	p := r.seed(product)
	return p.ID, nil
}

func (tx *memoryTx) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	if p, ok := tx.pending[id]; ok {
		return p, nil
	}
	return tx.repo.GetProduct(ctx, id)
}

func (tx *memoryTx) UpdateCounters(ctx context.Context, product Product) error {
	tx.pending[product.ID] = product
	return nil
}

func (tx *memoryTx) AppendHistory(ctx context.Context, entry history.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	tx.entries = append(tx.entries, entry)
	return nil
}

func (tx *memoryTx) InsertMovementRef(ctx context.Context, ref string) error {
	if tx.repo.refs[ref] {
		return ErrAlreadyApplied
	}
	tx.refs = append(tx.refs, ref)
	return nil
}

// Exec is not interpreted by the memory fixture; statements count as applied.
func (tx *memoryTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return 1, nil
}

func requireCounters(t *testing.T, p Product, stock, returnStock, returnRelease, damaged int64) {
	t.Helper()
	require.Equal(t, stock, p.Stock, "stock")
	require.Equal(t, returnStock, p.ReturnStock, "returnStock")
	require.Equal(t, returnRelease, p.ReturnRelease, "returnRelease")
	require.Equal(t, damaged, p.DamagedStock, "damagedStock")
	require.GreaterOrEqual(t, p.Stock, int64(0))
	require.GreaterOrEqual(t, p.ReturnStock, int64(0))
	require.GreaterOrEqual(t, p.ReturnRelease, int64(0))
	require.GreaterOrEqual(t, p.DamagedStock, int64(0))
}

func TestSellAndRestockRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 10})
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, err := svc.Sell(ctx, seeded.ID, 4, "clerk")
	require.NoError(t, err)
	requireCounters(t, p, 6, 0, 0, 0)

	p, err = svc.Restock(ctx, seeded.ID, 4, "clerk")
	require.NoError(t, err)
	requireCounters(t, p, 10, 0, 0, 0)
}

func TestSellInsufficientStockMutatesNothing(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 3})
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.Sell(ctx, seeded.ID, 5, "clerk")
	require.True(t, IsKind(err, KindInsufficientStock))

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, seeded.ID, lerr.ProductID)
	require.EqualValues(t, 5, lerr.Requested)
	require.EqualValues(t, 3, lerr.Available)

	p, err := svc.GetProduct(ctx, seeded.ID)
	require.NoError(t, err)
	requireCounters(t, p, 3, 0, 0, 0)
	require.Empty(t, repo.trail[p.EntityID()], "rejected operation must not append history")
}

func TestWriteOffDamagedIsOneDirectional(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 5})
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, err := svc.WriteOffDamaged(ctx, seeded.ID, 2, "tech")
	require.NoError(t, err)
	requireCounters(t, p, 3, 0, 0, 2)

	_, err = svc.WriteOffDamaged(ctx, seeded.ID, 4, "tech")
	require.True(t, IsKind(err, KindInsufficientStock))
}

func TestRegisterAndUndoReturnRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 8})
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, err := svc.RegisterReturn(ctx, seeded.ID, 3, "clerk")
	require.NoError(t, err)
	requireCounters(t, p, 5, 3, 0, 0)

	p, err = svc.UndoReturn(ctx, seeded.ID, 3, "clerk")
	require.NoError(t, err)
	requireCounters(t, p, 8, 0, 0, 0)
}

func TestReleaseThenRegisterCancelsCorrectionTerm(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 5, ReturnStock: 2})
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, err := svc.ReleaseReturn(ctx, seeded.ID, 2, "staff")
	require.NoError(t, err)
	requireCounters(t, p, 7, 0, 2, 0)

	p, err = svc.RegisterReturn(ctx, seeded.ID, 2, "staff")
	require.NoError(t, err)
	requireCounters(t, p, 5, 2, 0, 0)
}

// Scenario from the reconciliation acceptance checklist: sale, partial
// return, release, second return of an already-released unit.
func TestReturnReleaseReturnScenario(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 10})
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, err := svc.Sell(ctx, seeded.ID, 3, "clerk")
	require.NoError(t, err)
	requireCounters(t, p, 7, 0, 0, 0)

	p, err = svc.RegisterReturn(ctx, seeded.ID, 2, "clerk")
	require.NoError(t, err)
	requireCounters(t, p, 5, 2, 0, 0)

	p, err = svc.ReleaseReturn(ctx, seeded.ID, 2, "staff")
	require.NoError(t, err)
	requireCounters(t, p, 7, 0, 2, 0)

	p, err = svc.RegisterReturn(ctx, seeded.ID, 1, "clerk")
	require.NoError(t, err)
	requireCounters(t, p, 6, 1, 1, 0)
}

func TestReleaseReturnRequiresQuarantinedUnits(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 5})
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.ReleaseReturn(ctx, seeded.ID, 1, "staff")
	require.True(t, IsKind(err, KindInsufficientStock))

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, "returnStock", lerr.Pool)
}

func TestMutationsRejectNonPositiveQuantity(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 5})
	svc := NewService(repo, nil)
	ctx := context.Background()

	ops := []func(context.Context, int64, int64, string) (Product, error){
		svc.Sell, svc.Restock, svc.WriteOffDamaged, svc.RegisterReturn, svc.ReleaseReturn, svc.UndoReturn,
	}
	for _, op := range ops {
		_, err := op(ctx, seeded.ID, 0, "clerk")
		require.True(t, IsKind(err, KindInvalidQuantity))
		_, err = op(ctx, seeded.ID, -2, "clerk")
		require.True(t, IsKind(err, KindInvalidQuantity))
	}
}

func TestMutationAppendsSingleUpdateEntry(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 10})
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, err := svc.RegisterReturn(ctx, seeded.ID, 2, "clerk")
	require.NoError(t, err)

	entries := repo.trail[p.EntityID()]
	require.Len(t, entries, 1)
	require.Equal(t, history.ChangeUpdate, entries[0].Type)
	require.Equal(t, "stock,returnStock,returnRelease", entries[0].Field)
	require.Equal(t, "10,0,0", entries[0].OldValue)
	require.Equal(t, "8,2,0", entries[0].NewValue)
	require.Equal(t, "clerk", entries[0].Actor)
}

func TestUnknownProduct(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	_, err := svc.Sell(context.Background(), 99, 1, "clerk")
	require.True(t, IsKind(err, KindNotFound))
}

func TestApplyBatchAllOrNothing(t *testing.T) {
	repo := newMemoryRepo()
	first := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 10})
	second := repo.seed(Product{ItemCode: "SKU-2", Name: "Gadget", Stock: 1})
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.ApplyBatch(ctx, "sale:1", []Movement{
		{ProductID: first.ID, Qty: 2, Op: OpSell},
		{ProductID: second.ID, Qty: 5, Op: OpSell},
	}, "clerk")
	require.True(t, IsKind(err, KindInsufficientStock))

	// The first product's decrement must have been rolled back with the batch.
	p, err := svc.GetProduct(ctx, first.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, p.Stock)
	p, err = svc.GetProduct(ctx, second.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.Stock)
	require.False(t, repo.refs["sale:1"], "failed batch must not persist its ref")
}

func TestApplyBatchWithHookFailureRollsBackMovements(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 10})
	svc := NewService(repo, nil)
	ctx := context.Background()

	hookErr := errors.New("document write lost")
	_, err := svc.ApplyBatchWith(ctx, "", []Movement{{ProductID: seeded.ID, Qty: 3, Op: OpSell}}, "clerk",
		func(ctx context.Context, tx TxRepository) error {
			return hookErr
		})
	require.ErrorIs(t, err, hookErr)

	p, err := svc.GetProduct(ctx, seeded.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, p.Stock, "counters must roll back with the hook")
	require.Empty(t, repo.trail[p.EntityID()])
}

func TestApplyBatchWithCommitsHookWritesWithMovements(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 10})
	svc := NewService(repo, nil)
	ctx := context.Background()

	extra := history.Entry{EntityID: "sale:abc", Field: "quantityReturned", NewValue: "1", Actor: "clerk", Type: history.ChangeUpdate}
	_, err := svc.ApplyBatchWith(ctx, "", []Movement{{ProductID: seeded.ID, Qty: 3, Op: OpSell}}, "clerk",
		func(ctx context.Context, tx TxRepository) error {
			return tx.AppendHistory(ctx, extra)
		})
	require.NoError(t, err)

	p, err := svc.GetProduct(ctx, seeded.ID)
	require.NoError(t, err)
	require.EqualValues(t, 7, p.Stock)
	require.Len(t, repo.trail["sale:abc"], 1)
}

func TestApplyBatchIdempotentPerRef(t *testing.T) {
	repo := newMemoryRepo()
	seeded := repo.seed(Product{ItemCode: "SKU-1", Name: "Widget", Stock: 10})
	svc := NewService(repo, nil)
	ctx := context.Background()

	products, err := svc.ApplyBatch(ctx, "sale:7", []Movement{{ProductID: seeded.ID, Qty: 4, Op: OpSell}}, "clerk")
	require.NoError(t, err)
	require.EqualValues(t, 6, products[0].Stock)

	_, err = svc.ApplyBatch(ctx, "sale:7", []Movement{{ProductID: seeded.ID, Qty: 4, Op: OpSell}}, "clerk")
	require.ErrorIs(t, err, ErrAlreadyApplied)

	p, err := svc.GetProduct(ctx, seeded.ID)
	require.NoError(t, err)
	require.EqualValues(t, 6, p.Stock, "replayed batch must not double-apply")
}

func TestCreateProduct(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, err := svc.CreateProduct(ctx, CreateProductInput{
		ItemCode:     "SKU-9",
		Name:         "Gadget",
		BuyingPrice:  40,
		SellingPrice: 60,
		Stock:        12,
	}, "admin")
	require.NoError(t, err)
	require.NotZero(t, p.ID)
	requireCounters(t, p, 12, 0, 0, 0)

	entries := repo.trail[p.EntityID()]
	require.Len(t, entries, 1)
	require.Equal(t, history.ChangeCreate, entries[0].Type)
}
