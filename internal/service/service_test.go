package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/audit"
	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Action)
	}
	return out
}

type mapCache struct {
	mu    sync.Mutex
	sales map[string]domain.Sale
	hits  int
}

func newMapCache() *mapCache {
	return &mapCache{sales: map[string]domain.Sale{}}
}

func (c *mapCache) Get(_ context.Context, id string) (*domain.Sale, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sale, ok := c.sales[id]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &sale, true, nil
}

func (c *mapCache) Set(_ context.Context, sale *domain.Sale, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sales[sale.ID] = *sale
	return nil
}

func (c *mapCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sales, id)
	return nil
}

// flakyRepo injects write conflicts around the in-memory store. failBefore
// attempts abort before running the callback; failAfterCommit attempts commit
// and then report a conflict, as a lost commit acknowledgement would.
type flakyRepo struct {
	*memory.Store

	mu              sync.Mutex
	failBefore      int
	failAfterCommit int
	calls           int
}

func (r *flakyRepo) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	r.mu.Lock()
	r.calls++
	before := r.failBefore > 0
	if before {
		r.failBefore--
	}
	after := !before && r.failAfterCommit > 0
	if after {
		r.failAfterCommit--
	}
	r.mu.Unlock()

	if before {
		return fmt.Errorf("simulated serialization failure: %w", store.ErrConflict)
	}
	if err := r.Store.WithinTx(ctx, fn); err != nil {
		return err
	}
	if after {
		return fmt.Errorf("simulated lost commit ack: %w", store.ErrConflict)
	}
	return nil
}

// stallingRepo runs every transaction past its deadline.
type stallingRepo struct {
	*memory.Store
}

func (r stallingRepo) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Store.WithinTx(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestService(t *testing.T, repo store.Repository, opts Options) *Service {
	t.Helper()
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = fastRetry()
	}
	return New(repo, opts)
}

func addProduct(t *testing.T, repo *memory.Store, sku string, price string, taxRate int64, stock int) string {
	t.Helper()
	product, err := repo.CreateProduct(context.Background(), domain.Product{
		SKU:          sku,
		Name:         "Product " + sku,
		Price:        decimal.RequireFromString(price),
		CostPrice:    decimal.RequireFromString(price).Div(decimal.NewFromInt(2)),
		TaxRate:      decimal.NewFromInt(taxRate),
		CurrentStock: stock,
		Active:       true,
	})
	require.NoError(t, err)
	return product.ID
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir1", Role: domain.RoleCashier})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func stockOf(t *testing.T, repo store.Repository, productID string) int {
	t.Helper()
	product, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return product.CurrentStock
}

// assertLedgerConsistent checks current stock == initial stock + Σ entry deltas.
func assertLedgerConsistent(t *testing.T, repo store.Repository, productID string, initial int) {
	t.Helper()
	entries, err := repo.ListStockEntries(context.Background(), productID, 0)
	require.NoError(t, err)
	sum := 0
	for _, entry := range entries {
		sum += entry.QuantityChange
		assert.Equal(t, entry.PreviousStock+entry.QuantityChange, entry.NewStock)
	}
	assert.Equal(t, initial+sum, stockOf(t, repo, productID))
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(domain.MoneyPlaces), msgAndArgs...)
}

func saleRequest(productID string, qty int) domain.CreateSaleRequest {
	return domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: productID, Quantity: qty}},
		PaymentMethod: domain.PaymentCash,
	}
}

func TestActorContextRoundTrip(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	assert.False(t, ok)

	actor, ok := ActorFromContext(cashierCtx())
	require.True(t, ok)
	assert.Equal(t, "kasir1", actor.Username)
}

func TestRetryPolicyNormalizesAndCapsBackoff(t *testing.T) {
	p := RetryPolicy{}.normalized()
	assert.Equal(t, DefaultRetryPolicy(), p)

	p = RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		delay := p.backoff(attempt)
		assert.LessOrEqual(t, delay, 40*time.Millisecond)
		assert.Positive(t, delay)
	}
}

func TestZeroOptionsGetExponentialBackoff(t *testing.T) {
	svc := New(memory.New(), Options{})
	assert.Equal(t, DefaultRetryPolicy(), svc.retry)

	p := RetryPolicy{MaxDelay: 100 * time.Millisecond}.normalized()
	assert.Equal(t, 100*time.Millisecond, p.MaxDelay)

	// Jitter keeps each delay within [d/2, d], so the ranges never overlap once doubled.
	first := svc.retry.backoff(1)
	fourth := svc.retry.backoff(4)
	assert.LessOrEqual(t, first, 25*time.Millisecond)
	assert.GreaterOrEqual(t, fourth, 100*time.Millisecond)
	assert.LessOrEqual(t, fourth, 200*time.Millisecond)
}

func TestInTxRetriesConflictsThenSucceeds(t *testing.T) {
	repo := &flakyRepo{Store: memory.New(), failBefore: 2}
	svc := newTestService(t, repo, Options{})

	runs := 0
	err := svc.inTx(context.Background(), "test", func(_ context.Context, _ store.Tx) error {
		runs++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, repo.calls)
	assert.Equal(t, 1, runs)
}

func TestInTxGivesUpAfterMaxAttempts(t *testing.T) {
	repo := &flakyRepo{Store: memory.New(), failBefore: 100}
	svc := newTestService(t, repo, Options{})

	err := svc.inTx(context.Background(), "test", func(context.Context, store.Tx) error { return nil })
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 4, repo.calls)
}

func TestInTxDoesNotRetryBusinessErrors(t *testing.T) {
	repo := &flakyRepo{Store: memory.New()}
	svc := newTestService(t, repo, Options{})

	boom := errors.New("boom")
	err := svc.inTx(context.Background(), "test", func(context.Context, store.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, repo.calls)
}

func TestInTxMapsDeadlineToTimeout(t *testing.T) {
	repo := stallingRepo{Store: memory.New()}
	svc := newTestService(t, repo, Options{TxTimeout: 20 * time.Millisecond})

	err := svc.inTx(context.Background(), "test", func(context.Context, store.Tx) error { return nil })
	require.ErrorIs(t, err, ErrTimeout)
}

func TestInTxReturnsCallerCancellation(t *testing.T) {
	svc := newTestService(t, memory.New(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.inTx(ctx, "test", func(context.Context, store.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestGetSaleReadsThroughCache(t *testing.T) {
	repo := memory.New()
	cache := newMapCache()
	svc := newTestService(t, repo, Options{Cache: cache})
	productID := addProduct(t, repo, "SKU-A", "20.00", 10, 10)

	sale, err := svc.CreateSale(cashierCtx(), saleRequest(productID, 1))
	require.NoError(t, err)

	got, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.InvoiceNo, got.InvoiceNo)
	assert.Equal(t, 1, cache.hits)

	_, err = svc.GetSale(context.Background(), "sale_missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "sale", nf.Entity)
}

func TestListStockEntriesRequiresProduct(t *testing.T) {
	svc := newTestService(t, memory.New(), Options{})
	_, err := svc.ListStockEntries(context.Background(), "prd_missing", 10)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}
