package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
)

var _ store.Repository = (*Store)(nil)
var _ store.Tx = (*pgTx)(nil)

func TestClassifyMapsConflictCodes(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03", "23505"} {
		err := classify(fmt.Errorf("insert: %w", &pgconn.PgError{Code: code, Message: "boom"}))
		assert.ErrorIs(t, err, store.ErrConflict, code)
	}

	err := classify(&pgconn.PgError{Code: "23514", ConstraintName: "products_current_stock_check"})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	plain := errors.New("plain")
	assert.Same(t, plain, classify(plain))

	syntax := &pgconn.PgError{Code: "42601"}
	assert.NotErrorIs(t, classify(syntax), store.ErrConflict)
	assert.Nil(t, classify(nil))
}

func TestTransactionsRunReadCommitted(t *testing.T) {
	assert.Equal(t, sql.LevelReadCommitted, txIsolation)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("KASIRLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASIRLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedProduct(t *testing.T, s *Store, stock int) string {
	t.Helper()
	stamp := time.Now().UnixNano()
	product, err := s.CreateProduct(context.Background(), domain.Product{
		SKU:          fmt.Sprintf("SKU-IT-%d", stamp),
		Name:         "Produk Integrasi",
		Price:        decimal.RequireFromString("20.00"),
		TaxRate:      decimal.NewFromInt(10),
		CurrentStock: stock,
		Active:       true,
	})
	require.NoError(t, err)
	return product.ID
}

func TestReserveSequenceIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	kind := domain.SequenceKind(fmt.Sprintf("IT%d", time.Now().UnixNano()%1_000_000))
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sequences WHERE kind = $1`, string(kind))
	})

	var got []int64
	for i := 0; i < 3; i++ {
		err := s.WithinTx(ctx, func(tx store.Tx) error {
			seq, err := tx.ReserveSequence(ctx, kind, domain.Sequence{Kind: kind, Prefix: "IT", NextValue: 1001})
			if err != nil {
				return err
			}
			got = append(got, seq.NextValue)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1001, 1002, 1003}, got)

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.ReserveSequence(ctx, kind, domain.Sequence{Kind: kind, Prefix: "IT", NextValue: 1001}); err != nil {
			return err
		}
		return errors.New("rollback")
	})
	require.Error(t, err)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		seq, err := tx.ReserveSequence(ctx, kind, domain.Sequence{})
		if err != nil {
			return err
		}
		assert.EqualValues(t, 1004, seq.NextValue, "a rolled back reservation is not consumed")
		return nil
	})
	require.NoError(t, err)
}

func TestSaleRoundTripWithRefunds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 10)
	stamp := time.Now().UnixNano()
	sale := domain.Sale{
		ID:             fmt.Sprintf("sale_it_%d", stamp),
		InvoiceNo:      fmt.Sprintf("INV-IT-%d", stamp),
		IdempotencyKey: fmt.Sprintf("idem-it-%d", stamp),
		CashierID:      "kasir1",
		Items: []domain.SaleItem{{
			ProductID: productID, Name: "Produk Integrasi", SKU: "SKU", Quantity: 3,
			UnitPrice: decimal.RequireFromString("20.00"), TaxRate: decimal.NewFromInt(10),
			Subtotal: decimal.RequireFromString("60.00"), TaxAmount: decimal.RequireFromString("6.00"),
			LineTotal: decimal.RequireFromString("66.00"),
		}},
		Subtotal:      decimal.RequireFromString("60.00"),
		TaxAmount:     decimal.RequireFromString("6.00"),
		GrandTotal:    decimal.RequireFromString("66.00"),
		AmountPaid:    decimal.RequireFromString("66.00"),
		PaymentMethod: domain.PaymentCash,
		Status:        domain.SaleStatusCompleted,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	returnNo := fmt.Sprintf("RET-IT-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_refunds WHERE sale_id = $1`, sale.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, sale.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, sale.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_entries WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, sale)
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertRefundEvent(ctx, sale.ID, domain.RefundEvent{
			ReturnNo: returnNo, Type: domain.RefundPartial, ItemIndices: []int{0},
			Amount: decimal.RequireFromString("66.00"), Reason: "rusak", Actor: "admin", CreatedAt: time.Now().UTC(),
		})
	}))

	got, err := s.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.InvoiceNo, got.InvoiceNo)
	assert.Nil(t, got.CustomerID)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].LineTotal.Equal(decimal.RequireFromString("66.00")))
	require.Len(t, got.Refunds, 1)
	assert.Equal(t, []int{0}, got.Refunds[0].ItemIndices)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		found, err := tx.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
		if err != nil {
			return err
		}
		assert.Equal(t, sale.ID, found.ID)
		inUse, err := tx.NumberInUse(ctx, domain.SequenceReturn, returnNo)
		assert.True(t, inUse)
		return err
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, sale)
	})
	require.ErrorIs(t, err, store.ErrConflict, "duplicate invoice numbers surface as conflicts")
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 1)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_entries WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	l := ledger.New()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinTx(ctx, func(tx store.Tx) error {
				_, _, err := l.Reserve(ctx, tx, productID, 1, ledger.Movement{Reference: "IT", Actor: "it"})
				return err
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			// Losers queue on the row lock and then see the committed stock of zero.
			assert.ErrorIs(t, err, store.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	product, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, product.CurrentStock)
}
