// Package ledger owns product stock levels. Every change to a product's
// current stock goes through here and leaves exactly one StockEntry behind.
package ledger

import (
	"context"
	"fmt"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// InsufficientStockError reports a reservation that would take stock below zero.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == store.ErrInsufficientStock
}

// Movement describes who moved stock and which document it belongs to.
type Movement struct {
	Reference string
	Actor     string
}

type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// Reserve takes qty units out of stock for a sale.
func (l *Ledger) Reserve(ctx context.Context, tx store.StockTx, productID string, qty int, mv Movement) (int, int, error) {
	if qty < 1 {
		return 0, 0, fmt.Errorf("%w: reserve quantity must be at least 1", store.ErrInvalidTransaction)
	}
	return l.apply(ctx, tx, productID, -qty, domain.ReasonSale, mv)
}

// Restore puts qty units back, for customer returns or received purchase orders.
func (l *Ledger) Restore(ctx context.Context, tx store.StockTx, productID string, qty int, reason domain.StockReason, mv Movement) (int, int, error) {
	if qty < 1 {
		return 0, 0, fmt.Errorf("%w: restore quantity must be at least 1", store.ErrInvalidTransaction)
	}
	if reason != domain.ReasonReturn && reason != domain.ReasonPurchase {
		return 0, 0, fmt.Errorf("%w: restore reason %s", store.ErrInvalidTransaction, reason)
	}
	return l.apply(ctx, tx, productID, qty, reason, mv)
}

// Adjust applies a manual signed correction (stock count, damage, data fix).
func (l *Ledger) Adjust(ctx context.Context, tx store.StockTx, productID string, delta int, reason domain.StockReason, mv Movement) (int, int, error) {
	if delta == 0 {
		return 0, 0, fmt.Errorf("%w: adjustment delta must not be zero", store.ErrInvalidTransaction)
	}
	if !domain.ValidAdjustmentReason(reason) {
		return 0, 0, fmt.Errorf("%w: adjustment reason %s", store.ErrInvalidTransaction, reason)
	}
	return l.apply(ctx, tx, productID, delta, reason, mv)
}

func (l *Ledger) apply(ctx context.Context, tx store.StockTx, productID string, delta int, reason domain.StockReason, mv Movement) (int, int, error) {
	product, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		return 0, 0, fmt.Errorf("lock product %s: %w", productID, err)
	}

	prev := product.CurrentStock
	next := prev + delta
	if next < 0 {
		return prev, prev, &InsufficientStockError{ProductID: productID, Available: prev, Requested: -delta}
	}

	at := l.now()
	if err := tx.UpdateProductStock(ctx, productID, next, at); err != nil {
		return 0, 0, fmt.Errorf("update stock %s: %w", productID, err)
	}
	if err := tx.InsertStockEntry(ctx, domain.StockEntry{
		ID:             xid.New("stk"),
		ProductID:      productID,
		QuantityChange: delta,
		PreviousStock:  prev,
		NewStock:       next,
		Reason:         reason,
		Reference:      mv.Reference,
		Actor:          mv.Actor,
		CreatedAt:      at,
	}); err != nil {
		return 0, 0, fmt.Errorf("append stock entry %s: %w", productID, err)
	}
	return prev, next, nil
}
