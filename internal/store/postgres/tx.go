package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

type pgTx struct {
	tx *sqlx.Tx
}

// ReserveSequence advances the kind's counter with a single upsert, so the row
// lock it takes is held until the surrounding transaction ends.
func (t *pgTx) ReserveSequence(ctx context.Context, kind domain.SequenceKind, defaults domain.Sequence) (domain.Sequence, error) {
	var seq domain.Sequence
	err := t.tx.GetContext(ctx, &seq, `
		INSERT INTO sequences (kind, prefix, next_value, updated_at)
		VALUES ($1, $2, $3 + 1, now())
		ON CONFLICT (kind)
		DO UPDATE SET next_value = sequences.next_value + 1, updated_at = now()
		RETURNING kind, prefix, next_value - 1 AS next_value, updated_at
	`, string(kind), defaults.Prefix, defaults.NextValue)
	if err != nil {
		return domain.Sequence{}, fmt.Errorf("reserve %s sequence: %w", kind, err)
	}
	return seq, nil
}

func (t *pgTx) NumberInUse(ctx context.Context, kind domain.SequenceKind, number string) (bool, error) {
	var query string
	switch kind {
	case domain.SequenceInvoice:
		query = `SELECT EXISTS(SELECT 1 FROM sales WHERE invoice_no = $1)`
	case domain.SequenceReturn:
		query = `SELECT EXISTS(SELECT 1 FROM sale_refunds WHERE return_no = $1)`
	case domain.SequencePurchaseOrder:
		query = `SELECT EXISTS(SELECT 1 FROM purchase_orders WHERE order_no = $1)`
	default:
		return false, fmt.Errorf("%w: unknown sequence kind %s", store.ErrInvalidTransaction, kind)
	}
	var exists bool
	if err := t.tx.GetContext(ctx, &exists, query, number); err != nil {
		return false, err
	}
	return exists, nil
}

func (t *pgTx) GetProductForUpdate(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := t.tx.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (t *pgTx) UpdateProductStock(ctx context.Context, id string, stock int, at time.Time) error {
	if stock < 0 {
		return store.ErrInsufficientStock
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET current_stock = $2, updated_at = $3 WHERE id = $1`, id, stock, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *pgTx) UpdateProductCost(ctx context.Context, id string, cost decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET cost_price = $2, updated_at = $3 WHERE id = $1`, id, cost, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *pgTx) InsertStockEntry(ctx context.Context, entry domain.StockEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("stk")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_entries (id, product_id, quantity_change, previous_stock, new_stock, reason, reference, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ProductID, entry.QuantityChange, entry.PreviousStock, entry.NewStock,
		string(entry.Reason), entry.Reference, entry.Actor, entry.CreatedAt)
	return err
}

func (t *pgTx) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return getSale(ctx, t.tx, `SELECT `+saleColumns+` FROM sales WHERE idempotency_key = $1`, key)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_no, idempotency_key, cashier_id, customer_id,
			subtotal, discount_percent, discount_amount, tax_amount, grand_total,
			payment_method, amount_paid, change_amount, status, notes, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, sale.ID, sale.InvoiceNo, nullIfEmpty(sale.IdempotencyKey), sale.CashierID, sale.CustomerID,
		sale.Subtotal, sale.DiscountPercent, sale.DiscountAmount, sale.TaxAmount, sale.GrandTotal,
		sale.PaymentMethod, sale.AmountPaid, sale.ChangeAmount, sale.Status, sale.Notes, sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		return err
	}

	for i, item := range sale.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, product_id, name, sku, quantity, unit_price, tax_rate, subtotal, tax_amount, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, sale.ID, i, item.ProductID, item.Name, item.SKU, item.Quantity,
			item.UnitPrice, item.TaxRate, item.Subtotal, item.TaxAmount, item.LineTotal)
		if err != nil {
			return fmt.Errorf("insert sale item %d: %w", i, err)
		}
	}
	return nil
}

func (t *pgTx) GetSaleForUpdate(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, t.tx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) UpdateSaleStatus(ctx context.Context, id string, status string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE sales SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *pgTx) InsertRefundEvent(ctx context.Context, saleID string, event domain.RefundEvent) error {
	indices := event.ItemIndices
	if indices == nil {
		indices = []int{}
	}
	encoded, err := json.Marshal(indices)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sale_refunds (return_no, sale_id, type, item_indices, amount, reason, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, event.ReturnNo, saleID, event.Type, string(encoded), event.Amount, event.Reason, event.Actor, event.CreatedAt)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE sales SET updated_at = $2 WHERE id = $1`, saleID, event.CreatedAt)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *pgTx) InsertPurchaseOrder(ctx context.Context, po domain.PurchaseOrder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, order_no, supplier, status, created_by, received_by, created_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, po.ID, po.OrderNo, po.Supplier, po.Status, po.CreatedBy, po.ReceivedBy, po.CreatedAt, po.ReceivedAt)
	if err != nil {
		return err
	}
	for i, item := range po.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO purchase_order_items (purchase_order_id, line_no, product_id, quantity, unit_cost)
			VALUES ($1,$2,$3,$4,$5)
		`, po.ID, i, item.ProductID, item.Quantity, item.UnitCost)
		if err != nil {
			return fmt.Errorf("insert purchase order item %d: %w", i, err)
		}
	}
	return nil
}

func (t *pgTx) GetPurchaseOrderForUpdate(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	return getPurchaseOrder(ctx, t.tx, `SELECT `+purchaseOrderColumns+` FROM purchase_orders WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) MarkPurchaseOrderReceived(ctx context.Context, id string, receivedBy string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE purchase_orders
		SET status = $2, received_by = $3, received_at = $4
		WHERE id = $1
	`, id, domain.PurchaseOrderReceived, receivedBy, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}
