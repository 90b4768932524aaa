package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// memTx stages writes on top of the store. The owning Store's write lock is held
// for the lifetime of the transaction, so reads of the base maps need no locking.
type memTx struct {
	s         *Store
	products  map[string]domain.Product
	entries   []domain.StockEntry
	sales     map[string]*domain.Sale
	newSales  []string
	sequences map[domain.SequenceKind]domain.Sequence
	pos       map[string]domain.PurchaseOrder
	newPOs    []string
}

func (t *memTx) ReserveSequence(_ context.Context, kind domain.SequenceKind, defaults domain.Sequence) (domain.Sequence, error) {
	seq, ok := t.sequences[kind]
	if !ok {
		seq, ok = t.s.sequences[kind]
	}
	if !ok {
		seq = defaults
		seq.Kind = kind
	}
	reserved := seq
	seq.NextValue++
	seq.UpdatedAt = time.Now().UTC()
	t.sequences[kind] = seq
	return reserved, nil
}

func (t *memTx) NumberInUse(_ context.Context, kind domain.SequenceKind, number string) (bool, error) {
	switch kind {
	case domain.SequenceInvoice:
		if _, ok := t.s.salesByInvoice[number]; ok {
			return true, nil
		}
		for _, sale := range t.sales {
			if sale.InvoiceNo == number {
				return true, nil
			}
		}
	case domain.SequenceReturn:
		if _, ok := t.s.salesByReturnNo[number]; ok {
			return true, nil
		}
		for _, sale := range t.sales {
			for _, event := range sale.Refunds {
				if event.ReturnNo == number {
					return true, nil
				}
			}
		}
	case domain.SequencePurchaseOrder:
		if _, ok := t.s.poByOrderNo[number]; ok {
			return true, nil
		}
		for _, po := range t.pos {
			if po.OrderNo == number {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memTx) product(id string) (domain.Product, bool) {
	if product, ok := t.products[id]; ok {
		return product, true
	}
	product, ok := t.s.products[id]
	return product, ok
}

func (t *memTx) GetProductForUpdate(_ context.Context, id string) (*domain.Product, error) {
	product, ok := t.product(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (t *memTx) UpdateProductStock(_ context.Context, id string, stock int, at time.Time) error {
	product, ok := t.product(id)
	if !ok {
		return store.ErrNotFound
	}
	if stock < 0 {
		return store.ErrInsufficientStock
	}
	product.CurrentStock = stock
	product.UpdatedAt = at
	t.products[id] = product
	return nil
}

func (t *memTx) UpdateProductCost(_ context.Context, id string, cost decimal.Decimal, at time.Time) error {
	product, ok := t.product(id)
	if !ok {
		return store.ErrNotFound
	}
	product.CostPrice = cost
	product.UpdatedAt = at
	t.products[id] = product
	return nil
}

func (t *memTx) InsertStockEntry(_ context.Context, entry domain.StockEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("stk")
	}
	t.entries = append(t.entries, entry)
	return nil
}

func (t *memTx) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	if id, ok := t.s.salesByIdem[key]; ok {
		return cloneSale(t.s.sales[id]), nil
	}
	for _, sale := range t.sales {
		if sale.IdempotencyKey != "" && sale.IdempotencyKey == key {
			return cloneSale(sale), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if taken, _ := t.NumberInUse(ctx, domain.SequenceInvoice, sale.InvoiceNo); taken {
		return store.ErrConflict
	}
	if sale.IdempotencyKey != "" {
		if _, err := t.FindSaleByIdempotency(ctx, sale.IdempotencyKey); err == nil {
			return store.ErrConflict
		}
	}
	if _, exists := t.s.sales[sale.ID]; exists {
		return store.ErrConflict
	}
	t.sales[sale.ID] = cloneSale(&sale)
	t.newSales = append(t.newSales, sale.ID)
	return nil
}

func (t *memTx) sale(id string) (*domain.Sale, bool) {
	if sale, ok := t.sales[id]; ok {
		return sale, true
	}
	base, ok := t.s.sales[id]
	if !ok {
		return nil, false
	}
	staged := cloneSale(base)
	t.sales[id] = staged
	return staged, true
}

func (t *memTx) GetSaleForUpdate(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := t.sale(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (t *memTx) UpdateSaleStatus(_ context.Context, id string, status string, at time.Time) error {
	sale, ok := t.sale(id)
	if !ok {
		return store.ErrNotFound
	}
	sale.Status = status
	sale.UpdatedAt = at
	return nil
}

func (t *memTx) InsertRefundEvent(ctx context.Context, saleID string, event domain.RefundEvent) error {
	if taken, _ := t.NumberInUse(ctx, domain.SequenceReturn, event.ReturnNo); taken {
		return store.ErrConflict
	}
	sale, ok := t.sale(saleID)
	if !ok {
		return store.ErrNotFound
	}
	sale.Refunds = append(sale.Refunds, event)
	sale.UpdatedAt = event.CreatedAt
	return nil
}

func (t *memTx) purchaseOrder(id string) (domain.PurchaseOrder, bool) {
	if po, ok := t.pos[id]; ok {
		return po, true
	}
	po, ok := t.s.purchaseOrders[id]
	if !ok {
		return domain.PurchaseOrder{}, false
	}
	return clonePurchaseOrder(po), true
}

func (t *memTx) InsertPurchaseOrder(ctx context.Context, po domain.PurchaseOrder) error {
	if taken, _ := t.NumberInUse(ctx, domain.SequencePurchaseOrder, po.OrderNo); taken {
		return store.ErrConflict
	}
	if _, exists := t.purchaseOrder(po.ID); exists {
		return store.ErrConflict
	}
	t.pos[po.ID] = clonePurchaseOrder(po)
	t.newPOs = append(t.newPOs, po.ID)
	return nil
}

func (t *memTx) GetPurchaseOrderForUpdate(_ context.Context, id string) (*domain.PurchaseOrder, error) {
	po, ok := t.purchaseOrder(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &po, nil
}

func (t *memTx) MarkPurchaseOrderReceived(_ context.Context, id string, receivedBy string, at time.Time) error {
	po, ok := t.purchaseOrder(id)
	if !ok {
		return store.ErrNotFound
	}
	po.Status = domain.PurchaseOrderReceived
	po.ReceivedBy = &receivedBy
	po.ReceivedAt = &at
	t.pos[id] = po
	return nil
}

func (t *memTx) apply() {
	s := t.s
	for id, product := range t.products {
		s.products[id] = product
	}
	s.stockEntries = append(s.stockEntries, t.entries...)
	for kind, seq := range t.sequences {
		s.sequences[kind] = seq
	}
	for id, sale := range t.sales {
		s.sales[id] = sale
		s.salesByInvoice[sale.InvoiceNo] = id
		if sale.IdempotencyKey != "" {
			s.salesByIdem[sale.IdempotencyKey] = id
		}
		for _, event := range sale.Refunds {
			s.salesByReturnNo[event.ReturnNo] = id
		}
	}
	s.saleOrder = append(s.saleOrder, t.newSales...)
	for id, po := range t.pos {
		s.purchaseOrders[id] = po
		s.poByOrderNo[po.OrderNo] = id
	}
	s.poOrder = append(s.poOrder, t.newPOs...)
}
