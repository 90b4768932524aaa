package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// CreateSale prices the cart from stored products, reserves stock, assigns an
// invoice number and persists the sale, all in one store transaction.
//
// A request carrying an idempotency key that already produced a sale returns
// that sale unchanged, so resubmitting after ErrConflict or ErrTimeout never
// creates a second one.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.Sale, error) {
	req = normalizeSaleRequest(ctx, req)
	if err := validateSaleRequest(req); err != nil {
		return domain.Sale{}, err
	}

	var (
		sale     domain.Sale
		replayed bool
	)
	err := s.inTx(ctx, "create sale", func(ctx context.Context, tx store.Tx) error {
		replayed = false
		if req.IdempotencyKey != "" {
			existing, err := tx.FindSaleByIdempotency(ctx, req.IdempotencyKey)
			if err == nil {
				sale = *existing
				replayed = true
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("lookup idempotency key: %w", err)
			}
		}

		built, err := s.checkout(ctx, tx, req)
		if err != nil {
			return err
		}
		sale = built
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	if replayed {
		s.logger.Info("sale replayed from idempotency key", zap.String("sale_id", sale.ID), zap.String("invoice_no", sale.InvoiceNo))
		return sale, nil
	}

	s.emit(ctx, "sale.created", "sale", sale.ID, map[string]any{
		"invoiceNo":     sale.InvoiceNo,
		"grandTotal":    sale.GrandTotal.StringFixed(domain.MoneyPlaces),
		"paymentMethod": sale.PaymentMethod,
		"items":         len(sale.Items),
	})
	s.cacheSale(ctx, &sale)
	return sale, nil
}

// checkout is the body of one CreateSale attempt.
func (s *Service) checkout(ctx context.Context, tx store.Tx, req domain.CreateSaleRequest) (domain.Sale, error) {
	// Lock every product up front in id order so concurrent carts sharing
	// products always queue in the same order.
	products := make(map[string]domain.Product, len(req.Items))
	for _, id := range uniqueProductIDs(req.Items) {
		product, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Sale{}, &NotFoundError{Entity: "product", ID: id}
			}
			return domain.Sale{}, fmt.Errorf("lock product %s: %w", id, err)
		}
		if !product.Active {
			return domain.Sale{}, &NotFoundError{Entity: "product", ID: id}
		}
		products[id] = *product
	}

	invoiceNo, err := s.sequencer.Next(ctx, tx, domain.SequenceInvoice)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("allocate invoice number: %w", err)
	}

	mv := ledger.Movement{Reference: invoiceNo, Actor: req.CashierID}
	for _, item := range req.Items {
		if _, _, err := s.ledger.Reserve(ctx, tx, item.ProductID, item.Quantity, mv); err != nil {
			return domain.Sale{}, err
		}
	}

	now := s.now()
	sale := domain.Sale{
		ID:              xid.New("sale"),
		InvoiceNo:       invoiceNo,
		IdempotencyKey:  req.IdempotencyKey,
		CashierID:       req.CashierID,
		CustomerID:      req.CustomerID,
		DiscountPercent: req.Discount,
		PaymentMethod:   req.PaymentMethod,
		Status:          domain.SaleStatusCompleted,
		Notes:           req.Notes,
		Refunds:         []domain.RefundEvent{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sale.Items, sale.Subtotal, sale.DiscountAmount, sale.TaxAmount, sale.GrandTotal = priceItems(req.Items, products, req.Discount)

	sale.AmountPaid = sale.GrandTotal
	if req.AmountPaid != nil {
		sale.AmountPaid = domain.RoundMoney(*req.AmountPaid)
	}
	if sale.PaymentMethod == domain.PaymentCash && sale.AmountPaid.LessThan(sale.GrandTotal) {
		verr := &ValidationError{}
		verr.add("amountPaid", "cash tendered %s is less than grand total %s",
			sale.AmountPaid.StringFixed(domain.MoneyPlaces), sale.GrandTotal.StringFixed(domain.MoneyPlaces))
		return domain.Sale{}, verr
	}
	sale.ChangeAmount = sale.AmountPaid.Sub(sale.GrandTotal)

	if err := tx.InsertSale(ctx, sale); err != nil {
		return domain.Sale{}, fmt.Errorf("insert sale %s: %w", invoiceNo, err)
	}
	return sale, nil
}

// priceItems freezes the line snapshots and computes the sale totals. Totals are
// accumulated unrounded and rounded once at the end; the stored line amounts are
// rounded individually for display.
func priceItems(reqItems []domain.SaleItemRequest, products map[string]domain.Product, discountPct decimal.Decimal) (items []domain.SaleItem, subtotal, discount, tax, grand decimal.Decimal) {
	items = make([]domain.SaleItem, 0, len(reqItems))
	subtotal, tax = decimal.Zero, decimal.Zero
	for _, item := range reqItems {
		product := products[item.ProductID]
		lineSubtotal := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		lineTax := domain.PercentOf(lineSubtotal, product.TaxRate)

		items = append(items, domain.SaleItem{
			ProductID: product.ID,
			Name:      product.Name,
			SKU:       product.SKU,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
			TaxRate:   product.TaxRate,
			Subtotal:  domain.RoundMoney(lineSubtotal),
			TaxAmount: domain.RoundMoney(lineTax),
			LineTotal: domain.RoundMoney(lineSubtotal.Add(lineTax)),
		})
		subtotal = subtotal.Add(lineSubtotal)
		tax = tax.Add(lineTax)
	}

	discount = domain.PercentOf(subtotal, discountPct)
	grand = subtotal.Sub(discount).Add(tax)
	return items, domain.RoundMoney(subtotal), domain.RoundMoney(discount), domain.RoundMoney(tax), domain.RoundMoney(grand)
}

func normalizeSaleRequest(ctx context.Context, req domain.CreateSaleRequest) domain.CreateSaleRequest {
	req.CashierID = actorName(ctx, strings.TrimSpace(req.CashierID))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.PaymentMethod = strings.ToUpper(strings.TrimSpace(req.PaymentMethod))
	req.Notes = strings.TrimSpace(req.Notes)
	if req.CustomerID != nil {
		customer := strings.TrimSpace(*req.CustomerID)
		if customer == "" {
			req.CustomerID = nil
		} else {
			req.CustomerID = &customer
		}
	}
	items := make([]domain.SaleItemRequest, len(req.Items))
	for i, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		items[i] = item
	}
	req.Items = items
	return req
}

func validateSaleRequest(req domain.CreateSaleRequest) error {
	verr := &ValidationError{}
	if req.CashierID == "" {
		verr.add("cashierId", "is required")
	}
	if len(req.Items) == 0 {
		verr.add("items", "must contain at least one item")
	}
	for i, item := range req.Items {
		if item.ProductID == "" {
			verr.add(fmt.Sprintf("items[%d].productId", i), "is required")
		}
		if item.Quantity < 1 {
			verr.add(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
	}
	if !domain.ValidPercent(req.Discount) {
		verr.add("discount", "must be between 0 and 100 with at most %d decimal places", domain.PercentPlaces)
	}
	if !domain.ValidPaymentMethod(req.PaymentMethod) {
		verr.add("paymentMethod", "must be one of %s, %s, %s", domain.PaymentCash, domain.PaymentCard, domain.PaymentOther)
	}
	if req.AmountPaid != nil && req.AmountPaid.IsNegative() {
		verr.add("amountPaid", "must not be negative")
	}
	if len(req.IdempotencyKey) > 128 {
		verr.add("idempotencyKey", "must be at most 128 characters")
	}
	return verr.orNil()
}

func uniqueProductIDs(items []domain.SaleItemRequest) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	sort.Strings(ids)
	return ids
}
