package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	req.Supplier = strings.TrimSpace(req.Supplier)
	verr := &ValidationError{}
	if req.Supplier == "" {
		verr.add("supplier", "is required")
	}
	if len(req.Items) == 0 {
		verr.add("items", "must contain at least one item")
	}
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
		item := req.Items[i]
		if item.ProductID == "" {
			verr.add(fmt.Sprintf("items[%d].productId", i), "is required")
		}
		if item.Quantity < 1 {
			verr.add(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
		if !item.UnitCost.IsPositive() {
			verr.add(fmt.Sprintf("items[%d].unitCost", i), "must be greater than 0")
		}
	}
	if err := verr.orNil(); err != nil {
		return domain.PurchaseOrder{}, err
	}

	for _, item := range req.Items {
		if _, err := s.repo.GetProduct(ctx, item.ProductID); err != nil {
			return domain.PurchaseOrder{}, notFound(err, "product", item.ProductID)
		}
	}

	var po domain.PurchaseOrder
	err := s.inTx(ctx, "create purchase order", func(ctx context.Context, tx store.Tx) error {
		orderNo, err := s.sequencer.Next(ctx, tx, domain.SequencePurchaseOrder)
		if err != nil {
			return fmt.Errorf("allocate order number: %w", err)
		}
		po = domain.PurchaseOrder{
			ID:        xid.New("po"),
			OrderNo:   orderNo,
			Supplier:  req.Supplier,
			Status:    domain.PurchaseOrderPending,
			CreatedBy: actorName(ctx, "system"),
			CreatedAt: s.now(),
			Items:     make([]domain.PurchaseOrderItem, 0, len(req.Items)),
		}
		for _, item := range req.Items {
			item.UnitCost = domain.RoundMoney(item.UnitCost)
			po.Items = append(po.Items, item)
		}
		if err := tx.InsertPurchaseOrder(ctx, po); err != nil {
			return fmt.Errorf("insert purchase order %s: %w", orderNo, err)
		}
		return nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.emit(ctx, "purchase_order.created", "purchase_order", po.ID, map[string]any{
		"orderNo":  po.OrderNo,
		"supplier": po.Supplier,
		"items":    len(po.Items),
	})
	return po, nil
}

// ReceivePurchaseOrder books a pending order into stock. Every line is restored
// with reason PURCHASE and the order number as reference, and the product's cost
// price moves to the quantity-weighted average of old and incoming cost.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		verr := &ValidationError{}
		verr.add("id", "is required")
		return domain.PurchaseOrder{}, verr
	}
	receivedBy := actorName(ctx, "system")

	var po domain.PurchaseOrder
	err := s.inTx(ctx, "receive purchase order", func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.GetPurchaseOrderForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &NotFoundError{Entity: "purchase order", ID: id}
			}
			return fmt.Errorf("lock purchase order %s: %w", id, err)
		}
		if locked.Status != domain.PurchaseOrderPending {
			return fmt.Errorf("%w: purchase order %s is %s", ErrInvalidState, locked.OrderNo, locked.Status)
		}

		productIDs := make([]string, 0, len(locked.Items))
		for _, item := range locked.Items {
			productIDs = append(productIDs, item.ProductID)
		}
		if err := lockProducts(ctx, tx, productIDs); err != nil {
			return err
		}

		now := s.now()
		mv := ledger.Movement{Reference: locked.OrderNo, Actor: receivedBy}
		for _, item := range locked.Items {
			product, err := tx.GetProductForUpdate(ctx, item.ProductID)
			if err != nil {
				return fmt.Errorf("lock product %s: %w", item.ProductID, err)
			}
			cost := weightedCost(product.CostPrice, product.CurrentStock, item.UnitCost, item.Quantity)
			if _, _, err := s.ledger.Restore(ctx, tx, item.ProductID, item.Quantity, domain.ReasonPurchase, mv); err != nil {
				return err
			}
			if err := tx.UpdateProductCost(ctx, item.ProductID, cost, now); err != nil {
				return fmt.Errorf("update cost of %s: %w", item.ProductID, err)
			}
		}

		if err := tx.MarkPurchaseOrderReceived(ctx, id, receivedBy, now); err != nil {
			return fmt.Errorf("mark purchase order %s received: %w", locked.OrderNo, err)
		}
		po = *locked
		po.Status = domain.PurchaseOrderReceived
		po.ReceivedBy = &receivedBy
		po.ReceivedAt = &now
		return nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.emit(ctx, "purchase_order.received", "purchase_order", po.ID, map[string]any{
		"orderNo":    po.OrderNo,
		"receivedBy": receivedBy,
	})
	return po, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, id)
	if err != nil {
		return domain.PurchaseOrder{}, notFound(err, "purchase order", id)
	}
	return *po, nil
}

// AdjustStock records a manual stock correction through the ledger.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockAdjustmentResult, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = domain.StockReason(strings.ToUpper(strings.TrimSpace(string(req.Reason))))
	req.Note = strings.TrimSpace(req.Note)

	verr := &ValidationError{}
	if req.ProductID == "" {
		verr.add("productId", "is required")
	}
	if req.Delta == 0 {
		verr.add("delta", "must not be zero")
	}
	if !domain.ValidAdjustmentReason(req.Reason) {
		verr.add("reason", "must be one of %s, %s, %s", domain.ReasonAdjustment, domain.ReasonDamage, domain.ReasonCorrection)
	}
	if err := verr.orNil(); err != nil {
		return domain.StockAdjustmentResult{}, err
	}

	actor := actorName(ctx, "system")
	result := domain.StockAdjustmentResult{ProductID: req.ProductID}
	err := s.inTx(ctx, "adjust stock", func(ctx context.Context, tx store.Tx) error {
		prev, next, err := s.ledger.Adjust(ctx, tx, req.ProductID, req.Delta, req.Reason, ledger.Movement{Reference: req.Note, Actor: actor})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &NotFoundError{Entity: "product", ID: req.ProductID}
			}
			return err
		}
		result.PreviousStock, result.NewStock = prev, next
		return nil
	})
	if err != nil {
		return domain.StockAdjustmentResult{}, err
	}

	s.emit(ctx, "stock.adjusted", "product", req.ProductID, map[string]any{
		"delta":         req.Delta,
		"reason":        string(req.Reason),
		"previousStock": result.PreviousStock,
		"newStock":      result.NewStock,
	})
	return result, nil
}

// weightedCost averages the current cost over stock on hand with the incoming
// cost over the received quantity.
func weightedCost(oldCost decimal.Decimal, oldQty int, incomingCost decimal.Decimal, incomingQty int) decimal.Decimal {
	if incomingQty <= 0 || !incomingCost.IsPositive() {
		return oldCost
	}
	if oldQty <= 0 || !oldCost.IsPositive() {
		return domain.RoundMoney(incomingCost)
	}
	totalQty := decimal.NewFromInt(int64(oldQty + incomingQty))
	totalValue := oldCost.Mul(decimal.NewFromInt(int64(oldQty))).Add(incomingCost.Mul(decimal.NewFromInt(int64(incomingQty))))
	return domain.RoundMoney(totalValue.Div(totalQty))
}
