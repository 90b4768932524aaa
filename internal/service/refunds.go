package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
)

const defaultRefundReason = "unspecified"

// RefundSale reverses a completed sale, in full or for a subset of its lines.
// Stock for every selected line is restored, a structured refund event is
// appended, and a full refund moves the sale to REFUNDED. The status check and
// all writes share one transaction.
func (s *Service) RefundSale(ctx context.Context, saleID string, req domain.RefundRequest) (domain.RefundResult, error) {
	saleID = strings.TrimSpace(saleID)
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		req.Reason = defaultRefundReason
	}
	if err := validateRefundRequest(saleID, req); err != nil {
		return domain.RefundResult{}, err
	}
	actor := actorName(ctx, "system")

	var (
		result  domain.RefundResult
		invoice string
	)
	err := s.inTx(ctx, "refund sale", func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSaleForUpdate(ctx, saleID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &NotFoundError{Entity: "sale", ID: saleID}
			}
			return fmt.Errorf("lock sale %s: %w", saleID, err)
		}
		if sale.Status != domain.SaleStatusCompleted {
			return fmt.Errorf("%w: sale %s is %s", ErrInvalidState, sale.InvoiceNo, sale.Status)
		}

		indices, err := selectRefundItems(sale, req)
		if err != nil {
			return err
		}
		amount := refundAmount(sale, req.Type, indices)

		productIDs := make([]string, 0, len(indices))
		for _, idx := range indices {
			productIDs = append(productIDs, sale.Items[idx].ProductID)
		}
		if err := lockProducts(ctx, tx, productIDs); err != nil {
			return err
		}

		returnNo, err := s.sequencer.Next(ctx, tx, domain.SequenceReturn)
		if err != nil {
			return fmt.Errorf("allocate return number: %w", err)
		}

		mv := ledger.Movement{Reference: returnNo, Actor: actor}
		for _, idx := range indices {
			item := sale.Items[idx]
			if _, _, err := s.ledger.Restore(ctx, tx, item.ProductID, item.Quantity, domain.ReasonReturn, mv); err != nil {
				return err
			}
		}

		now := s.now()
		event := domain.RefundEvent{
			ReturnNo:    returnNo,
			Type:        req.Type,
			ItemIndices: indices,
			Amount:      amount,
			Reason:      req.Reason,
			Actor:       actor,
			CreatedAt:   now,
		}
		if err := tx.InsertRefundEvent(ctx, sale.ID, event); err != nil {
			return fmt.Errorf("insert refund %s: %w", returnNo, err)
		}

		status := sale.Status
		if req.Type == domain.RefundFull {
			status = domain.SaleStatusRefunded
			if err := tx.UpdateSaleStatus(ctx, sale.ID, status, now); err != nil {
				return fmt.Errorf("mark sale %s refunded: %w", sale.InvoiceNo, err)
			}
		}

		invoice = sale.InvoiceNo
		result = domain.RefundResult{
			RefundAmount: amount,
			Type:         req.Type,
			ReturnNo:     returnNo,
			Status:       status,
		}
		return nil
	})
	if err != nil {
		return domain.RefundResult{}, err
	}

	s.evictSale(ctx, saleID)
	s.emit(ctx, "sale.refunded", "sale", saleID, map[string]any{
		"invoiceNo": invoice,
		"returnNo":  result.ReturnNo,
		"type":      result.Type,
		"amount":    result.RefundAmount.StringFixed(domain.MoneyPlaces),
		"reason":    req.Reason,
	})
	return result, nil
}

func validateRefundRequest(saleID string, req domain.RefundRequest) error {
	verr := &ValidationError{}
	if saleID == "" {
		verr.add("id", "is required")
	}
	switch req.Type {
	case domain.RefundFull:
		if len(req.Items) > 0 {
			verr.add("items", "must be empty for a full refund")
		}
	case domain.RefundPartial:
		if len(req.Items) == 0 {
			verr.add("items", "must list at least one item index for a partial refund")
		}
		seen := make(map[int]struct{}, len(req.Items))
		for i, idx := range req.Items {
			if idx < 0 {
				verr.add(fmt.Sprintf("items[%d]", i), "must not be negative")
				continue
			}
			if _, dup := seen[idx]; dup {
				verr.add(fmt.Sprintf("items[%d]", i), "duplicates item index %d", idx)
			}
			seen[idx] = struct{}{}
		}
	default:
		verr.add("type", "must be %q or %q", domain.RefundFull, domain.RefundPartial)
	}
	if len(req.Reason) > 500 {
		verr.add("reason", "must be at most 500 characters")
	}
	return verr.orNil()
}

// selectRefundItems returns the sorted line indices a refund covers. A full
// refund takes every line not already returned by an earlier partial refund; it
// may cover no lines at all when only a rounding remainder is still unpaid.
func selectRefundItems(sale *domain.Sale, req domain.RefundRequest) ([]int, error) {
	refunded := sale.RefundedIndices()

	if req.Type == domain.RefundFull {
		indices := make([]int, 0, len(sale.Items))
		for idx := range sale.Items {
			if !refunded[idx] {
				indices = append(indices, idx)
			}
		}
		if len(indices) == 0 && !sale.GrandTotal.Sub(sale.RefundedAmount()).IsPositive() {
			return nil, fmt.Errorf("%w: every item of sale %s was already refunded", ErrInvalidState, sale.InvoiceNo)
		}
		return indices, nil
	}

	verr := &ValidationError{}
	for i, idx := range req.Items {
		if idx >= len(sale.Items) {
			verr.add(fmt.Sprintf("items[%d]", i), "index %d is out of range, sale has %d items", idx, len(sale.Items))
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	for _, idx := range req.Items {
		if refunded[idx] {
			return nil, fmt.Errorf("%w: item %d of sale %s was already refunded", ErrInvalidState, idx, sale.InvoiceNo)
		}
	}

	indices := append([]int(nil), req.Items...)
	sort.Ints(indices)
	return indices, nil
}

// refundAmount is the tax-inclusive total of the selected lines for a partial
// refund, and whatever is left of the grand total for a full one. The running
// total never exceeds the grand total, so discounted sales cannot over-refund.
func refundAmount(sale *domain.Sale, refundType string, indices []int) decimal.Decimal {
	remaining := sale.GrandTotal.Sub(sale.RefundedAmount())
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if refundType == domain.RefundFull {
		return remaining
	}

	amount := decimal.Zero
	for _, idx := range indices {
		amount = amount.Add(sale.Items[idx].LineTotal)
	}
	amount = domain.RoundMoney(amount)
	if amount.GreaterThan(remaining) {
		return remaining
	}
	return amount
}

// lockProducts takes the row locks for the given products in id order.
func lockProducts(ctx context.Context, tx store.StockTx, productIDs []string) error {
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)
	var last string
	for i, id := range ids {
		if i > 0 && id == last {
			continue
		}
		last = id
		if _, err := tx.GetProductForUpdate(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &NotFoundError{Entity: "product", ID: id}
			}
			return fmt.Errorf("lock product %s: %w", id, err)
		}
	}
	return nil
}
