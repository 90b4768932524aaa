package domain

import (
	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}

type SaleItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// CreateSaleRequest carries no prices: every amount is derived from the stored products.
// CashierID is filled from the authenticated actor, never from the request body.
type CreateSaleRequest struct {
	CashierID      string            `json:"-"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	CustomerID     *string           `json:"customerId,omitempty"`
	Items          []SaleItemRequest `json:"items"`
	Discount       decimal.Decimal   `json:"discount"`
	PaymentMethod  string            `json:"paymentMethod"`
	AmountPaid     *decimal.Decimal  `json:"amountPaid,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

type RefundRequest struct {
	Type   string `json:"type"`
	Items  []int  `json:"items,omitempty"`
	Reason string `json:"reason"`
}

type RefundResult struct {
	RefundAmount decimal.Decimal `json:"refundAmount"`
	Type         string          `json:"type"`
	ReturnNo     string          `json:"returnNo"`
	Status       string          `json:"status"`
}

type PurchaseOrderCreateRequest struct {
	Supplier string              `json:"supplier"`
	Items    []PurchaseOrderItem `json:"items"`
}

type StockAdjustmentRequest struct {
	ProductID string      `json:"productId"`
	Delta     int         `json:"delta"`
	Reason    StockReason `json:"reason"`
	Note      string      `json:"note,omitempty"`
}

type StockAdjustmentResult struct {
	ProductID     string `json:"productId"`
	PreviousStock int    `json:"previousStock"`
	NewStock      int    `json:"newStock"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type StockEntryListResponse struct {
	Entries []StockEntry `json:"entries"`
}

type PurchaseOrderListResponse struct {
	PurchaseOrders []PurchaseOrder `json:"purchaseOrders"`
}
