package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SaleStatusCompleted = "COMPLETED"
	SaleStatusRefunded  = "REFUNDED"
	SaleStatusCancelled = "CANCELLED"
)

const (
	PaymentCash  = "CASH"
	PaymentCard  = "CARD"
	PaymentOther = "OTHER"
)

const (
	RefundFull    = "full"
	RefundPartial = "partial"
)

const (
	PurchaseOrderPending   = "PENDING"
	PurchaseOrderReceived  = "RECEIVED"
	PurchaseOrderCancelled = "CANCELLED"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type StockReason string

const (
	ReasonPurchase   StockReason = "PURCHASE"
	ReasonSale       StockReason = "SALE"
	ReasonAdjustment StockReason = "ADJUSTMENT"
	ReasonDamage     StockReason = "DAMAGE"
	ReasonReturn     StockReason = "RETURN"
	ReasonCorrection StockReason = "CORRECTION"
)

// SequenceKind selects the counter, and the default prefix, used to mint a document number.
type SequenceKind string

const (
	SequenceInvoice       SequenceKind = "INV"
	SequenceReturn        SequenceKind = "RET"
	SequencePurchaseOrder SequenceKind = "PO"
)

type Product struct {
	ID                string          `json:"id" db:"id"`
	SKU               string          `json:"sku" db:"sku"`
	Name              string          `json:"name" db:"name"`
	Price             decimal.Decimal `json:"price" db:"price"`
	CostPrice         decimal.Decimal `json:"costPrice" db:"cost_price"`
	TaxRate           decimal.Decimal `json:"taxRate" db:"tax_rate"`
	CurrentStock      int             `json:"currentStock" db:"current_stock"`
	LowStockThreshold int             `json:"lowStockThreshold" db:"low_stock_threshold"`
	Active            bool            `json:"active" db:"active"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

func (p Product) LowStock() bool {
	return p.CurrentStock <= p.LowStockThreshold
}

// StockEntry is an immutable stock movement. Entries are only ever appended.
type StockEntry struct {
	ID             string      `json:"id" db:"id"`
	ProductID      string      `json:"productId" db:"product_id"`
	QuantityChange int         `json:"quantityChange" db:"quantity_change"`
	PreviousStock  int         `json:"previousStock" db:"previous_stock"`
	NewStock       int         `json:"newStock" db:"new_stock"`
	Reason         StockReason `json:"reason" db:"reason"`
	Reference      string      `json:"reference,omitempty" db:"reference"`
	Actor          string      `json:"actor" db:"actor"`
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`
}

// SaleItem is a frozen snapshot of the product at checkout time.
type SaleItem struct {
	ProductID string          `json:"productId" db:"product_id"`
	Name      string          `json:"name" db:"name"`
	SKU       string          `json:"sku" db:"sku"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice" db:"unit_price"`
	TaxRate   decimal.Decimal `json:"taxRate" db:"tax_rate"`
	Subtotal  decimal.Decimal `json:"subtotal" db:"subtotal"`
	TaxAmount decimal.Decimal `json:"taxAmount" db:"tax_amount"`
	LineTotal decimal.Decimal `json:"lineTotal" db:"line_total"`
}

type RefundEvent struct {
	ReturnNo    string          `json:"returnNo" db:"return_no"`
	Type        string          `json:"type" db:"type"`
	ItemIndices []int           `json:"itemIndices" db:"-"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Reason      string          `json:"reason" db:"reason"`
	Actor       string          `json:"actor" db:"actor"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

type Sale struct {
	ID              string          `json:"id" db:"id"`
	InvoiceNo       string          `json:"invoiceNo" db:"invoice_no"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	CashierID       string          `json:"cashierId" db:"cashier_id"`
	CustomerID      *string         `json:"customerId,omitempty" db:"customer_id"`
	Items           []SaleItem      `json:"items" db:"-"`
	Subtotal        decimal.Decimal `json:"subtotal" db:"subtotal"`
	DiscountPercent decimal.Decimal `json:"discountPercent" db:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discountAmount" db:"discount_amount"`
	TaxAmount       decimal.Decimal `json:"taxAmount" db:"tax_amount"`
	GrandTotal      decimal.Decimal `json:"grandTotal" db:"grand_total"`
	PaymentMethod   string          `json:"paymentMethod" db:"payment_method"`
	AmountPaid      decimal.Decimal `json:"amountPaid" db:"amount_paid"`
	ChangeAmount    decimal.Decimal `json:"changeAmount" db:"change_amount"`
	Status          string          `json:"status" db:"status"`
	Notes           string          `json:"notes,omitempty" db:"notes"`
	Refunds         []RefundEvent   `json:"refunds" db:"-"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// RefundedIndices reports which line items were already returned by earlier refunds.
func (s Sale) RefundedIndices() map[int]bool {
	out := make(map[int]bool)
	for _, event := range s.Refunds {
		for _, idx := range event.ItemIndices {
			out[idx] = true
		}
	}
	return out
}

// RefundedAmount sums every refund already paid out against the sale.
func (s Sale) RefundedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, event := range s.Refunds {
		total = total.Add(event.Amount)
	}
	return total
}

// Sequence is the per-kind counter row. NextValue is the value the next reservation returns.
type Sequence struct {
	Kind      SequenceKind `json:"kind" db:"kind"`
	Prefix    string       `json:"prefix" db:"prefix"`
	NextValue int64        `json:"nextValue" db:"next_value"`
	UpdatedAt time.Time    `json:"updatedAt" db:"updated_at"`
}

type PurchaseOrderItem struct {
	ProductID string          `json:"productId" db:"product_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitCost  decimal.Decimal `json:"unitCost" db:"unit_cost"`
}

type PurchaseOrder struct {
	ID         string              `json:"id" db:"id"`
	OrderNo    string              `json:"orderNo" db:"order_no"`
	Supplier   string              `json:"supplier" db:"supplier"`
	Status     string              `json:"status" db:"status"`
	CreatedBy  string              `json:"createdBy" db:"created_by"`
	ReceivedBy *string             `json:"receivedBy,omitempty" db:"received_by"`
	CreatedAt  time.Time           `json:"createdAt" db:"created_at"`
	ReceivedAt *time.Time          `json:"receivedAt,omitempty" db:"received_at"`
	Items      []PurchaseOrderItem `json:"items" db:"-"`
}

type AuditLog struct {
	ID         string    `json:"id" db:"id"`
	Action     string    `json:"action" db:"action"`
	ActorID    string    `json:"actorId" db:"actor_id"`
	TargetType string    `json:"targetType" db:"target_type"`
	TargetID   string    `json:"targetId" db:"target_id"`
	Details    string    `json:"details" db:"details"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}
