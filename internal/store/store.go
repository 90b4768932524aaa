package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrConflict marks a transaction the store aborted because of a concurrent writer.
	// Nothing from the aborted attempt is visible; the whole unit of work may be retried.
	ErrConflict = errors.New("write conflict")
)

// Repository is the durable ledger store. Mutations that must be atomic go through
// WithinTx; the remaining methods are standalone reads and bookkeeping writes.
type Repository interface {
	// WithinTx runs fn inside one store transaction and commits when fn returns nil.
	// fn may be invoked once per call; callers own any retry. fn must only use tx,
	// never the Repository itself.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	// GetProductBySKU also returns inactive products.
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)

	GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// SequenceTx is the slice of a transaction the invoice sequencer needs.
type SequenceTx interface {
	// ReserveSequence atomically returns the kind's current counter and advances it by one.
	// A missing counter row is created from defaults within the same transaction.
	ReserveSequence(ctx context.Context, kind domain.SequenceKind, defaults domain.Sequence) (domain.Sequence, error)
	// NumberInUse reports whether a document of the kind already carries number.
	NumberInUse(ctx context.Context, kind domain.SequenceKind, number string) (bool, error)
}

// StockTx is the slice of a transaction the inventory ledger needs.
type StockTx interface {
	// GetProductForUpdate reads the product and holds its row lock until the transaction ends.
	GetProductForUpdate(ctx context.Context, id string) (*domain.Product, error)
	UpdateProductStock(ctx context.Context, id string, stock int, at time.Time) error
	InsertStockEntry(ctx context.Context, entry domain.StockEntry) error
}

type Tx interface {
	SequenceTx
	StockTx

	UpdateProductCost(ctx context.Context, id string, cost decimal.Decimal, at time.Time) error

	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	GetSaleForUpdate(ctx context.Context, id string) (*domain.Sale, error)
	UpdateSaleStatus(ctx context.Context, id string, status string, at time.Time) error
	InsertRefundEvent(ctx context.Context, saleID string, event domain.RefundEvent) error

	InsertPurchaseOrder(ctx context.Context, po domain.PurchaseOrder) error
	GetPurchaseOrderForUpdate(ctx context.Context, id string) (*domain.PurchaseOrder, error)
	MarkPurchaseOrderReceived(ctx context.Context, id string, receivedBy string, at time.Time) error
}
