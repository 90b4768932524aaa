package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

const (
	productColumns = `id, sku, name, price, cost_price, tax_rate, current_stock, low_stock_threshold, active, created_at, updated_at`
	saleColumns    = `id, invoice_no, COALESCE(idempotency_key, '') AS idempotency_key, cashier_id, customer_id,
		subtotal, discount_percent, discount_amount, tax_amount, grand_total,
		payment_method, amount_paid, change_amount, status, notes, created_at, updated_at`
	purchaseOrderColumns = `id, order_no, supplier, status, created_by, received_by, created_at, received_at`
)

type Store struct {
	db *sqlx.DB
}

// New opens a pool on the pgx stdlib driver and fails fast when the server is
// unreachable.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(connectCtx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Every row a unit of work depends on is taken with FOR UPDATE or the sequence
// upsert, so waiters queue on the lock and then read the holder's committed rows.
const txIsolation = sql.LevelReadCommitted

// WithinTx runs fn in one transaction. Deadlocks, lock timeouts, serialization
// failures and unique violations come back as store.ErrConflict.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: txIsolation})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" || product.Price.IsNegative() || product.CurrentStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if !domain.ValidPercent(product.TaxRate) {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (:id, :sku, :name, :price, :cost_price, :tax_rate, :current_stock, :low_stock_threshold, :active, :created_at, :updated_at)
	`, product)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE sku = $1`, strings.ToUpper(strings.TrimSpace(sku)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	if err := s.db.SelectContext(ctx, &products, `SELECT `+productColumns+` FROM products WHERE active = true ORDER BY name`); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	query := `
		SELECT id, product_id, quantity_change, previous_stock, new_stock, reason, reference, actor, created_at
		FROM stock_entries
		WHERE ($1::text = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC`
	args := []any{productID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	entries := make([]domain.StockEntry, 0, 32)
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, s.db, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales ORDER BY created_at DESC, invoice_no DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	sales := make([]domain.Sale, 0, 32)
	if err := s.db.SelectContext(ctx, &sales, query, args...); err != nil {
		return nil, err
	}
	if err := loadSaleDetails(ctx, s.db, sales); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	return getPurchaseOrder(ctx, s.db, `SELECT `+purchaseOrderColumns+` FROM purchase_orders WHERE id = $1`, id)
}

func (s *Store) ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	query := `SELECT ` + purchaseOrderColumns + ` FROM purchase_orders WHERE ($1::text = '' OR status = $1) ORDER BY created_at DESC, order_no DESC`
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	orders := make([]domain.PurchaseOrder, 0, 16)
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, err
	}
	for i := range orders {
		items, err := purchaseOrderItems(ctx, s.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Details == "" {
		entry.Details = "{}"
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, action, actor_id, target_type, target_id, details, created_at)
		VALUES (:id, :action, :actor_id, :target_type, :target_id, :details, :created_at)
	`, entry)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	logs := make([]domain.AuditLog, 0, limit)
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, action, actor_id, target_type, target_id, details, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, account domain.UserAccount) error {
	account.Username = strings.ToLower(strings.TrimSpace(account.Username))
	if account.Username == "" || account.Password == "" {
		return store.ErrInvalidTransaction
	}
	if account.Role == "" {
		account.Role = domain.RoleCashier
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES (:username, :password, :role, :active, :created_at, :created_at)
	`, account)
	if isUniqueViolation(err) {
		return store.ErrInvalidTransaction
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var accounts []domain.UserAccount
	if err := s.db.SelectContext(ctx, &accounts, `SELECT username, password, role, active, created_at FROM app_users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for i := range accounts {
		accounts[i].CreatedAt = accounts[i].CreatedAt.UTC()
	}
	return accounts, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `UPDATE app_users SET password = $2, updated_at = now() WHERE username = $1`, username, password)
	if err != nil {
		return fmt.Errorf("update password for %s: %w", username, err)
	}
	return expectOneRow(res)
}

type saleItemRow struct {
	SaleID string `db:"sale_id"`
	LineNo int    `db:"line_no"`
	domain.SaleItem
}

type refundRow struct {
	SaleID  string `db:"sale_id"`
	Indices string `db:"item_indices"`
	domain.RefundEvent
}

type purchaseOrderItemRow struct {
	LineNo int `db:"line_no"`
	domain.PurchaseOrderItem
}

func getSale(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*domain.Sale, error) {
	var sale domain.Sale
	if err := sqlx.GetContext(ctx, q, &sale, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sales := []domain.Sale{sale}
	if err := loadSaleDetails(ctx, q, sales); err != nil {
		return nil, err
	}
	return &sales[0], nil
}

// loadSaleDetails fills line items and refund history for a page of sales with
// one query per child table.
func loadSaleDetails(ctx context.Context, q sqlx.QueryerContext, sales []domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, len(sales))
	index := make(map[string]int, len(sales))
	for i := range sales {
		ids[i] = sales[i].ID
		index[sales[i].ID] = i
		sales[i].Items = []domain.SaleItem{}
		sales[i].Refunds = []domain.RefundEvent{}
	}

	query, args, err := sqlx.In(`
		SELECT sale_id, line_no, product_id, name, sku, quantity, unit_price, tax_rate, subtotal, tax_amount, line_total
		FROM sale_items
		WHERE sale_id IN (?)
		ORDER BY sale_id, line_no`, ids)
	if err != nil {
		return err
	}
	var items []saleItemRow
	if err := sqlx.SelectContext(ctx, q, &items, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return fmt.Errorf("load sale items: %w", err)
	}
	for _, row := range items {
		i := index[row.SaleID]
		sales[i].Items = append(sales[i].Items, row.SaleItem)
	}

	query, args, err = sqlx.In(`
		SELECT return_no, sale_id, type, item_indices, amount, reason, actor, created_at
		FROM sale_refunds
		WHERE sale_id IN (?)
		ORDER BY created_at, return_no`, ids)
	if err != nil {
		return err
	}
	var refunds []refundRow
	if err := sqlx.SelectContext(ctx, q, &refunds, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return fmt.Errorf("load sale refunds: %w", err)
	}
	for _, row := range refunds {
		event := row.RefundEvent
		if err := json.Unmarshal([]byte(row.Indices), &event.ItemIndices); err != nil {
			return fmt.Errorf("decode refund %s items: %w", event.ReturnNo, err)
		}
		i := index[row.SaleID]
		sales[i].Refunds = append(sales[i].Refunds, event)
	}
	return nil
}

func getPurchaseOrder(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	if err := sqlx.GetContext(ctx, q, &po, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := purchaseOrderItems(ctx, q, po.ID)
	if err != nil {
		return nil, err
	}
	po.Items = items
	return &po, nil
}

func purchaseOrderItems(ctx context.Context, q sqlx.QueryerContext, purchaseOrderID string) ([]domain.PurchaseOrderItem, error) {
	var rows []purchaseOrderItemRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT line_no, product_id, quantity, unit_cost
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY line_no
	`, purchaseOrderID)
	if err != nil {
		return nil, fmt.Errorf("load purchase order items: %w", err)
	}
	items := make([]domain.PurchaseOrderItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.PurchaseOrderItem)
	}
	return items, nil
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Conflict SQLSTATEs: serialization_failure, deadlock_detected, lock_not_available, unique_violation.
var conflictCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"23505": true,
}

// classify maps driver errors that mean "another writer got there first" to
// store.ErrConflict and stock check violations to store.ErrInsufficientStock.
// Anything else is returned unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, store.ErrConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if conflictCodes[pgErr.Code] {
		return fmt.Errorf("%w: %s (%s)", store.ErrConflict, pgErr.Message, pgErr.Code)
	}
	if pgErr.Code == "23514" && strings.Contains(pgErr.ConstraintName, "stock") {
		return fmt.Errorf("%w: %s", store.ErrInsufficientStock, pgErr.ConstraintName)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
