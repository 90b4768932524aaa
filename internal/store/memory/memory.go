package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// Store keeps the whole ledger in process. WithinTx serialises writers on one
// lock and applies a staged change set only when the callback succeeds, so an
// aborted transaction leaves no trace.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	productIDBySKU  map[string]string
	stockEntries    []domain.StockEntry
	sales           map[string]*domain.Sale
	saleOrder       []string
	salesByInvoice  map[string]string
	salesByIdem     map[string]string
	salesByReturnNo map[string]string
	sequences       map[domain.SequenceKind]domain.Sequence
	purchaseOrders  map[string]domain.PurchaseOrder
	poOrder         []string
	poByOrderNo     map[string]string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		productIDBySKU:  make(map[string]string),
		stockEntries:    make([]domain.StockEntry, 0, 256),
		sales:           make(map[string]*domain.Sale),
		salesByInvoice:  make(map[string]string),
		salesByIdem:     make(map[string]string),
		salesByReturnNo: make(map[string]string),
		sequences:       make(map[domain.SequenceKind]domain.Sequence),
		purchaseOrders:  make(map[string]domain.PurchaseOrder),
		poByOrderNo:     make(map[string]string),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the demo accounts. Passwords come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD; the dev defaults are only used (with a warning) when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small demo catalogue and the demo accounts.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	ppn := decimal.NewFromInt(11)
	for _, p := range []struct {
		id, sku, name, price, cost string
		tax                        decimal.Decimal
	}{
		{"prd-mie-01", "SKU-MIE-01", "Mie Goreng Instan", "3500", "2730", ppn},
		{"prd-telur-01", "SKU-TELUR-01", "Telur 10 Butir", "26500", "23055", decimal.Zero},
		{"prd-susu-01", "SKU-SUSU-01", "Susu UHT 1L", "18900", "13608", ppn},
		{"prd-roti-01", "SKU-ROTI-01", "Roti Tawar", "17800", "12460", ppn},
		{"prd-kopi-01", "SKU-KOPI-01", "Kopi Sachet", "2600", "1716", ppn},
		{"prd-gula-01", "SKU-GULA-01", "Gula 1kg", "17400", "15312", decimal.Zero},
		{"prd-teh-01", "SKU-TEH-01", "Teh Celup", "9800", "7252", ppn},
		{"prd-air-01", "SKU-AIR-01", "Air Mineral 600ml", "3900", "3198", ppn},
		{"prd-sabun-01", "SKU-SABUN-01", "Sabun Mandi", "7400", "5032", ppn},
	} {
		_, _ = s.CreateProduct(context.Background(), domain.Product{
			ID:                p.id,
			SKU:               p.sku,
			Name:              p.name,
			Price:             decimal.RequireFromString(p.price),
			CostPrice:         decimal.RequireFromString(p.cost),
			TaxRate:           p.tax,
			CurrentStock:      120,
			LowStockThreshold: 10,
			Active:            true,
		})
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		products:  make(map[string]domain.Product),
		sales:     make(map[string]*domain.Sale),
		sequences: make(map[domain.SequenceKind]domain.Sequence),
		pos:       make(map[string]domain.PurchaseOrder),
	}
	if err := fn(tx); err != nil {
		return err
	}
	// A caller that gave up must not see its work committed behind its back.
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" || product.Price.IsNegative() || product.CurrentStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if !domain.ValidPercent(product.TaxRate) {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.productIDBySKU[product.SKU]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.ID] = product
	s.productIDBySKU[product.SKU] = product.ID
	return &product, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.productIDBySKU[strings.ToUpper(strings.TrimSpace(sku))]
	if !ok {
		return nil, store.ErrNotFound
	}
	product := s.products[id]
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		if product.Active {
			products = append(products, product)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) ListStockEntries(_ context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.StockEntry, 0, 32)
	for i := len(s.stockEntries) - 1; i >= 0; i-- {
		entry := s.stockEntries[i]
		if productID != "" && entry.ProductID != productID {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, min(len(s.saleOrder), max(limit, 0)))
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		sales = append(sales, *cloneSale(s.sales[s.saleOrder[i]]))
		if limit > 0 && len(sales) >= limit {
			break
		}
	}
	return sales, nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, id string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, ok := s.purchaseOrders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := clonePurchaseOrder(po)
	return &cloned, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status = strings.ToUpper(strings.TrimSpace(status))
	out := make([]domain.PurchaseOrder, 0, 16)
	for i := len(s.poOrder) - 1; i >= 0; i-- {
		po := s.purchaseOrders[s.poOrder[i]]
		if status != "" && po.Status != status {
			continue
		}
		out = append(out, clonePurchaseOrder(po))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		logs = append(logs, s.auditLogs[i])
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(src *domain.Sale) *domain.Sale {
	dst := *src
	dst.Items = slices.Clone(src.Items)
	if src.CustomerID != nil {
		customerID := *src.CustomerID
		dst.CustomerID = &customerID
	}
	dst.Refunds = make([]domain.RefundEvent, len(src.Refunds))
	for i, event := range src.Refunds {
		event.ItemIndices = slices.Clone(event.ItemIndices)
		dst.Refunds[i] = event
	}
	return &dst
}

func clonePurchaseOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	dst := src
	dst.Items = slices.Clone(src.Items)
	if src.ReceivedBy != nil {
		receivedBy := *src.ReceivedBy
		dst.ReceivedBy = &receivedBy
	}
	if src.ReceivedAt != nil {
		receivedAt := *src.ReceivedAt
		dst.ReceivedAt = &receivedAt
	}
	return dst
}
