package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
)

// newTestAPI builds the full stack on an in-memory store: real AuthManager, real
// Service, one admin and one cashier account.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()
	repo := memory.New()
	return newTestAPIWithRepo(t, repo), repo
}

func newTestAPIWithRepo(t *testing.T, repo store.Repository) *API {
	t.Helper()
	for _, u := range []domain.UserAccount{
		{Username: "admin", Password: mustHashPassword(t, "admin-pass"), Role: domain.RoleAdmin, Active: true},
		{Username: "kasir1", Password: mustHashPassword(t, "kasir-pass"), Role: domain.RoleCashier, Active: true},
	} {
		require.NoError(t, repo.CreateUser(context.Background(), u))
	}

	svc := service.New(repo, service.Options{})
	auth := NewAuthManager(testSecret, time.Hour, repo, nil)
	return New(svc, auth, "*", nil)
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func addProduct(t *testing.T, repo store.Repository, sku string, price string, taxRate int64, stock int) string {
	t.Helper()
	product, err := repo.CreateProduct(context.Background(), domain.Product{
		SKU:          sku,
		Name:         "Produk " + sku,
		Price:        decimal.RequireFromString(price),
		TaxRate:      decimal.NewFromInt(taxRate),
		CurrentStock: stock,
		Active:       true,
	})
	require.NoError(t, err)
	return product.ID
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()
	res := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password}, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var body domain.LoginResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.NotEmpty(t, body.AccessToken)
	return body.AccessToken
}

func doJSON(t *testing.T, api *API, method, path, token string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out), res.Body.String())
	return out
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2))
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	res := doJSON(t, api, http.MethodGet, "/healthz", "", nil, nil)

	require.Equal(t, http.StatusOK, res.Code)
	body := decodeBody[map[string]any](t, res)
	assert.Equal(t, true, body["ok"])
}

func TestHandleLogin(t *testing.T) {
	api, _ := newTestAPI(t)

	token := login(t, api, "admin", "admin-pass")
	assert.NotEmpty(t, token)

	res := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestRoutesRequireBearerAndRole(t *testing.T) {
	api, _ := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/api/v1/sales", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = doJSON(t, api, http.MethodGet, "/api/v1/sales", "not-a-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	cashier := login(t, api, "kasir1", "kasir-pass")
	res = doJSON(t, api, http.MethodPost, "/api/v1/sales/sale_x/refund", cashier, domain.RefundRequest{Type: domain.RefundFull}, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = doJSON(t, api, http.MethodPost, "/api/v1/stock/adjustments", cashier, domain.StockAdjustmentRequest{}, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestCreateSaleScenarioA(t *testing.T) {
	api, repo := newTestAPI(t)
	productID := addProduct(t, repo, "SKU-A", "20.00", 10, 10)
	cashier := login(t, api, "kasir1", "kasir-pass")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, map[string]any{
		"items":         []map[string]any{{"productId": productID, "quantity": 3}},
		"paymentMethod": "CASH",
		"amountPaid":    "100",
	}, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	sale := decodeBody[domain.Sale](t, res)
	assert.Equal(t, "INV-001001", sale.InvoiceNo)
	assert.Equal(t, "kasir1", sale.CashierID)
	assertMoney(t, "60.00", sale.Subtotal)
	assertMoney(t, "6.00", sale.TaxAmount)
	assertMoney(t, "66.00", sale.GrandTotal)
	assertMoney(t, "34.00", sale.ChangeAmount)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)

	res = doJSON(t, api, http.MethodGet, "/api/v1/sales/"+sale.ID, cashier, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, sale.InvoiceNo, decodeBody[domain.Sale](t, res).InvoiceNo)

	res = doJSON(t, api, http.MethodGet, "/api/v1/products/"+productID, cashier, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 7, decodeBody[domain.Product](t, res).CurrentStock)

	res = doJSON(t, api, http.MethodGet, "/api/v1/products/"+productID+"/stock-entries", cashier, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	entries := decodeBody[domain.StockEntryListResponse](t, res).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, -3, entries[0].QuantityChange)
	assert.Equal(t, domain.ReasonSale, entries[0].Reason)
	assert.Equal(t, "INV-001001", entries[0].Reference)

	res = doJSON(t, api, http.MethodGet, "/api/v1/sales?limit=5", cashier, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decodeBody[domain.SaleListResponse](t, res).Sales, 1)
}

func TestCreateSaleScenarioBInsufficientStock(t *testing.T) {
	api, repo := newTestAPI(t)
	productID := addProduct(t, repo, "SKU-B", "20.00", 10, 7)
	cashier := login(t, api, "kasir1", "kasir-pass")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, map[string]any{
		"items":         []map[string]any{{"productId": productID, "quantity": 8}},
		"paymentMethod": "CARD",
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.Code, res.Body.String())

	body := decodeBody[errorResponse](t, res)
	assert.Equal(t, "insufficient_stock", body.Code)
	assert.Equal(t, productID, body.Detail["productId"])
	assert.EqualValues(t, 7, body.Detail["available"])
	assert.EqualValues(t, 8, body.Detail["requested"])

	product, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	assert.Equal(t, 7, product.CurrentStock)
}

func TestCreateSaleIdempotencyKeyHeaderReplays(t *testing.T) {
	api, repo := newTestAPI(t)
	productID := addProduct(t, repo, "SKU-I", "5.00", 0, 10)
	cashier := login(t, api, "kasir1", "kasir-pass")
	payload := map[string]any{
		"items":         []map[string]any{{"productId": productID, "quantity": 2}},
		"paymentMethod": "CARD",
	}
	headers := map[string]string{"Idempotency-Key": "till-1-0001"}

	first := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, payload, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, payload, headers)
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())

	a := decodeBody[domain.Sale](t, first)
	b := decodeBody[domain.Sale](t, second)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.InvoiceNo, b.InvoiceNo)

	product, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	assert.Equal(t, 8, product.CurrentStock)
}

func TestCreateSaleErrors(t *testing.T) {
	api, _ := newTestAPI(t)
	cashier := login(t, api, "kasir1", "kasir-pass")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, map[string]any{"items": []any{}, "paymentMethod": "BARTER"}, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	body := decodeBody[errorResponse](t, res)
	assert.Equal(t, "validation_failed", body.Code)
	fields := make([]string, 0, len(body.Fields))
	for _, f := range body.Fields {
		fields = append(fields, f.Field)
	}
	assert.Contains(t, fields, "items")
	assert.Contains(t, fields, "paymentMethod")

	res = doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, map[string]any{
		"items":         []map[string]any{{"productId": "prd_missing", "quantity": 1}},
		"paymentMethod": "CASH",
	}, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "not_found", decodeBody[errorResponse](t, res).Code)

	res = doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, map[string]any{"items": []any{}, "unitPrice": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code, "unknown fields are rejected")

	res = doJSON(t, api, http.MethodGet, "/api/v1/sales/sale_missing", cashier, nil, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestRefundScenarioC(t *testing.T) {
	api, repo := newTestAPI(t)
	productID := addProduct(t, repo, "SKU-C", "20.00", 10, 10)
	cashier := login(t, api, "kasir1", "kasir-pass")
	admin := login(t, api, "admin", "admin-pass")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, map[string]any{
		"items":         []map[string]any{{"productId": productID, "quantity": 3}},
		"paymentMethod": "CARD",
	}, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	sale := decodeBody[domain.Sale](t, res)

	res = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+sale.ID+"/refund", admin, domain.RefundRequest{Type: domain.RefundFull, Reason: "customer changed mind"}, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	result := decodeBody[domain.RefundResult](t, res)
	assertMoney(t, "66.00", result.RefundAmount)
	assert.Equal(t, "RET-001001", result.ReturnNo)
	assert.Equal(t, domain.SaleStatusRefunded, result.Status)

	product, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	assert.Equal(t, 10, product.CurrentStock)

	res = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+sale.ID+"/refund", admin, domain.RefundRequest{Type: domain.RefundFull}, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "invalid_state", decodeBody[errorResponse](t, res).Code)

	res = doJSON(t, api, http.MethodPost, "/api/v1/sales/sale_missing/refund", admin, domain.RefundRequest{Type: domain.RefundFull}, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestPurchaseOrderLifecycle(t *testing.T) {
	api, repo := newTestAPI(t)
	productID := addProduct(t, repo, "SKU-PO", "20.00", 0, 5)
	admin := login(t, api, "admin", "admin-pass")

	res := doJSON(t, api, http.MethodPost, "/api/v1/purchase-orders", admin, map[string]any{
		"supplier": "PT Sumber Makmur",
		"items":    []map[string]any{{"productId": productID, "quantity": 5, "unitCost": "12.50"}},
	}, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	po := decodeBody[domain.PurchaseOrder](t, res)
	assert.Equal(t, "PO-001001", po.OrderNo)

	res = doJSON(t, api, http.MethodGet, "/api/v1/purchase-orders?status=pending", admin, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decodeBody[domain.PurchaseOrderListResponse](t, res).PurchaseOrders, 1)

	res = doJSON(t, api, http.MethodPost, "/api/v1/purchase-orders/"+po.ID+"/receive", admin, nil, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, domain.PurchaseOrderReceived, decodeBody[domain.PurchaseOrder](t, res).Status)

	res = doJSON(t, api, http.MethodPost, "/api/v1/purchase-orders/"+po.ID+"/receive", admin, nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = doJSON(t, api, http.MethodGet, "/api/v1/purchase-orders/"+po.ID, admin, nil, nil)
	require.Equal(t, http.StatusOK, res.Code)

	product, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	assert.Equal(t, 10, product.CurrentStock)
}

func TestAdjustStockEndpoint(t *testing.T) {
	api, repo := newTestAPI(t)
	productID := addProduct(t, repo, "SKU-ADJ", "20.00", 0, 5)
	admin := login(t, api, "admin", "admin-pass")

	res := doJSON(t, api, http.MethodPost, "/api/v1/stock/adjustments", admin, domain.StockAdjustmentRequest{
		ProductID: productID, Delta: -2, Reason: domain.ReasonDamage, Note: "pecah",
	}, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	result := decodeBody[domain.StockAdjustmentResult](t, res)
	assert.Equal(t, 5, result.PreviousStock)
	assert.Equal(t, 3, result.NewStock)

	res = doJSON(t, api, http.MethodPost, "/api/v1/stock/adjustments", admin, domain.StockAdjustmentRequest{
		ProductID: productID, Delta: -10, Reason: domain.ReasonCorrection,
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "insufficient_stock", decodeBody[errorResponse](t, res).Code)
}
