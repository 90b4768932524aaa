package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/store/memory"
)

const catalogYAML = `
products:
  - id: prd-kopi
    sku: sku-kopi
    name: Kopi Sachet
    price: "2600"
    cost_price: 1716.4
    tax_rate: 11
    stock: 40
    low_stock_threshold: 5
  - sku: SKU-GULA
    name: Gula 1kg
    price: 17400
    stock: 0
    inactive: true
users:
  - username: Owner
    role: admin
    password_env: KASIRLEDGER_SEED_OWNER_PASSWORD
    password: fallback-pass
  - username: nobody
    role: cashier
`

func TestParseAndApply(t *testing.T) {
	t.Setenv("KASIRLEDGER_SEED_OWNER_PASSWORD", "owner-secret")
	catalog, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)
	require.Len(t, catalog.Products, 2)

	repo := memory.New()
	result, err := Apply(context.Background(), repo, catalog, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{ProductsCreated: 2, UsersCreated: 1, UsersSkipped: 1}, result)

	kopi, err := repo.GetProduct(context.Background(), "prd-kopi")
	require.NoError(t, err)
	assert.Equal(t, "SKU-KOPI", kopi.SKU)
	assert.Equal(t, "1716.40", kopi.CostPrice.StringFixed(2))
	assert.Equal(t, "11", kopi.TaxRate.String())
	assert.Equal(t, 40, kopi.CurrentStock)
	assert.True(t, kopi.Active)

	gula, err := repo.GetProductBySKU(context.Background(), "sku-gula")
	require.NoError(t, err)
	assert.False(t, gula.Active)

	users, err := repo.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "owner", users[0].Username)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(users[0].Password), []byte("owner-secret")))

	again, err := Apply(context.Background(), repo, catalog, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, again.ProductsCreated)
	assert.Equal(t, 2, again.ProductsSkipped)
	assert.Equal(t, 0, again.UsersCreated)
}

func TestApplyTwiceKeepsInactiveProducts(t *testing.T) {
	catalog, err := Parse([]byte("products:\n  - sku: OLD-1\n    name: Discontinued\n    price: 500\n    inactive: true\n"))
	require.NoError(t, err)

	repo := memory.New()
	_, err = Apply(context.Background(), repo, catalog, nil)
	require.NoError(t, err)

	again, err := Apply(context.Background(), repo, catalog, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{ProductsSkipped: 1}, again)
}

func TestParseRejectsBadCatalog(t *testing.T) {
	cases := map[string]string{
		"missing sku":   "products:\n  - name: X\n    price: 1\n",
		"negative":      "products:\n  - sku: A\n    name: X\n    price: -1\n",
		"tax range":     "products:\n  - sku: A\n    name: X\n    price: 1\n    tax_rate: 120\n",
		"duplicate sku": "products:\n  - sku: a\n    name: X\n    price: 1\n  - sku: A\n    name: Y\n    price: 1\n",
		"bad role":      "users:\n  - username: x\n    role: owner\n",
		"not yaml":      "products: [",
		"unknown field": "products:\n  - sku: A\n    name: X\n    price: 1\n    colour: red\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	catalog, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, catalog.Users, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
