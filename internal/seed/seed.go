// Package seed loads a YAML catalogue of products and staff accounts into a
// repository. Entries whose SKU or username already exists are left untouched,
// so applying the same file twice is harmless.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

type Product struct {
	ID                string          `yaml:"id"`
	SKU               string          `yaml:"sku"`
	Name              string          `yaml:"name"`
	Price             decimal.Decimal `yaml:"price"`
	CostPrice         decimal.Decimal `yaml:"cost_price"`
	TaxRate           decimal.Decimal `yaml:"tax_rate"`
	Stock             int             `yaml:"stock"`
	LowStockThreshold int             `yaml:"low_stock_threshold"`
	Inactive          bool            `yaml:"inactive"`
}

type User struct {
	Username string `yaml:"username"`
	Role     string `yaml:"role"`
	// PasswordEnv names the environment variable holding the password; Password is
	// only read when it is unset.
	PasswordEnv string `yaml:"password_env"`
	Password    string `yaml:"password"`
}

type Catalog struct {
	Products []Product `yaml:"products"`
	Users    []User    `yaml:"users"`
}

type Result struct {
	ProductsCreated int
	ProductsSkipped int
	UsersCreated    int
	UsersSkipped    int
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var catalog Catalog
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if err := catalog.validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Catalog) validate() error {
	skus := make(map[string]bool, len(c.Products))
	for i, p := range c.Products {
		sku := strings.ToUpper(strings.TrimSpace(p.SKU))
		switch {
		case sku == "":
			return fmt.Errorf("products[%d]: sku is required", i)
		case strings.TrimSpace(p.Name) == "":
			return fmt.Errorf("products[%d]: name is required", i)
		case p.Price.IsNegative():
			return fmt.Errorf("products[%d]: price must not be negative", i)
		case !domain.ValidPercent(p.TaxRate):
			return fmt.Errorf("products[%d]: tax_rate must be between 0 and 100 with at most %d decimal places", i, domain.PercentPlaces)
		case p.Stock < 0:
			return fmt.Errorf("products[%d]: stock must not be negative", i)
		case skus[sku]:
			return fmt.Errorf("products[%d]: duplicate sku %s", i, sku)
		}
		skus[sku] = true
	}
	for i, u := range c.Users {
		if strings.TrimSpace(u.Username) == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if u.Role != domain.RoleAdmin && u.Role != domain.RoleCashier {
			return fmt.Errorf("users[%d]: role must be %s or %s", i, domain.RoleAdmin, domain.RoleCashier)
		}
	}
	return nil
}

// Apply creates the missing products and users. Opening stock is written straight
// onto the product row; it is the starting balance the stock ledger builds on.
func Apply(ctx context.Context, repo store.Repository, catalog *Catalog, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var result Result

	for _, p := range catalog.Products {
		sku := strings.ToUpper(strings.TrimSpace(p.SKU))
		_, err := repo.GetProductBySKU(ctx, sku)
		if err == nil {
			result.ProductsSkipped++
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return result, fmt.Errorf("look up product %s: %w", sku, err)
		}
		_, err = repo.CreateProduct(ctx, domain.Product{
			ID:                p.ID,
			SKU:               sku,
			Name:              p.Name,
			Price:             domain.RoundMoney(p.Price),
			CostPrice:         domain.RoundMoney(p.CostPrice),
			TaxRate:           p.TaxRate,
			CurrentStock:      p.Stock,
			LowStockThreshold: p.LowStockThreshold,
			Active:            !p.Inactive,
		})
		if err != nil {
			return result, fmt.Errorf("seed product %s: %w", sku, err)
		}
		result.ProductsCreated++
	}

	users, err := repo.ListUsers(ctx)
	if err != nil {
		return result, fmt.Errorf("list users: %w", err)
	}
	usernames := make(map[string]bool, len(users))
	for _, u := range users {
		usernames[u.Username] = true
	}

	for _, u := range catalog.Users {
		username := strings.ToLower(strings.TrimSpace(u.Username))
		if usernames[username] {
			result.UsersSkipped++
			continue
		}
		password := u.Password
		if u.PasswordEnv != "" {
			if v := os.Getenv(u.PasswordEnv); v != "" {
				password = v
			}
		}
		if password == "" {
			logger.Warn("seed user has no password, skipping", zap.String("username", username))
			result.UsersSkipped++
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return result, fmt.Errorf("hash password for %s: %w", username, err)
		}
		err = repo.CreateUser(ctx, domain.UserAccount{
			Username: username,
			Password: string(hash),
			Role:     u.Role,
			Active:   true,
		})
		if err != nil {
			return result, fmt.Errorf("seed user %s: %w", username, err)
		}
		usernames[username] = true
		result.UsersCreated++
	}

	logger.Info("seed applied",
		zap.Int("products_created", result.ProductsCreated),
		zap.Int("products_skipped", result.ProductsSkipped),
		zap.Int("users_created", result.UsersCreated),
		zap.Int("users_skipped", result.UsersSkipped),
	)
	return result, nil
}
