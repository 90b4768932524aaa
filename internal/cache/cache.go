package cache

import (
	"context"
	"time"

	"kasirledger/backend/internal/domain"
)

// SaleCache holds committed sales for read paths. It is never consulted inside a
// transaction; the store stays the source of truth.
type SaleCache interface {
	Get(ctx context.Context, id string) (*domain.Sale, bool, error)
	Set(ctx context.Context, sale *domain.Sale, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ *domain.Sale, _ time.Duration) error {
	return nil
}

func (NoopSaleCache) Delete(_ context.Context, _ string) error {
	return nil
}
