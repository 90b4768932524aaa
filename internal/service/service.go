package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"kasirledger/backend/internal/audit"
	"kasirledger/backend/internal/cache"
	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/sequencer"
	"kasirledger/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Sequencer *sequencer.Sequencer
	Ledger    *ledger.Ledger
	Audit     audit.Emitter
	Cache     cache.SaleCache
	CacheTTL  time.Duration
	Retry     RetryPolicy
	TxTimeout time.Duration
	Logger    *zap.Logger
}

type Service struct {
	repo      store.Repository
	sequencer *sequencer.Sequencer
	ledger    *ledger.Ledger
	audit     audit.Emitter
	cache     cache.SaleCache
	cacheTTL  time.Duration
	retry     RetryPolicy
	txTimeout time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Sequencer == nil {
		opts.Sequencer = sequencer.New()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.New()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopEmitter{}
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopSaleCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Service{
		repo:      repo,
		sequencer: opts.Sequencer,
		ledger:    opts.Ledger,
		audit:     opts.Audit,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		retry:     opts.Retry.normalized(),
		txTimeout: opts.TxTimeout,
		logger:    opts.Logger.Named("service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, notFound(err, "product", id)
	}
	return *product, nil
}

func (s *Service) ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListStockEntries(ctx, productID, limit)
}

// GetSale reads through the sale cache. Cache failures only cost a store read.
func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	if cached, ok, err := s.cache.Get(ctx, id); err != nil {
		s.logger.Warn("sale cache read failed", zap.String("sale_id", id), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, notFound(err, "sale", id)
	}
	s.cacheSale(ctx, sale)
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, limit)
}

func (s *Service) ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	return s.repo.ListPurchaseOrders(ctx, status, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) cacheSale(ctx context.Context, sale *domain.Sale) {
	if err := s.cache.Set(ctx, sale, s.cacheTTL); err != nil {
		s.logger.Warn("sale cache write failed", zap.String("sale_id", sale.ID), zap.Error(err))
	}
}

func (s *Service) evictSale(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, id); err != nil {
		s.logger.Warn("sale cache evict failed", zap.String("sale_id", id), zap.Error(err))
	}
}

// emit hands an event to the audit emitter. It runs after commit and never fails the caller.
func (s *Service) emit(ctx context.Context, action string, targetType string, targetID string, details map[string]any) {
	actorID := "system"
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		actorID = actor.Username
	}
	s.audit.Emit(ctx, audit.Event{
		Action:     action,
		ActorID:    actorID,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		At:         s.now(),
	})
}

func actorName(ctx context.Context, fallback string) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return fallback
}

func notFound(err error, entity string, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return err
}
