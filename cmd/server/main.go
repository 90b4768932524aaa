package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kasirledger/backend/internal/audit"
	"kasirledger/backend/internal/cache"
	"kasirledger/backend/internal/config"
	"kasirledger/backend/internal/httpapi"
	"kasirledger/backend/internal/seed"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
	pgstore "kasirledger/backend/internal/store/postgres"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	sinks := audit.MultiSink{audit.StoreSink{Repo: repo}, audit.LogSink{Logger: logger.Named("audit")}}
	saleCache := cache.SaleCache(cache.NoopSaleCache{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, sale cache and audit stream disabled", zap.Error(err))
			_ = client.Close()
		} else {
			saleCache = cache.NewRedisSaleCache(client)
			sinks = append(sinks, audit.NewRedisStreamSink(client, cfg.AuditStream, 0))
			closers = append(closers, client.Close)
			logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}

	emitter := audit.NewAsyncEmitter(sinks, audit.Options{Buffer: cfg.AuditBuffer, Logger: logger})

	retry := service.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.TxMaxAttempts
	svc := service.New(repo, service.Options{
		Audit:     emitter,
		Cache:     saleCache,
		CacheTTL:  cfg.SaleCacheTTL(),
		Retry:     retry,
		TxTimeout: cfg.TxTimeout(),
		Logger:    logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo, logger)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("kasirledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Warn("audit drain incomplete", zap.Error(err), zap.Int64("dropped", emitter.Dropped()))
	}
	return nil
}

// buildRepository picks postgres when DATABASE_URL is set and refuses to fall back
// to memory if it cannot be reached. The seed file, when given, is applied to
// whichever store is chosen.
func buildRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, []func() error, error) {
	var (
		repo    store.Repository
		closers []func() error
	)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.DatabaseMigrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		repo = pg
		logger.Info("repository: postgres")
	} else if cfg.SeedFile != "" {
		repo = memory.New()
		logger.Info("repository: in-memory")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory (demo catalogue)")
	}

	if cfg.SeedFile != "" {
		catalog, err := seed.Load(cfg.SeedFile)
		if err == nil {
			_, err = seed.Apply(ctx, repo, catalog, logger)
		}
		if err != nil {
			for _, closeFn := range closers {
				_ = closeFn()
			}
			return nil, nil, fmt.Errorf("seed %s: %w", cfg.SeedFile, err)
		}
	}
	return repo, closers, nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
