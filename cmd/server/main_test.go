package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kasirledger/backend/internal/config"
)

func TestBuildRepositoryDefaultsToDemoCatalogue(t *testing.T) {
	repo, closers, err := buildRepository(context.Background(), config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, closers)

	products, err := repo.ListProducts(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, products)
}

func TestBuildRepositoryAppliesSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("products:\n  - sku: sku-1\n    name: Satu\n    price: 1000\n    stock: 3\n"), 0o600))

	repo, _, err := buildRepository(context.Background(), config.Config{SeedFile: path}, zap.NewNop())
	require.NoError(t, err)

	products, err := repo.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "SKU-1", products[0].SKU)
	assert.Equal(t, 3, products[0].CurrentStock)
}

func TestBuildRepositoryRejectsBrokenSeedFile(t *testing.T) {
	_, _, err := buildRepository(context.Background(), config.Config{SeedFile: filepath.Join(t.TempDir(), "missing.yaml")}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	logger, err := newLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = newLogger("nonsense")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	logger, err = newLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
