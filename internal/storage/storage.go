// Package storage selects and opens the configured item backend.
package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/storage/gcs"
	"github.com/JakeFAU/story-harvester/internal/storage/local"
	"github.com/JakeFAU/story-harvester/internal/storage/memory"
	"github.com/JakeFAU/story-harvester/internal/storage/postgres"
	"github.com/JakeFAU/story-harvester/internal/store"
)

// Backend names accepted in storage.backend.
const (
	BackendLocal    = "local"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
	BackendMemory   = "memory"
)

// Config selects a backend and carries its settings.
type Config struct {
	Backend  string          `mapstructure:"backend"`
	Local    local.Config    `mapstructure:"local"`
	Postgres postgres.Config `mapstructure:"postgres"`
	GCS      gcs.Config      `mapstructure:"gcs"`
}

// Validate checks that the chosen backend has what it needs.
func (c Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case BackendLocal:
		if strings.TrimSpace(c.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir is required")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case BackendGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Backend)
	}
	return nil
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (store.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		backend store.Backend
		err     error
	)
	switch strings.ToLower(cfg.Backend) {
	case BackendLocal:
		var b *local.Backend
		if b, err = local.New(cfg.Local, logger.Named("local")); err == nil {
			backend = b
		}
	case BackendPostgres:
		var b *postgres.ItemStore
		if b, err = postgres.New(ctx, cfg.Postgres); err == nil {
			backend = b
		}
	case BackendGCS:
		var b *gcs.Backend
		if b, err = gcs.New(ctx, cfg.GCS, logger.Named("gcs")); err == nil {
			backend = b
		}
	case BackendMemory:
		backend = memory.New()
	default:
		return nil, fmt.Errorf("unknown storage.backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	return backend, nil
}
