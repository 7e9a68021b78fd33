package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uscmining/relay-worker/internal/config"
	"github.com/uscmining/relay-worker/internal/job"
	jobpg "github.com/uscmining/relay-worker/internal/job/postgres"
	jobsqlite "github.com/uscmining/relay-worker/internal/job/sqlite"
)

func openStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (job.Store, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." && cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		s, err := jobsqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("job store ready", "driver", "sqlite", "path", cfg.SQLitePath)
		return s, s.Close, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("init pgx pool: %w", err)
		}
		closePool := func() error {
			pool.Close()
			return nil
		}
		s, err := jobpg.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("job store ready", "driver", "postgres")
		return s, closePool, nil

	case "memory":
		log.Warn("using in-memory job store; jobs are lost on restart")
		return job.NewMemoryStore(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("%w: store.driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}
