package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/store/mongo"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/store/sqlite"
)

func openStore(cfg config) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "postgres", "pg":
		db, err := grove.Open(pgdriver.New(), cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return postgres.New(db), nil
	case "sqlite":
		db, err := grove.Open(sqlitedriver.New(), cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return sqlite.New(db), nil
	case "mongo":
		db, err := grove.Open(mongodriver.New(), cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		return mongo.New(db), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openEngine builds and starts an engine for cfg. The caller stops it.
func openEngine(ctx context.Context, cfg config) (*entitle.Engine, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	eng, err := entitle.New(s,
		entitle.WithConfig(cfg.Engine),
		entitle.WithLogger(newLogger(cfg.LogLevel)),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return eng, nil
}
