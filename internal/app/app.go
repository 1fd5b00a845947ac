// Package app opens a workspace and assembles the engine the CLI and server run on.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"suiteline/internal/config"
	"suiteline/internal/db"
	"suiteline/internal/engine"
	"suiteline/internal/logger"
	"suiteline/internal/migrate"
	"suiteline/internal/runtime"
)

type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Log       *zap.Logger
	Engine    *engine.Engine
}

// Options select the workspace and an optional config file outside it.
type Options struct {
	Workspace  string
	ConfigPath string
	// Runtime overrides the driver named in the config.
	Runtime runtime.Runtime
}

// LoadConfig reads opts.ConfigPath when set, otherwise the workspace config.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.Load(opts.Workspace)
}

// Open loads config, opens and migrates the workspace database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rt := opts.Runtime
	if rt == nil {
		rt, err = runtime.New(cfg.Runtime, log)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("runtime: %w", err)
		}
	}
	log.Debug("workspace opened",
		zap.String("workspace", opts.Workspace),
		zap.String("db", db.Path(opts.Workspace)),
		zap.String("runtime", cfg.Runtime.Driver))
	return &App{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Log:       log,
		Engine:    engine.New(conn, cfg, rt, log),
	}, nil
}

// Close stops the engine, flushes the logger and closes the database.
func (a *App) Close(ctx context.Context) error {
	err := a.Engine.Stop(ctx)
	_ = a.Log.Sync()
	if cerr := a.DB.Close(); err == nil {
		err = cerr
	}
	return err
}
