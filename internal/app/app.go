// Package app assembles the runtime shared by the CLI and the HTTP server:
// configuration, logger, database, migrations, telemetry and the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/repo"
	"trackline/internal/telemetry"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine *engine.Engine
	Logger *slog.Logger

	shutdown func(context.Context) error
}

// Options tune Open. LogOutput receives log lines; nil discards them.
type Options struct {
	Workspace string
	Version   string
	LogOutput io.Writer
	// LogFormat overrides config.log.format when set.
	LogFormat string
}

// Open loads config from the workspace, migrates the database and builds
// the engine. Callers must Close the returned App.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, cfg, opts)
}

func OpenWithConfig(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	format := cfg.Log.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger, err := NewLogger(cfg.Log.Level, format, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, opts.Version)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: cfg.Database.Path, BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "path", db.Path(db.Config{Workspace: opts.Workspace, Path: cfg.Database.Path}), "schema_version", version)

	eng := engine.New(repo.New(conn), engine.Options{
		LockTimeout: cfg.Engine.LockTimeout,
		Tiers:       cfg.Plans,
		Logger:      logger,
		Metrics:     telemetry.NewCommands(),
	})
	return &App{Config: cfg, DB: conn, Engine: eng, Logger: logger, shutdown: shutdown}, nil
}

// Retry is the Busy retry policy from config.
func (a *App) Retry() engine.RetryConfig {
	r := a.Config.Engine.Retry
	return engine.RetryConfig{InitialInterval: r.InitialInterval, MaxInterval: r.MaxInterval, MaxElapsed: r.MaxElapsed}
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	return errors.Join(errs...)
}

// NewLogger builds a slog logger writing text or json records to w.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = io.Discard
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
