// Package app wires a workspace's database, notifier and partition together
// for the CLI commands.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"flowkernel/internal/config"
	"flowkernel/internal/db"
	"flowkernel/internal/engine"
	"flowkernel/internal/migrate"
	"flowkernel/internal/notify"
	"flowkernel/internal/partition"
	"flowkernel/internal/repo"
)

// App is an opened workspace.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Notifier  notify.Notifier
	Partition *partition.Partition

	closers []func() error
}

// Open migrates the workspace database and opens its partition, replaying
// the record log. Redis is used for job notifications when configured.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(cfg.DB(workspace))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Notifier, err = openNotifier(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := a.Notifier.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.Partition, err = partition.Open(ctx, conn, Options(cfg, a.Notifier, logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open partition %d: %w", cfg.Partition.ID, err)
	}
	return a, nil
}

// Options maps config onto partition options.
func Options(cfg *config.Config, n notify.Notifier, logger *slog.Logger) partition.Options {
	return partition.Options{
		ID: cfg.Partition.ID,
		Engine: engine.Options{
			AuthorizationsEnabled: cfg.Authorizations.Enabled,
			ListenerRetries:       cfg.Jobs.ListenerRetries,
			Logger:                logger,
		},
		Admin:                cfg.Authorizations.Admin,
		TimeoutCheckInterval: cfg.Jobs.TimeoutCheckInterval,
		Notifier:             n,
		Logger:               logger,
	}
}

func openNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.Redis.Addr == "" {
		return notify.NewLocal(), nil
	}
	r := notify.NewRedis(notify.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("job notifications over redis", "addr", cfg.Redis.Addr)
	return r, nil
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
