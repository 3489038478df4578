package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentdesk/internal/allocator"
	"github.com/ashureev/agentdesk/internal/config"
	"github.com/ashureev/agentdesk/internal/container"
	"github.com/ashureev/agentdesk/internal/ephemeral"
	"github.com/ashureev/agentdesk/internal/janitor"
	"github.com/ashureev/agentdesk/internal/registry"
	"github.com/ashureev/agentdesk/internal/store"
)

// app holds the components shared by serve and sweep.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	durable  *store.SQLiteStore
	live     ephemeral.Store
	ports    *allocator.Allocator
	docker   *container.DockerManager
	registry *registry.Registry
	janitor  *janitor.Janitor
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.durable, err = store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err = a.durable.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	a.live, err = openEphemeral(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Ephemeral store ready", "backend", cfg.Ephemeral.Backend)

	a.ports, err = allocator.New(a.live, allocator.Options{
		RangeStart: cfg.Ports.RangeStart,
		RangeEnd:   cfg.Ports.RangeEnd,
		ReuseGrace: cfg.Ports.ReuseGrace,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init port allocator: %w", err)
	}

	a.docker, err = container.NewDockerManager(cfg.Environment, cfg.Timeout.StopGrace, logger)
	if err != nil {
		return nil, fmt.Errorf("init container manager: %w", err)
	}

	catalog := config.DefaultCatalog()
	if cfg.ModelCatalogPath != "" {
		catalog, err = config.LoadCatalog(cfg.ModelCatalogPath)
		if err != nil {
			return nil, err
		}
	}

	a.registry = registry.New(a.live, a.durable, a.docker, a.ports, catalog, registry.Options{
		ProvisionTimeout: cfg.Timeout.Provision,
		StopTimeout:      cfg.Timeout.Stop,
		HealthTimeout:    cfg.Timeout.Healthcheck,
		MaxConcurrentOps: cfg.MaxConcurrentOps,
		Logger:           logger,
	})

	a.janitor = janitor.New(a.registry, a.ports, a.durable, janitor.Options{
		Interval:           cfg.Janitor.Interval,
		Workers:            cfg.Janitor.Workers,
		IdleTimeout:        cfg.Janitor.IdleTimeout,
		UnhealthyGrace:     cfg.Janitor.UnhealthyGrace,
		StuckTeardownAfter: cfg.Janitor.StuckTeardownAfter,
		OrphanMinAge:       cfg.Timeout.Provision,
		HistoryRetention:   cfg.Janitor.HistoryRetention,
		Logger:             logger,
	})
	return a, nil
}

func openEphemeral(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ephemeral.Store, error) {
	if cfg.Ephemeral.Backend == "redis" {
		rs, err := ephemeral.DialRedis(ctx, cfg.Ephemeral.RedisURL, ephemeral.RedisOptions{
			Namespace: "agentdesk:",
			RecordTTL: cfg.Ephemeral.LiveRecordTTL,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return rs, nil
	}
	return ephemeral.NewMemoryStore(nil), nil
}

func (a *app) close() {
	if a.live != nil {
		if err := a.live.Close(); err != nil {
			a.logger.Error("Failed to close ephemeral store", "error", err)
		}
	}
	if a.durable != nil {
		if err := a.durable.Close(); err != nil {
			a.logger.Error("Failed to close repository", "error", err)
		}
	}
}
