package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/p2wdb/p2wdb/internal/alert"
	"github.com/p2wdb/p2wdb/internal/config"
	"github.com/p2wdb/p2wdb/internal/events"
	"github.com/p2wdb/p2wdb/internal/hash"
	"github.com/p2wdb/p2wdb/internal/ledger"
	"github.com/p2wdb/p2wdb/internal/logdb"
	"github.com/p2wdb/p2wdb/internal/pricing"
	"github.com/p2wdb/p2wdb/internal/retry"
	"github.com/p2wdb/p2wdb/internal/storage"
	"github.com/p2wdb/p2wdb/internal/verify"
	"github.com/prometheus/client_golang/prometheus"
)

// node holds every component of a running database. Fields are populated in
// dependency order by openNode; close releases them in reverse.
type node struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *storage.Storage
	postgres  *storage.PostgresIndex
	hasher    *hash.Hasher
	index     *storage.Index
	prices    verify.PriceSource
	poller    *pricing.Poller
	bus       *events.Bus
	alerts    *alert.Manager
	validator *verify.Validator
	db        *logdb.Database
}

func dbPath(cfg *config.Config) string {
	return filepath.Join(cfg.Node.DataDir, "p2wdb.db")
}

// openNode builds the database and its access gate. Construction is two
// phase: the database exists before the validator is injected into it.
func openNode(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(dbPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	n.store = store

	hasher, err := hash.New(hash.Algorithm(cfg.Hash.Algorithm))
	if err != nil {
		n.close()
		return nil, err
	}
	n.hasher = hasher

	var backend storage.IndexBackend = store
	if cfg.Index.Backend == config.IndexBackendPostgres {
		pg, err := storage.NewPostgresIndex(ctx, cfg.Index.Postgres)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("failed to open postgres index: %w", err)
		}
		n.postgres = pg
		backend = pg
	}

	index, err := storage.NewIndex(backend, cfg.Index.CacheSize)
	if err != nil {
		n.close()
		return nil, err
	}
	n.index = index

	if cfg.Pricing.URL != "" {
		n.poller = pricing.NewPoller(cfg.Pricing.URL, cfg.Pricing.Interval, cfg.Pricing.RequiredBurnQty, logger)
		n.prices = n.poller
	} else {
		n.prices = pricing.Static(cfg.Pricing.RequiredBurnQty)
	}

	n.bus = events.New(logger)
	n.alerts = alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook, cfg.Alerts.Webhooks, logger)
	if err := n.bus.Subscribe("webhooks", n.alerts.Handler()); err != nil {
		n.close()
		return nil, err
	}

	queue := retry.NewQueue(retry.Config{
		Concurrency:     cfg.Retry.Concurrency,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxElapsedTime:  cfg.Retry.MaxElapsed,
		Retryable:       ledger.IsTransient,
	}, logger)

	validator, err := verify.New(verify.Config{
		TokenID:              cfg.Ledger.TokenID,
		MaxDataSize:          cfg.Validator.MaxDataSize,
		MaxAge:               cfg.Validator.MaxAge,
		FreshWindow:          cfg.Validator.FreshWindow,
		SettleDelay:          cfg.Validator.SettleDelay,
		GraceFactor:          cfg.Validator.Grace,
		DisableNotFoundCache: !cfg.Validator.CacheNotFound,
	}, verify.Deps{
		Ledger:  ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.Timeout),
		Index:   index,
		Queue:   queue,
		Prices:  n.prices,
		Events:  n.bus,
		Metrics: verify.NewMetrics(reg),
	}, logger)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	n.validator = validator

	n.db = logdb.New(cfg.Node.DBName, store, hasher, logger)
	n.db.InjectDeps(validator.CanAppend)

	return n, nil
}

func (n *node) auditor(withGate bool) *verify.Auditor {
	var gate logdb.GateFunc
	if withGate {
		gate = n.validator.CanAppend
	}
	return verify.NewAuditor(n.store, n.db, n.hasher, gate, n.alerts, n.logger)
}

func (n *node) close() {
	if n.poller != nil {
		n.poller.Stop()
	}
	if n.bus != nil {
		n.bus.Shutdown()
	}
	if n.postgres != nil {
		n.postgres.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Error("Failed to close storage", "error", err)
		}
	}
}
