package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p2wdb/p2wdb/internal/api"
	"github.com/p2wdb/p2wdb/internal/config"
	"github.com/p2wdb/p2wdb/internal/logdb"
)

var (
	errReplicatedLocalWrite = errors.New("node replicates through raft: set api.addr and submit writes to the running node")
	errNoAPI                = errors.New("api.addr is not configured")
)

// nodeClient returns a client for the running node when api.addr is set. A
// replicating node without one cannot be written to from the command line.
func nodeClient(cfg *config.Config) (*api.Client, error) {
	if cfg.API.Addr != "" {
		return api.NewClient(cfg.API.Addr, 0), nil
	}
	if cfg.Replicates() {
		return nil, errReplicatedLocalWrite
	}
	return nil, nil
}

// putEntry writes through the running node when there is one to reach, and
// opens the data directory directly otherwise.
func putEntry(ctx context.Context, cfg *config.Config, txid string, value logdb.Value, logger *slog.Logger) (string, error) {
	client, err := nodeClient(cfg)
	if err != nil {
		return "", err
	}
	if client != nil {
		return client.Put(ctx, txid, value)
	}

	n, err := openNode(ctx, cfg, nil, logger)
	if err != nil {
		return "", err
	}
	defer n.close()

	if n.poller != nil {
		if err := n.poller.Refresh(ctx); err != nil {
			logger.Warn("Using configured price", "error", err)
		}
	}

	return n.db.Put(ctx, txid, value)
}

func getEntry(ctx context.Context, cfg *config.Config, txid string, logger *slog.Logger) (*logdb.Value, bool, error) {
	if cfg.API.Addr != "" {
		return api.NewClient(cfg.API.Addr, 0).Get(ctx, txid)
	}

	n, err := openNode(ctx, cfg, nil, logger)
	if err != nil {
		return nil, false, err
	}
	defer n.close()

	return n.db.Get(txid)
}

func listEntries(ctx context.Context, cfg *config.Config, limit int, logger *slog.Logger) ([]logdb.Item, error) {
	if cfg.API.Addr != "" {
		return api.NewClient(cfg.API.Addr, 0).List(ctx, limit)
	}

	n, err := openNode(ctx, cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	defer n.close()

	var items []logdb.Item
	it := n.db.Iterator(limit)
	for it.Next() {
		items = append(items, it.Item())
	}
	return items, it.Err()
}

func runningNode(cfg *config.Config) (*api.Client, error) {
	if cfg.API.Addr == "" {
		return nil, fmt.Errorf("cannot reach the running node: %w", errNoAPI)
	}
	return api.NewClient(cfg.API.Addr, 0), nil
}
