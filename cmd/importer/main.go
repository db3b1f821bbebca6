// Kestrel Importer - loads customer transaction history into the history store.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoding"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/importer"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func main() {
	var (
		csvPath     = flag.String("csv", "", "path to the customer transaction CSV export (required)")
		configPath  = flag.String("config", "", "path to a YAML config file (default $KESTREL_CONFIG)")
		batchSize   = flag.Int("batch", 1000, "rows per insert transaction")
		fitEncoders = flag.String("fit-encoders", "", "also fit categorical encoders and write them to this path")
		dryRun      = flag.Bool("dry-run", false, "parse the CSV without writing to the store")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "usage: importer -csv <file> [-config kestrel.yaml] [-batch 1000] [-fit-encoders encoders.json]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *csvPath, *batchSize, *fitEncoders, *dryRun); err != nil {
		slog.Error("import failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *domain.Config, csvPath string, batchSize int, fitPath string, dryRun bool) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("failed to open csv: %w", err)
	}
	defer f.Close()

	rows, stats, err := importer.NewReader(slog.Default()).Read(f)
	if err != nil {
		return err
	}
	slog.Info("csv parsed",
		"path", csvPath,
		"rows", stats.Rows,
		"usable", stats.Imported,
		"skipped", stats.Skipped,
		"reasons", stats.Reasons,
	)

	if fitPath != "" {
		fields := importer.Categories(rows)
		if err := encoding.Save(fitPath, fields); err != nil {
			return err
		}
		for _, field := range domain.CategoricalFields {
			slog.Info("encoder fitted", "field", field, "classes", len(fields[field]))
		}
		slog.Info("encoders written", "path", fitPath)
	}

	if dryRun {
		return nil
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	var inserted int
	for i, batch := range importer.Batches(rows, batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := repo.SaveHistory(ctx, batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		inserted += n
		slog.Debug("batch saved", "batch", i, "rows", len(batch), "inserted", n)
	}
	slog.Info("history imported",
		"rows", len(rows),
		"inserted", inserted,
		"duplicates", len(rows)-inserted,
		"driver", cfg.Repository.Driver,
	)

	ids := customerIDs(rows)

	// A shared Redis cache may still hold records older than this import.
	if cfg.Cache.Type == "redis" {
		invalidateCache(ctx, cfg, repo, ids)
	}

	// Running services learn about new customers through the bus. A
	// channel bus is process-local, so only NATS reaches them.
	if cfg.EventBus.Type == "nats" {
		b, err := bus.New(cfg.EventBus)
		if err != nil {
			slog.Warn("event bus unavailable, services admit new customers after their next filter refresh", "error", err)
			return nil
		}
		defer b.Close()

		if err := history.PublishImported(ctx, b, ids, 0); err != nil {
			return err
		}
		slog.Info("import announced", "topic", domain.TopicHistoryImported, "customers", len(ids))
	} else if cfg.History.BloomEnabled {
		slog.Warn("no nats event bus configured, services admit new customers after their next filter refresh",
			"refresh_interval", cfg.History.BloomRefreshInterval.String(),
		)
	}

	return nil
}

func customerIDs(rows []*domain.HistoryRow) []string {
	seen := make(map[string]struct{}, len(rows))
	var ids []string
	for _, row := range rows {
		if _, ok := seen[row.CustomerID]; ok {
			continue
		}
		seen[row.CustomerID] = struct{}{}
		ids = append(ids, row.CustomerID)
	}
	return ids
}

func invalidateCache(ctx context.Context, cfg *domain.Config, repo domain.HistoryStore, ids []string) {
	c, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Warn("cache unavailable, stale records expire after their ttl", "error", err)
		return
	}
	defer c.Close()

	svc := history.NewService(repo, cfg.History, history.WithCache(c))
	for _, id := range ids {
		if err := svc.Invalidate(ctx, id); err != nil {
			slog.Warn("failed to invalidate cached history", "customer_id", id, "error", err)
		}
	}
	slog.Info("cached history invalidated", "customers", len(ids))
}
