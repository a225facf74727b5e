package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/fetcher"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/logging"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/metrics"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/registry"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/storage"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/worker"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()
	cfg := e.cfg
	log := logging.Component("main")

	log.Info("tile worker starting",
		"version", worker.Version,
		"git_sha", worker.GitSHA,
		"consumer", cfg.Queue.Consumer,
	)

	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled() {
		metrics.Init("tileworker")
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Address)
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	reg, err := registry.Load(cfg.Registry.ShardsFile)
	if err != nil {
		return fmt.Errorf("shard registry: %w", err)
	}
	log.Info("loaded shard registry", "datasets", reg.DatasetNames())

	pg, err := fetcher.NewPostGIS(ctx, fetcher.Config{
		DatabaseURL: cfg.Database.URL,
		MaxConns:    cfg.PoolSize(),
		MinConns:    cfg.Database.MinConns,
	}, reg)
	if err != nil {
		return fmt.Errorf("datastore: %w", err)
	}
	defer pg.Close()

	staging, err := storage.NewStagingStore(ctx, storage.StagingConfig{
		Backend: cfg.Staging.Backend,
		Dir:     cfg.Staging.Dir,
		URL:     cfg.Staging.URL,
	})
	if err != nil {
		return fmt.Errorf("staging: %w", err)
	}
	defer staging.Close()

	q := e.queue()
	if err := q.Connect(ctx, cfg.Redis.ConnectTimeout); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	store := e.progress()

	totals := reg.Totals()
	if err := store.SeedTotals(ctx, totals); err != nil {
		return err
	}
	if len(totals) > 0 {
		log.Info("seeded shard totals", "shards", len(totals))
	}

	w, err := worker.New(worker.Config{
		MaxAttempts:          cfg.Worker.MaxAttempts,
		BatchCount:           cfg.Worker.BatchCount,
		Block:                cfg.Worker.Block(),
		Concurrency:          cfg.Worker.Concurrency,
		ReclaimIdle:          cfg.Worker.ReclaimIdle,
		ValidationDeadLetter: cfg.Worker.ValidationDeadLetter,
		FetchTimeout:         cfg.Worker.FetchTimeout,
	}, worker.Deps{
		Queue:     q,
		Validator: reg,
		Fetcher:   pg,
		Store:     staging,
		Progress:  store,
		Rebuilder: e.trigger(q, store),
	})
	if err != nil {
		return err
	}

	if err := w.Run(ctx); err != nil {
		return err
	}
	slog.Info("tile worker stopped cleanly")
	return nil
}
