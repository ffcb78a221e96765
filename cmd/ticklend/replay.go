package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tickLend/internal/config"
	"tickLend/internal/lending"
	"tickLend/internal/metrics"
	"tickLend/internal/replay"
	"tickLend/internal/storage"
)

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReplay(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.RPCURL, cfg.Pool, cfg.Market, logger)
	if err != nil {
		return err
	}

	stateStore, store, closeStore, err := openStateStore(ctx, cfg.StateFile, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer closeStore()

	var checkpoint replay.Checkpointer
	switch {
	case !cfg.CheckpointEnabled:
	case store != nil:
		checkpoint = &replay.DBCheckpoint{Store: store, Name: cfg.CheckpointName}
	default:
		checkpoint = replay.NewCheckpointStore(cfg.Checkpoint, true)
	}

	recorder, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	runner, err := replay.NewRunner(replay.RunConfig{
		Ops:          cfg.Ops,
		BatchSize:    cfg.BatchSize,
		Start:        cfg.Start,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, cfg.Market.Engine(), pool, storage.NewJsonlStorage(cfg.Out), stateStore, checkpoint, logger,
		lending.WithObserver(recorder),
	)
	if err != nil {
		return err
	}

	logger.Info("replay start",
		zap.String("ops", cfg.Ops),
		zap.String("out", cfg.Out),
		zap.String("state_file", cfg.StateFile),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.Bool("checkpoint_enabled", cfg.CheckpointEnabled),
		zap.Int32("tick_spacing", pool.TickSpacing()),
		zap.Stringer("rate", cfg.Market.Rate()),
	)

	stats, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	reserveA, reserveB := runner.Engine().Reserve()
	logger.Info("replay complete",
		zap.Uint64("lines", stats.Lines),
		zap.Int("applied", stats.Applied),
		zap.Int("failed", stats.Failed),
		zap.Int("replayed", stats.Replayed),
		zap.Int("buckets", len(runner.Engine().Ticks())),
		zap.Stringer("reserve_a", reserveA),
		zap.Stringer("reserve_b", reserveB),
	)
	return nil
}
