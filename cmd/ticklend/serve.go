package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/api"
	"tickLend/internal/config"
	"tickLend/internal/lending"
	"tickLend/internal/metrics"
	"tickLend/internal/settle"
	"tickLend/internal/storage"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServe(cfgFile, cmd.Flags())
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
	stateStore, _, closeStore, err := openStateStore(ctx, cfg.StateFile, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.New(reg)
	if err != nil {
		return err
	}

	vault := settle.NewLedger()
	engine, err := lending.NewEngine(cfg.Market.Engine(), pool, vault, logger.Named("engine"), lending.WithObserver(recorder))
	if err != nil {
		return err
	}
	if err := restore(ctx, engine, pool, stateStore, logger); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.NewServer(engine, pool, vault, reg, logger.Named("api")).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serve start",
			zap.String("listen", cfg.Listen),
			zap.String("state_file", cfg.StateFile),
			zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
			zap.Int32("tick_spacing", pool.TickSpacing()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown failed", zap.Error(err))
	}

	if stateStore != nil {
		if err := stateStore.Save(shutdownCtx, engine.Snapshot()); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	logger.Info("serve stopped", zap.Int("buckets", len(engine.Ticks())))
	return nil
}

// restore loads the stored ledger and recreates the positions it implies in the simulator.
func restore(ctx context.Context, engine *lending.Engine, pool *amm.Simulator, store storage.StateStore, logger *zap.Logger) error {
	if store == nil {
		return nil
	}
	snap, ok, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	if err := engine.Restore(ctx, snap); err != nil {
		return err
	}
	for key, liquidity := range engine.Positions() {
		if err := pool.SetPosition(key, liquidity); err != nil {
			return fmt.Errorf("rehydrate %s: %w", key, err)
		}
	}
	if err := engine.Reconcile(ctx); err != nil {
		return err
	}
	logger.Info("snapshot restored",
		zap.Uint64("taken_at", snap.TakenAt),
		zap.Int("buckets", len(snap.Buckets)),
		zap.Int("loans", len(snap.Loans)),
	)
	return nil
}
