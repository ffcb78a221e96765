package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tickLend/internal/config"
	"tickLend/internal/lending"
)

func runInspect(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadInspect(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	check, _ := cmd.Flags().GetBool("check")

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, _, closeStore, err := openStateStore(ctx, cfg.StateFile, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer closeStore()

	snap, ok, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return fmt.Errorf("no snapshot stored")
	}
	if check {
		if err := lending.ValidateSnapshot(snap); err != nil {
			return fmt.Errorf("invalid snapshot: %w", err)
		}
		logger.Info("snapshot valid",
			zap.Int("buckets", len(snap.Buckets)),
			zap.Int("lenders", len(snap.Lenders)),
			zap.Int("loans", len(snap.Loans)),
		)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
