package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "ticklend",
		Short:        "Tick-bucket lending market on a concentrated-liquidity pool",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Apply an operations file to a simulated market",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("ops", "", "input operations JSONL")
	replayCmd.Flags().String("out", "./data/events.jsonl", "output events JSONL")
	replayCmd.Flags().String("state-file", "", "ledger snapshot file")
	replayCmd.Flags().String("pg-dsn", "", "Postgres DSN for the ledger tables")
	replayCmd.Flags().String("checkpoint", "./data/replay_checkpoint.json", "checkpoint file path")
	replayCmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	replayCmd.Flags().String("checkpoint-name", "replay", "checkpoint name when stored in Postgres")
	replayCmd.Flags().String("start", "", "initial clock (unix seconds or RFC3339)")
	replayCmd.Flags().Int("batch-size", 100, "events per journal write")
	replayCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	replayCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	addPoolFlags(replayCmd.Flags())
	addMarketFlags(replayCmd.Flags())

	root.AddCommand(replayCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the market over HTTP",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("state-file", "", "ledger snapshot file restored on start and saved on shutdown")
	serveCmd.Flags().String("pg-dsn", "", "Postgres DSN for the ledger tables")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	addPoolFlags(serveCmd.Flags())
	addMarketFlags(serveCmd.Flags())

	root.AddCommand(serveCmd)

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote interest for a loan or the duration an interest deposit buys",
		RunE:  runQuote,
	}

	quoteCmd.Flags().String("principal", "", "borrowed liquidity")
	quoteCmd.Flags().Duration("duration", 0, "loan duration")
	quoteCmd.Flags().String("interest", "", "interest deposit")
	quoteCmd.Flags().String("start", "", "loan start (unix seconds or RFC3339)")
	quoteCmd.Flags().String("end", "", "loan end (unix seconds or RFC3339)")
	addMarketFlags(quoteCmd.Flags())

	root.AddCommand(quoteCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a stored ledger snapshot as JSON",
		RunE:  runInspect,
	}

	inspectCmd.Flags().String("state-file", "", "ledger snapshot file")
	inspectCmd.Flags().String("pg-dsn", "", "Postgres DSN for the ledger tables")
	inspectCmd.Flags().Bool("check", false, "verify ledger invariants")
	inspectCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(inspectCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPoolFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "RPC URL for seeding the simulator from a live pool")
	flags.String("pool", "", "V3 pool address read through --rpc")
}

func addMarketFlags(flags *pflag.FlagSet) {
	flags.Int32("tick-spacing", 10, "pool tick spacing")
	flags.Int32("tick", 0, "initial pool tick")
	flags.Uint32("fee", 500, "pool fee tier in hundredths of a bip")
	flags.Uint64("rate-num", 5, "annual interest rate numerator")
	flags.Uint64("rate-den", 100, "annual interest rate denominator")
	flags.Uint64("keeper-fee-num", 1, "keeper fee numerator")
	flags.Uint64("keeper-fee-den", 1000, "keeper fee denominator")
	flags.Duration("cooldown", time.Second, "withdrawal cooldown")
	flags.Int32("tick-min", 0, "lowest accepted tick, 0 means the pool minimum")
	flags.Int32("tick-max", 0, "highest accepted tick, 0 means the pool maximum")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
