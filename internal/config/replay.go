package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ReplayConfig holds configuration for the replay command.
type ReplayConfig struct {
	Ops               string
	Out               string
	StateFile         string
	PGDSN             string
	Checkpoint        string
	CheckpointEnabled bool
	CheckpointName    string
	RPCURL            string
	Pool              string
	Start             uint64
	BatchSize         int
	MaxRetries        int
	RetryBackoff      time.Duration
	LogLevel          string
	Market            MarketConfig
}

// LoadReplay merges config file, environment variables, and flags into ReplayConfig.
func LoadReplay(cfgFile string, flags *pflag.FlagSet) (ReplayConfig, error) {
	v, err := newViper(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("out", "./data/events.jsonl")
		v.SetDefault("checkpoint", "./data/replay_checkpoint.json")
		v.SetDefault("checkpoint-enabled", true)
		v.SetDefault("checkpoint-name", "replay")
		v.SetDefault("batch-size", 100)
		v.SetDefault("max-retries", 5)
		v.SetDefault("retry-backoff", 500*time.Millisecond)
	})
	if err != nil {
		return ReplayConfig{}, err
	}

	market, err := loadMarket(v)
	if err != nil {
		return ReplayConfig{}, err
	}
	start, err := ParseTimestamp(v.GetString("start"))
	if err != nil {
		return ReplayConfig{}, fmt.Errorf("parse start: %w", err)
	}

	cfg := ReplayConfig{
		Ops:               v.GetString("ops"),
		Out:               v.GetString("out"),
		StateFile:         v.GetString("state-file"),
		PGDSN:             v.GetString("pg-dsn"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		CheckpointName:    v.GetString("checkpoint-name"),
		RPCURL:            v.GetString("rpc"),
		Pool:              v.GetString("pool"),
		Start:             start,
		BatchSize:         v.GetInt("batch-size"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		LogLevel:          v.GetString("log-level"),
		Market:            market,
	}
	if cfg.Ops == "" {
		return ReplayConfig{}, fmt.Errorf("ops file is required")
	}
	return cfg, nil
}
