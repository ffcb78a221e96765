package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// QuoteConfig holds configuration for the quote command.
type QuoteConfig struct {
	Principal string
	Duration  time.Duration
	Interest  string
	Start     uint64
	End       uint64
	LogLevel  string
	Market    MarketConfig
}

// LoadQuote merges config file, environment variables, and flags into QuoteConfig.
func LoadQuote(cfgFile string, flags *pflag.FlagSet) (QuoteConfig, error) {
	v, err := newViper(cfgFile, flags, nil)
	if err != nil {
		return QuoteConfig{}, err
	}

	market, err := loadMarket(v)
	if err != nil {
		return QuoteConfig{}, err
	}
	start, err := ParseTimestamp(v.GetString("start"))
	if err != nil {
		return QuoteConfig{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := ParseTimestamp(v.GetString("end"))
	if err != nil {
		return QuoteConfig{}, fmt.Errorf("parse end: %w", err)
	}

	cfg := QuoteConfig{
		Principal: v.GetString("principal"),
		Duration:  v.GetDuration("duration"),
		Interest:  v.GetString("interest"),
		Start:     start,
		End:       end,
		LogLevel:  v.GetString("log-level"),
		Market:    market,
	}
	if cfg.Principal == "" {
		return QuoteConfig{}, fmt.Errorf("principal is required")
	}
	return cfg, nil
}

// InspectConfig holds configuration for the inspect command.
type InspectConfig struct {
	StateFile string
	PGDSN     string
	LogLevel  string
}

// LoadInspect merges config file, environment variables, and flags into InspectConfig.
func LoadInspect(cfgFile string, flags *pflag.FlagSet) (InspectConfig, error) {
	v, err := newViper(cfgFile, flags, nil)
	if err != nil {
		return InspectConfig{}, err
	}

	cfg := InspectConfig{
		StateFile: v.GetString("state-file"),
		PGDSN:     v.GetString("pg-dsn"),
		LogLevel:  v.GetString("log-level"),
	}
	if cfg.StateFile == "" && cfg.PGDSN == "" {
		return InspectConfig{}, fmt.Errorf("state-file or pg-dsn is required")
	}
	return cfg, nil
}

// ParseTimestamp parses a timestamp value (unix seconds or RFC3339).
func ParseTimestamp(input string) (uint64, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, nil
	}

	if isNumeric(input) {
		val, err := strconv.ParseUint(input, 10, 64)
		if err != nil {
			return 0, err
		}
		return val, nil
	}

	tm, err := time.Parse(time.RFC3339, input)
	if err != nil {
		return 0, err
	}
	if tm.Unix() < 0 {
		return 0, fmt.Errorf("timestamp before unix epoch: %s", input)
	}
	return uint64(tm.Unix()), nil
}

func isNumeric(input string) bool {
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return input != ""
}
