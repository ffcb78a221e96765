package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tickLend/internal/amm"
	"tickLend/internal/interest"
	"tickLend/internal/lending"
)

// MarketConfig holds the pool and market parameters shared by every command.
type MarketConfig struct {
	TickSpacing  int32
	Tick         int32
	Fee          uint32
	RateNum      uint64
	RateDen      uint64
	KeeperFeeNum uint64
	KeeperFeeDen uint64
	Cooldown     time.Duration
	TickMin      int32
	TickMax      int32
}

// Engine converts the market parameters into an engine configuration.
func (m MarketConfig) Engine() lending.Config {
	return lending.Config{
		Rate:      interest.Rate{Numerator: m.RateNum, Denominator: m.RateDen},
		KeeperFee: lending.Ratio{Numerator: m.KeeperFeeNum, Denominator: m.KeeperFeeDen},
		Cooldown:  m.Cooldown,
		TickMin:   m.TickMin,
		TickMax:   m.TickMax,
	}
}

// Pool is the simulator starting state when no live pool is read.
func (m MarketConfig) Pool() amm.PoolState {
	return amm.PoolState{
		Tick:        m.Tick,
		TickSpacing: m.TickSpacing,
		Fee:         m.Fee,
	}
}

func (m MarketConfig) Rate() interest.Rate {
	return interest.Rate{Numerator: m.RateNum, Denominator: m.RateDen}
}

// newViper merges config file, environment variables, and flags. Keys shared by all commands
// get their defaults here; setDefaults adds the command's own.
func newViper(cfgFile string, flags *pflag.FlagSet, setDefaults func(v *viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("TICKLEND")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("tick-spacing", 10)
	v.SetDefault("tick", 0)
	v.SetDefault("fee", 500)
	v.SetDefault("rate-num", interest.DefaultRate.Numerator)
	v.SetDefault("rate-den", interest.DefaultRate.Denominator)
	v.SetDefault("keeper-fee-num", 1)
	v.SetDefault("keeper-fee-den", 1000)
	v.SetDefault("cooldown", time.Second)
	v.SetDefault("tick-min", 0)
	v.SetDefault("tick-max", 0)
	if setDefaults != nil {
		setDefaults(v)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func loadMarket(v *viper.Viper) (MarketConfig, error) {
	m := MarketConfig{
		TickSpacing:  v.GetInt32("tick-spacing"),
		Tick:         v.GetInt32("tick"),
		Fee:          v.GetUint32("fee"),
		RateNum:      v.GetUint64("rate-num"),
		RateDen:      v.GetUint64("rate-den"),
		KeeperFeeNum: v.GetUint64("keeper-fee-num"),
		KeeperFeeDen: v.GetUint64("keeper-fee-den"),
		Cooldown:     v.GetDuration("cooldown"),
		TickMin:      v.GetInt32("tick-min"),
		TickMax:      v.GetInt32("tick-max"),
	}
	if m.TickSpacing <= 0 {
		return MarketConfig{}, fmt.Errorf("tick spacing must be greater than zero")
	}
	if err := m.Rate().Validate(); err != nil {
		return MarketConfig{}, err
	}
	if m.KeeperFeeDen == 0 {
		return MarketConfig{}, fmt.Errorf("keeper fee denominator must be greater than zero")
	}
	if m.Cooldown < 0 {
		return MarketConfig{}, fmt.Errorf("cooldown must not be negative")
	}
	return m, nil
}
