package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ServeConfig holds configuration for the serve command.
type ServeConfig struct {
	Listen          string
	StateFile       string
	PGDSN           string
	RPCURL          string
	Pool            string
	ShutdownTimeout time.Duration
	LogLevel        string
	Market          MarketConfig
}

// LoadServe merges config file, environment variables, and flags into ServeConfig.
func LoadServe(cfgFile string, flags *pflag.FlagSet) (ServeConfig, error) {
	v, err := newViper(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("listen", ":8080")
		v.SetDefault("shutdown-timeout", 10*time.Second)
	})
	if err != nil {
		return ServeConfig{}, err
	}

	market, err := loadMarket(v)
	if err != nil {
		return ServeConfig{}, err
	}

	return ServeConfig{
		Listen:          v.GetString("listen"),
		StateFile:       v.GetString("state-file"),
		PGDSN:           v.GetString("pg-dsn"),
		RPCURL:          v.GetString("rpc"),
		Pool:            v.GetString("pool"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		LogLevel:        v.GetString("log-level"),
		Market:          market,
	}, nil
}
