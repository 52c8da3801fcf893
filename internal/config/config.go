package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrMissingExchangeID is returned by Load when no exchange id is configured.
var ErrMissingExchangeID = errors.New("exchange id is required")

// Config holds all application configuration.
type Config struct {
	Env        string `mapstructure:"env"`
	ExchangeID string `mapstructure:"exchange_id"`
	LogLevel   string `mapstructure:"log_level"`
	Control    ControlConfig
	Redis      RedisConfig
	Health     HealthConfig
}

// ControlConfig holds the control endpoint and run loop settings.
type ControlConfig struct {
	Addr             string        `mapstructure:"addr"`
	Path             string        `mapstructure:"path"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ReapOnDisconnect bool          `mapstructure:"reap_on_disconnect"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
}

// RedisConfig holds Redis connection settings for progress tracking.
// An empty Addr disables it.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// HealthConfig holds the gRPC health endpoint address. Empty disables it.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from command-line flags and environment
// variables prefixed with QUOTESOURCE_. Flags win over the environment.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUOTESOURCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "production")
	v.SetDefault("log.level", "info")

	// Control defaults
	v.SetDefault("control.addr", ":7070")
	v.SetDefault("control.path", "/control")
	v.SetDefault("control.poll_interval", 100*time.Millisecond)
	v.SetDefault("control.reap_on_disconnect", true)
	v.SetDefault("control.stop_timeout", time.Second)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "replay")

	v.SetDefault("health.addr", "")

	fs := pflag.NewFlagSet("quotesource", pflag.ContinueOnError)
	fs.String("exchange-id", "", "exchange ID prefixed to every stream tag")
	fs.String("control-ep", "", "control endpoint listen address")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("redis-addr", "", "Redis address for replay progress")
	fs.String("health-addr", "", "gRPC health endpoint listen address")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	for key, flag := range map[string]string{
		"exchange_id":  "exchange-id",
		"control.addr": "control-ep",
		"log.level":    "log-level",
		"redis.addr":   "redis-addr",
		"health.addr":  "health-addr",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.ExchangeID = v.GetString("exchange_id")
	cfg.LogLevel = v.GetString("log.level")

	cfg.Control = ControlConfig{
		Addr:             v.GetString("control.addr"),
		Path:             v.GetString("control.path"),
		PollInterval:     v.GetDuration("control.poll_interval"),
		ReapOnDisconnect: v.GetBool("control.reap_on_disconnect"),
		StopTimeout:      v.GetDuration("control.stop_timeout"),
	}

	cfg.Redis = RedisConfig{
		Addr:      v.GetString("redis.addr"),
		Password:  v.GetString("redis.password"),
		DB:        v.GetInt("redis.db"),
		KeyPrefix: v.GetString("redis.key_prefix"),
	}

	cfg.Health = HealthConfig{
		Addr: v.GetString("health.addr"),
	}

	if cfg.ExchangeID == "" {
		return nil, ErrMissingExchangeID
	}

	return cfg, nil
}
