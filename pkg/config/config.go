// Package config loads the sdmgr process configuration from an optional
// file, SDMGR_ environment variables and command-line flags.
//
// Provider credentials are not part of it: they live in the Setting store
// and are read by each agent when it starts.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// SDMGR_STORAGE_DRIVER for storage.driver
const EnvPrefix = "SDMGR"

// Config is the process configuration
type Config struct {
	DataDir             string        `mapstructure:"data_dir"`
	Storage             StorageConfig `mapstructure:"storage"`
	ListenAddr          string        `mapstructure:"listen_addr"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	MaxConcurrentChecks int           `mapstructure:"max_concurrent_checks"`
	MetricsInterval     time.Duration `mapstructure:"metrics_interval"`
	Resolvers           []string      `mapstructure:"resolvers"`
	ResolverTimeout     time.Duration `mapstructure:"resolver_timeout"`
	ZonePollInterval    time.Duration `mapstructure:"zone_poll_interval"`
	ZonePollAttempts    int           `mapstructure:"zone_poll_attempts"`
	Log                 LogConfig     `mapstructure:"log"`
	API                 APIConfig     `mapstructure:"api"`
	SecretKey           string        `mapstructure:"secret_key"`
	Redis               RedisConfig   `mapstructure:"redis"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type APIConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

// RedisConfig enables publishing check transitions to Redis when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// New returns a viper instance with defaults and environment binding set up.
// Callers bind their flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("data_dir", "./sdmgr-data")
	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "")
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("sweep_interval", "0s")
	v.SetDefault("max_concurrent_checks", 10)
	v.SetDefault("metrics_interval", "15s")
	v.SetDefault("resolvers", []string{"8.8.8.8:53", "1.1.1.1:53"})
	v.SetDefault("resolver_timeout", "5s")
	v.SetDefault("zone_poll_interval", "5s")
	v.SetDefault("zone_poll_attempts", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("api.tokens", []string{})
	v.SetDefault("secret_key", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "sdmgr:transitions")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads file (when not empty) into v, decodes the result and
// validates it
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the decoder cannot
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "bolt", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q (want bolt or sqlite)", c.Storage.Driver))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir: must not be empty"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep_interval: must not be negative"))
	}
	if c.MaxConcurrentChecks < 1 {
		errs = append(errs, errors.New("max_concurrent_checks: must be at least 1"))
	}
	if c.MetricsInterval <= 0 {
		errs = append(errs, errors.New("metrics_interval: must be positive"))
	}
	if c.ResolverTimeout <= 0 {
		errs = append(errs, errors.New("resolver_timeout: must be positive"))
	}
	if c.ZonePollInterval <= 0 || c.ZonePollAttempts < 1 {
		errs = append(errs, errors.New("zone_poll_interval and zone_poll_attempts: must be positive"))
	}
	for _, r := range c.Resolvers {
		if _, _, err := net.SplitHostPort(r); err != nil {
			errs = append(errs, fmt.Errorf("resolvers: %q is not host:port", r))
		}
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		errs = append(errs, errors.New("redis.channel: required when redis.addr is set"))
	}

	return errors.Join(errs...)
}
