package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/typedkv/typedkv"
)

// Config holds all configuration for the typedkv CLI
type Config struct {
	// Storage configuration
	Engine  string `mapstructure:"engine"` // badger, pebble
	DataDir string `mapstructure:"data_dir"`

	// Logging configuration
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // text, json

	// Engine tuning
	SyncWrites bool  `mapstructure:"sync_writes"` // badger: sync every write
	CacheSize  int64 `mapstructure:"cache_size"`  // pebble: block cache bytes

	// Transaction configuration
	Txn TxnConfig `mapstructure:"txn"`
}

// TxnConfig defines transaction retry configuration
type TxnConfig struct {
	Backoff    string        `mapstructure:"backoff"` // constant, linear, exponential
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// BackoffPolicy returns the backoff policy named by the config, with Base and
// Max overriding the policy's defaults when set.
func (c TxnConfig) BackoffPolicy() (typedkv.Backoff, error) {
	switch c.Backoff {
	case "constant":
		b := typedkv.DefaultConstantBackoff()
		if c.Base > 0 {
			b.Delay = c.Base
		}
		return b, nil
	case "linear":
		b := typedkv.DefaultLinearBackoff()
		if c.Base > 0 {
			b.Base = c.Base
		}
		if c.Max > 0 {
			b.Max = c.Max
		}
		return b, nil
	case "exponential":
		b := typedkv.DefaultExponentialBackoff()
		if c.Base > 0 {
			b.Base = c.Base
		}
		if c.Max > 0 {
			b.Max = c.Max
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backoff policy %q", c.Backoff)
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("TYPEDKV")
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("engine", "badger")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("sync_writes", false)
	v.SetDefault("cache_size", 256<<20)

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	// Transaction defaults
	v.SetDefault("txn.backoff", "exponential")
	v.SetDefault("txn.base", 10*time.Millisecond)
	v.SetDefault("txn.max", 5*time.Second)
	v.SetDefault("txn.max_retries", typedkv.DefaultMaxRetries)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"engine":      "engine",
		"data-dir":    "data_dir",
		"log-level":   "log_level",
		"log-format":  "log_format",
		"sync-writes": "sync_writes",
		"cache-size":  "cache_size",
		"backoff":     "txn.backoff",
		"max-retries": "txn.max_retries",
	}

	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	// Validate that data_dir is configured (either via flag, config file, or env var)
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or TYPEDKV_DATA_DIR environment variable")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Engine != "badger" && cfg.Engine != "pebble" {
		return fmt.Errorf("unknown engine %q: must be badger or pebble", cfg.Engine)
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q: must be text or json", cfg.LogFormat)
	}

	if cfg.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive, got %d", cfg.CacheSize)
	}
	if cfg.Txn.MaxRetries < 0 {
		return fmt.Errorf("txn.max_retries must not be negative, got %d", cfg.Txn.MaxRetries)
	}
	if _, err := cfg.Txn.BackoffPolicy(); err != nil {
		return err
	}

	return nil
}
