// Package config loads the YAML configuration for the coordinator and
// the worker binaries.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"

	"accord/internal/pricing"
)

const envPrefix = "ACCORD"

// ServerFileConfig captures the coordinator's on-disk YAML sections.
type ServerFileConfig struct {
	Server       ServerSection       `yaml:"server" mapstructure:"server"`
	Pricing      PricingSection      `yaml:"pricing" mapstructure:"pricing"`
	ContentStore ContentStoreSection `yaml:"content_store" mapstructure:"content_store"`
	Quorum       QuorumSection       `yaml:"quorum" mapstructure:"quorum"`
	Logging      LoggingSection      `yaml:"logging" mapstructure:"logging"`
}

// ServerSection controls the HTTP listener.
type ServerSection struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	EnableCORS   bool          `yaml:"enable_cors" mapstructure:"enable_cors"`
	Debug        bool          `yaml:"debug" mapstructure:"debug"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// PricingSection declares unit prices as decimal strings, converted to
// scaled integers at load time.
type PricingSection struct {
	DefaultUnit string            `yaml:"default_unit" mapstructure:"default_unit"`
	Variants    map[string]string `yaml:"variants" mapstructure:"variants"`
}

// ContentStoreSection controls the on-disk blob store.
type ContentStoreSection struct {
	Dir       string `yaml:"dir" mapstructure:"dir"`
	CacheSize int    `yaml:"cache_size" mapstructure:"cache_size"`
}

// QuorumSection names the identity the aggregator dispatches sub-tasks
// under.
type QuorumSection struct {
	Handle string `yaml:"handle" mapstructure:"handle"`
}

// LoggingSection selects the minimum level emitted.
type LoggingSection struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// WorkerFileConfig captures the worker's on-disk YAML sections.
type WorkerFileConfig struct {
	Handle        string         `yaml:"handle" mapstructure:"handle"`
	ServerURL     string         `yaml:"server_url" mapstructure:"server_url"`
	BaseInterval  time.Duration  `yaml:"base_interval" mapstructure:"base_interval"`
	FetchRetries  uint64         `yaml:"fetch_retries" mapstructure:"fetch_retries"`
	RedialBackoff time.Duration  `yaml:"redial_backoff" mapstructure:"redial_backoff"`
	Compute       ComputeSection `yaml:"compute" mapstructure:"compute"`
	Logging       LoggingSection `yaml:"logging" mapstructure:"logging"`
}

// ComputeSection configures the completion backend the worker calls.
type ComputeSection struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string        `yaml:"api_key" mapstructure:"api_key"`
	DefaultModel string        `yaml:"default_model" mapstructure:"default_model"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// DefaultServerConfig returns the coordinator defaults applied under any
// explicit file values.
func DefaultServerConfig() ServerFileConfig {
	return ServerFileConfig{
		Server: ServerSection{
			Host:         "localhost",
			Port:         8080,
			EnableCORS:   true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Pricing: PricingSection{
			DefaultUnit: "1",
		},
		ContentStore: ContentStoreSection{
			Dir:       "data/content",
			CacheSize: 256,
		},
		Quorum: QuorumSection{
			Handle: "quorum-aggregator",
		},
		Logging: LoggingSection{Level: "info"},
	}
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() WorkerFileConfig {
	return WorkerFileConfig{
		ServerURL:     "http://localhost:8080",
		BaseInterval:  time.Minute,
		FetchRetries:  3,
		RedialBackoff: 5 * time.Second,
		Compute: ComputeSection{
			Timeout:    2 * time.Minute,
			MaxRetries: 3,
		},
		Logging: LoggingSection{Level: "info"},
	}
}

// LoadServer reads the coordinator config. path may be empty, in which
// case the usual search locations are tried and a missing file falls back
// to defaults. Environment variables with the ACCORD_ prefix override
// file values (ACCORD_SERVER_PORT, ACCORD_PRICING_DEFAULT_UNIT, ...).
func LoadServer(path string) (ServerFileConfig, error) {
	cfg := DefaultServerConfig()
	if err := load(path, "accordd", &cfg); err != nil {
		return cfg, err
	}
	if err := validateServer(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWorker reads the worker config with the same layering as LoadServer.
func LoadWorker(path string) (WorkerFileConfig, error) {
	cfg := DefaultWorkerConfig()
	if err := load(path, "accord-worker", &cfg); err != nil {
		return cfg, err
	}
	if err := validateWorker(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func load(path, name string, out any) error {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.accord")
		v.AddConfigPath("/etc/accord")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return v.Unmarshal(out)
		}
		return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
	}
	return v.Unmarshal(out)
}

func validateServer(cfg ServerFileConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Quorum.Handle == "" {
		return fmt.Errorf("config: quorum.handle must not be empty")
	}
	if _, err := cfg.PriceTable(); err != nil {
		return err
	}
	return nil
}

// ErrMissingHandle reports a worker config without an identity. Callers
// with another handle source (a CLI flag) may treat it as recoverable.
var ErrMissingHandle = errors.New("config: handle must not be empty")

func validateWorker(cfg WorkerFileConfig) error {
	if cfg.Handle == "" {
		return ErrMissingHandle
	}
	if cfg.ServerURL == "" {
		return fmt.Errorf("config: server_url must not be empty")
	}
	if cfg.BaseInterval <= 0 {
		return fmt.Errorf("config: base_interval must be positive")
	}
	return nil
}

// PriceTable converts the pricing section's decimal strings into a table
// of scaled integers.
func (c ServerFileConfig) PriceTable() (*pricing.Table, error) {
	var defaultUnit *big.Int
	if c.Pricing.DefaultUnit != "" {
		v, err := pricing.ParseAmount(c.Pricing.DefaultUnit)
		if err != nil {
			return nil, fmt.Errorf("config: pricing.default_unit: %w", err)
		}
		defaultUnit = v
	}
	variants := make(map[string]*big.Int, len(c.Pricing.Variants))
	for key, raw := range c.Pricing.Variants {
		v, err := pricing.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("config: pricing.variants[%s]: %w", key, err)
		}
		variants[key] = v
	}
	return pricing.NewTable(defaultUnit, variants), nil
}
