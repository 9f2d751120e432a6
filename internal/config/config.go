package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/p2wdb/p2wdb/internal/hash"
	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Hash      HashConfig      `mapstructure:"hash"`
	Index     IndexConfig     `mapstructure:"index"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	API       APIConfig       `mapstructure:"api"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

type NodeConfig struct {
	ID        string            `mapstructure:"id"`
	DBName    string            `mapstructure:"db_name"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type LedgerConfig struct {
	URL     string        `mapstructure:"url"`
	TokenID string        `mapstructure:"token_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ValidatorConfig struct {
	MaxDataSize   int           `mapstructure:"max_data_size"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	FreshWindow   time.Duration `mapstructure:"fresh_window"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	Grace         float64       `mapstructure:"grace"`
	CacheNotFound bool          `mapstructure:"cache_not_found"`
}

type RetryConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

type PricingConfig struct {
	RequiredBurnQty float64       `mapstructure:"required_burn_qty"`
	URL             string        `mapstructure:"url"`
	Interval        time.Duration `mapstructure:"interval"`
}

type HashConfig struct {
	Algorithm string `mapstructure:"algorithm"`
}

type IndexConfig struct {
	Backend   string `mapstructure:"backend"`
	CacheSize int    `mapstructure:"cache_size"`
	Postgres  string `mapstructure:"postgres"`
}

type AuditConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// APIConfig is the running node's local command endpoint. Nodes that
// replicate accept writes only through it.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type AlertsConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	SlackWebhook string   `mapstructure:"slack_webhook"`
	Webhooks     []string `mapstructure:"webhooks"`
}

const (
	IndexBackendBolt     = "bolt"
	IndexBackendPostgres = "postgres"
)

var defaults = map[string]interface{}{
	"node.db_name":              "p2wdb",
	"node.bind_addr":            "127.0.0.1:7000",
	"node.data_dir":             "./data",
	"ledger.timeout":            "15s",
	"validator.max_data_size":   10000,
	"validator.max_age":         "8760h",
	"validator.fresh_window":    "10s",
	"validator.settle_delay":    "5s",
	"validator.grace":           0.98,
	"validator.cache_not_found": true,
	"retry.concurrency":         4,
	"retry.initial_interval":    "1s",
	"retry.max_interval":        "30s",
	"retry.max_elapsed":         "2m",
	"pricing.interval":          "10m",
	"hash.algorithm":            "sha256",
	"index.backend":             IndexBackendBolt,
	"index.cache_size":          4096,
	"audit.interval":            "1h",
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Default returns the configuration a node runs with when the file sets
// nothing beyond its identity.
func Default() *Config {
	var config Config
	if err := newViper().Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default config does not decode: %v", err))
	}
	return &config
}

func Load(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("P2WDB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Node.DBName == "" {
		c.Node.DBName = "p2wdb"
	}

	if c.Ledger.URL == "" {
		return fmt.Errorf("ledger.url is required")
	}
	if c.Ledger.TokenID == "" {
		return fmt.Errorf("ledger.token_id is required")
	}

	if c.Validator.Grace <= 0 || c.Validator.Grace > 1 {
		return fmt.Errorf("validator.grace must be above 0 and at most 1, got %v", c.Validator.Grace)
	}
	if c.Validator.MaxDataSize < 0 {
		return fmt.Errorf("validator.max_data_size must not be negative")
	}

	if c.Pricing.RequiredBurnQty <= 0 && c.Pricing.URL == "" {
		return fmt.Errorf("pricing.required_burn_qty or pricing.url is required")
	}

	if c.Hash.Algorithm == "" {
		c.Hash.Algorithm = string(hash.SHA256)
	}
	if !hash.Algorithm(c.Hash.Algorithm).Valid() {
		return fmt.Errorf("invalid hash algorithm: %s (valid options: %s, %s, %s)",
			c.Hash.Algorithm, hash.SHA256, hash.BLAKE3, hash.BLAKE2b256)
	}

	switch c.Index.Backend {
	case "":
		c.Index.Backend = IndexBackendBolt
	case IndexBackendBolt:
	case IndexBackendPostgres:
		if c.Index.Postgres == "" {
			return fmt.Errorf("index.postgres is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid index backend: %s (valid options: %s, %s)",
			c.Index.Backend, IndexBackendBolt, IndexBackendPostgres)
	}

	return nil
}

// Replicates reports whether the node runs raft.
func (c *Config) Replicates() bool {
	return c.Node.Bootstrap || len(c.Node.PeerAddrs) > 0
}
