package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "p2wdb-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node1
  bind_addr: 0.0.0.0:7000
  data_dir: /tmp/data
  peer_addrs:
    node2: 10.0.0.2:7000

ledger:
  url: https://ledger.example
  token_id: abc123

pricing:
  required_burn_qty: 0.133

validator:
  settle_delay: 2s

alerts:
  enabled: true
  webhooks:
    - https://hooks.example/a
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != "node1" {
		t.Errorf("expected node.id=node1, got %s", cfg.Node.ID)
	}
	if cfg.Node.PeerAddrs["node2"] != "10.0.0.2:7000" {
		t.Errorf("expected peer node2, got %v", cfg.Node.PeerAddrs)
	}
	if cfg.Pricing.RequiredBurnQty != 0.133 {
		t.Errorf("expected required_burn_qty=0.133, got %v", cfg.Pricing.RequiredBurnQty)
	}
	if cfg.Validator.SettleDelay != 2*time.Second {
		t.Errorf("expected settle_delay=2s, got %v", cfg.Validator.SettleDelay)
	}
	if len(cfg.Alerts.Webhooks) != 1 {
		t.Errorf("expected 1 webhook, got %d", len(cfg.Alerts.Webhooks))
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node1
ledger:
  url: https://ledger.example
  token_id: abc123
pricing:
  required_burn_qty: 0.1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Validator.MaxDataSize != 10000 {
		t.Errorf("expected max_data_size=10000, got %d", cfg.Validator.MaxDataSize)
	}
	if cfg.Validator.MaxAge != 365*24*time.Hour {
		t.Errorf("expected max_age=365d, got %v", cfg.Validator.MaxAge)
	}
	if cfg.Validator.FreshWindow != 10*time.Second || cfg.Validator.SettleDelay != 5*time.Second {
		t.Errorf("unexpected settlement defaults: %v / %v", cfg.Validator.FreshWindow, cfg.Validator.SettleDelay)
	}
	if cfg.Validator.Grace != 0.98 {
		t.Errorf("expected grace=0.98, got %v", cfg.Validator.Grace)
	}
	if !cfg.Validator.CacheNotFound {
		t.Error("expected cache_not_found to default to true")
	}
	if cfg.Hash.Algorithm != "sha256" {
		t.Errorf("expected sha256, got %s", cfg.Hash.Algorithm)
	}
	if cfg.Index.Backend != IndexBackendBolt {
		t.Errorf("expected bolt index, got %s", cfg.Index.Backend)
	}
	if cfg.Retry.Concurrency != 4 || cfg.Retry.MaxElapsed != 2*time.Minute {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_LEDGER_URL", "https://from-env.example")

	path := writeConfig(t, `
node:
  id: node1
ledger:
  url: ${TEST_LEDGER_URL}
  token_id: abc123
pricing:
  required_burn_qty: 0.1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ledger.URL != "https://from-env.example" {
		t.Errorf("expected expanded url, got %s", cfg.Ledger.URL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/p2wdb.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := *Default()
		cfg.Node.ID = "node1"
		cfg.Ledger.URL = "https://ledger.example"
		cfg.Ledger.TokenID = "abc123"
		cfg.Pricing.RequiredBurnQty = 0.1
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing node id", func(c *Config) { c.Node.ID = "" }, true},
		{"missing data dir", func(c *Config) { c.Node.DataDir = "" }, true},
		{"missing ledger url", func(c *Config) { c.Ledger.URL = "" }, true},
		{"missing token id", func(c *Config) { c.Ledger.TokenID = "" }, true},
		{"no price source", func(c *Config) { c.Pricing.RequiredBurnQty = 0 }, true},
		{"price url only", func(c *Config) {
			c.Pricing.RequiredBurnQty = 0
			c.Pricing.URL = "https://price.example"
		}, false},
		{"grace above one", func(c *Config) { c.Validator.Grace = 1.5 }, true},
		{"grace zero", func(c *Config) { c.Validator.Grace = 0 }, true},
		{"grace one", func(c *Config) { c.Validator.Grace = 1 }, false},
		{"blake3", func(c *Config) { c.Hash.Algorithm = "blake3" }, false},
		{"blake2b", func(c *Config) { c.Hash.Algorithm = "blake2b_256" }, false},
		{"unknown hash", func(c *Config) { c.Hash.Algorithm = "md5" }, true},
		{"postgres without dsn", func(c *Config) { c.Index.Backend = IndexBackendPostgres }, true},
		{"postgres with dsn", func(c *Config) {
			c.Index.Backend = IndexBackendPostgres
			c.Index.Postgres = "postgres://localhost/p2wdb"
		}, false},
		{"unknown index", func(c *Config) { c.Index.Backend = "redis" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := Config{
		Node:      NodeConfig{ID: "n", BindAddr: "127.0.0.1:7000", DataDir: "/data"},
		Ledger:    LedgerConfig{URL: "u", TokenID: "t"},
		Validator: ValidatorConfig{Grace: 0.98},
		Pricing:   PricingConfig{RequiredBurnQty: 1},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Hash.Algorithm != "sha256" {
		t.Errorf("expected default algorithm sha256, got %s", cfg.Hash.Algorithm)
	}
	if cfg.Index.Backend != IndexBackendBolt {
		t.Errorf("expected default backend bolt, got %s", cfg.Index.Backend)
	}
	if cfg.Node.DBName != "p2wdb" {
		t.Errorf("expected default db name p2wdb, got %s", cfg.Node.DBName)
	}
}

func TestLoadGraceZeroRejected(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node1
ledger:
  url: https://ledger.example
  token_id: abc123
validator:
  grace: 0
pricing:
  required_burn_qty: 0.1
`)

	if _, err := Load(path); err == nil {
		t.Error("Expected an explicit grace of 0 to be rejected")
	}
}

func TestReplicates(t *testing.T) {
	cfg := Default()
	if cfg.Replicates() {
		t.Error("Expected a default node not to replicate")
	}

	cfg.Node.PeerAddrs = map[string]string{"node2": "10.0.0.2:7000"}
	if !cfg.Replicates() {
		t.Error("Expected a node with peers to replicate")
	}

	cfg = Default()
	cfg.Node.Bootstrap = true
	if !cfg.Replicates() {
		t.Error("Expected a bootstrap node to replicate")
	}
}
