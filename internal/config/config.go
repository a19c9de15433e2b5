// Package config loads recallguard configuration.
//
// Values come from hardcoded defaults, then an optional YAML file, then
// RECALLGUARD_* environment variables. Sections owned by packages that
// themselves depend on config (logging, telemetry) are decoded on demand
// with Section.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/recallguard/internal/embeddings"
	"github.com/fyrsmithlabs/recallguard/internal/retrieval"
	"github.com/fyrsmithlabs/recallguard/internal/trust"
)

// Config holds the recallguard daemon configuration.
type Config struct {
	// DataDir holds experiences.db and events.db.
	DataDir    string            `koanf:"data_dir"`
	Server     ServerConfig      `koanf:"server"`
	Retrieval  retrieval.Config  `koanf:"retrieval"`
	Trust      TrustConfig       `koanf:"trust"`
	Index      IndexConfig       `koanf:"index"`
	Audit      AuditConfig       `koanf:"audit"`
	Embeddings embeddings.Config `koanf:"embeddings"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// BodyLimit caps request bodies, in echo's size notation (e.g. "8M").
	BodyLimit string `koanf:"body_limit"`
	// RateLimit is the sustained requests per second allowed per client IP.
	// Zero disables rate limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TrustConfig selects initial trust levels and the decay policy.
type TrustConfig struct {
	Initial trust.InitialTrust `koanf:"initial"`
	// Policy is "none" or "audit_penalty".
	Policy  string             `koanf:"policy"`
	Penalty trust.AuditPenalty `koanf:"penalty"`
}

// DecayPolicy builds the configured policy.
func (t TrustConfig) DecayPolicy() (trust.DecayPolicy, error) {
	return trust.PolicyByName(t.Policy, t.Penalty)
}

// IndexConfig controls the background indexing cycle.
type IndexConfig struct {
	CycleInterval Duration `koanf:"cycle_interval"`
	MaxPending    int      `koanf:"max_pending"`
}

// AuditConfig controls background audit sweeps.
type AuditConfig struct {
	// SweepInterval between background scans. Zero disables sweeps.
	SweepInterval Duration `koanf:"sweep_interval"`
	// PatternsFile is an optional TOML pattern set, reloaded on change.
	PatternsFile string `koanf:"patterns_file"`
	Credentials  bool   `koanf:"credentials"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir: filepath.Join(home, ".local", "share", "recallguard"),
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9470,
			ShutdownTimeout: Duration(10 * time.Second),
			BodyLimit:       "8M",
			RateLimit:       50,
			RateBurst:       100,
		},
		Retrieval: retrieval.DefaultConfig(),
		Trust: TrustConfig{
			Initial: trust.DefaultInitialTrust(),
			Policy:  trust.PolicyNone,
			Penalty: trust.AuditPenalty{Penalty: 0.1, Floor: 0.1},
		},
		Index: IndexConfig{
			CycleInterval: Duration(time.Second),
			MaxPending:    1024,
		},
		Audit: AuditConfig{
			SweepInterval: Duration(10 * time.Minute),
			Credentials:   true,
		},
		Embeddings: embeddings.Config{
			Provider: embeddings.ProviderNone,
		},
	}
}

// Validate checks every section.
//
// Returns an error if:
//   - data_dir is empty
//   - server port is not between 1 and 65535
//   - shutdown timeout is not positive
//   - a retrieval, trust or embeddings section is invalid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("server rate_limit and rate_burst must be >= 0")
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Trust.Initial.Validate(); err != nil {
		return err
	}
	if _, err := c.Trust.DecayPolicy(); err != nil {
		return err
	}
	if c.Index.MaxPending < 0 {
		return fmt.Errorf("index.max_pending must be >= 0, got %d", c.Index.MaxPending)
	}
	return c.Embeddings.Validate()
}

// Section decodes the subtree at path into out. Fields absent from the
// loaded sources keep the values out already holds, so callers pass a
// struct filled with their own defaults.
func (c *Config) Section(path string, out interface{}) error {
	if c.k == nil || !c.k.Exists(path) {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to decode %s config: %w", path, err)
	}
	return nil
}
