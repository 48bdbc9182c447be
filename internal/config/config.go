// Package config loads the signal-store configuration.
//
// Configuration comes from an optional YAML file layered over Default. A few
// SIGNALD_* environment variables override the file so that deployments of
// the daemon keep working unchanged.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gwillem/signal-store/internal/store"
)

// Config is the configuration of a signal-store instance.
type Config struct {
	// Database selects the backing database.
	Database DatabaseConfig `yaml:"database"`

	// Discovery configures the phone number discovery service.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Trust configures the identity key policy.
	Trust TrustConfig `yaml:"trust"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// DatabaseConfig selects the backing database.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	// Default: sqlite
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	// Default: $XDG_DATA_HOME/signal-store/signal.db
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// DiscoveryConfig configures the discovery service. An empty URL disables
// discovery; phone numbers then only resolve if already known.
type DiscoveryConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Timeout bounds a single lookup.
	// Default: 30s
	Timeout string `yaml:"timeout"`
}

// TrustConfig configures the identity key policy.
type TrustConfig struct {
	// NewKeys marks changed identity keys TRUSTED_UNVERIFIED instead of
	// UNTRUSTED.
	NewKeys bool `yaml:"new_keys"`

	// AllKeysOnStart marks every known key trusted when the store opens.
	AllKeysOnStart bool `yaml:"all_keys_on_start"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(store.DefaultDataDir(), "signal.db"),
		},
		Discovery: DiscoveryConfig{
			Timeout: "30s",
		},
	}
}

// Load returns the configuration from path layered over Default, with
// environment overrides applied. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.Database.Path = expandHome(c.Database.Path)
	return nil
}

// applyEnv applies the SIGNALD_* overrides.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("SIGNALD_DATABASE"); v != "" {
		if err := c.Database.parseURL(v); err != nil {
			return fmt.Errorf("SIGNALD_DATABASE: %w", err)
		}
	}
	for name, dst := range map[string]*bool{
		"SIGNALD_TRUST_NEW_KEYS":  &c.Trust.NewKeys,
		"SIGNALD_TRUST_ALL_KEYS":  &c.Trust.AllKeysOnStart,
		"SIGNALD_VERBOSE_LOGGING": &c.Verbose,
	} {
		v := getenv(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	return nil
}

// parseURL accepts "sqlite:<path>" and "postgres://..." (or
// "postgresql://...") connection strings.
func (d *DatabaseConfig) parseURL(s string) error {
	switch {
	case strings.HasPrefix(s, "sqlite:"):
		d.Driver = "sqlite"
		d.Path = expandHome(strings.TrimPrefix(strings.TrimPrefix(s, "sqlite:"), "//"))
	case strings.HasPrefix(s, "postgres://"), strings.HasPrefix(s, "postgresql://"):
		d.Driver = "postgres"
		d.DSN = s
	default:
		return fmt.Errorf("unsupported database %q", s)
	}
	return nil
}

// Validate checks the configuration for values that cannot be used.
func (c *Config) Validate() error {
	dialect, err := store.ParseDialect(c.Database.Driver)
	if err != nil {
		return fmt.Errorf("config: database: %w", err)
	}
	if dialect == store.Postgres && c.Database.DSN == "" {
		return fmt.Errorf("config: database: postgres requires a dsn")
	}
	if _, err := c.DiscoveryTimeout(); err != nil {
		return err
	}
	return nil
}

// DiscoveryTimeout returns the parsed discovery timeout.
func (c *Config) DiscoveryTimeout() (time.Duration, error) {
	if c.Discovery.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Discovery.Timeout)
	if err != nil {
		return 0, fmt.Errorf("config: discovery timeout: %w", err)
	}
	return d, nil
}

// StoreConfig returns the store settings described by the configuration.
func (c *Config) StoreConfig() (store.Config, error) {
	dialect, err := store.ParseDialect(c.Database.Driver)
	if err != nil {
		return store.Config{}, fmt.Errorf("config: %w", err)
	}
	return store.Config{Dialect: dialect, Path: c.Database.Path, DSN: c.Database.DSN}, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
