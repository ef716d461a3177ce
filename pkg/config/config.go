// Copyright 2025 Certen Protocol
//
// Configuration loader for the multisig session coordinator.
// YAML on disk, ${VAR_NAME} / ${VAR_NAME:-default} substitution from the
// environment, sensible defaults applied after parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the coordinator server.
type Config struct {
	Server    ServerSettings    `yaml:"server"`
	Session   SessionSettings   `yaml:"session"`
	RateLimit RateLimitSettings `yaml:"auth_rate_limit"`
	Store     StoreSettings     `yaml:"store"`
	Audit     AuditSettings     `yaml:"audit"`
	Metrics   MetricsSettings   `yaml:"metrics"`

	// TunnelProvider is passed through, opaque, to whatever NAT-traversal
	// collaborator the operator runs alongside the coordinator. The core
	// never interprets it.
	TunnelProvider map[string]interface{} `yaml:"tunnel_provider,omitempty"`
}

// ServerSettings contains listener configuration.
type ServerSettings struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`
}

// SessionSettings contains session lifecycle timing.
type SessionSettings struct {
	SessionTimeout          Duration `yaml:"session_timeout"`
	TransactionSafetyMargin Duration `yaml:"transaction_safety_margin"`
	RetentionAfterTerminal  Duration `yaml:"retention_after_terminal"`
}

// RateLimitSettings contains the per-source-address auth rate-limit bucket.
type RateLimitSettings struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	Window        Duration `yaml:"window"`
	BlockDuration Duration `yaml:"block_duration"`
}

// StoreSettings selects and configures the session store backend.
type StoreSettings struct {
	Backend      string            `yaml:"backend"` // "memory" | "replicated_kv"
	Firestore    FirestoreSettings `yaml:"firestore"`
	SnapshotPath string            `yaml:"snapshot_path"` // cometbft-db embedded crash-recovery tier for memory backend
}

// FirestoreSettings configures the replicated_kv backend.
type FirestoreSettings struct {
	Enabled         bool   `yaml:"enabled"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AuditSettings configures the audit log sink.
type AuditSettings struct {
	Backend     string `yaml:"backend"` // "postgres" | "memory"
	DatabaseURL string `yaml:"database_url"`
}

// MetricsSettings configures the Prometheus exporter.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads configuration from a YAML file, substituting ${VAR} references
// against the environment, and applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		expanded := substituteEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in the documented defaults for any zero value.
func (c *Config) applyDefaults() {
	if c.Server.ListenHost == "" {
		c.Server.ListenHost = "localhost"
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 3000
	}
	if c.Session.SessionTimeout == 0 {
		c.Session.SessionTimeout = Duration(30 * time.Minute)
	}
	if c.Session.TransactionSafetyMargin == 0 {
		c.Session.TransactionSafetyMargin = Duration(10 * time.Second)
	}
	if c.Session.RetentionAfterTerminal == 0 {
		c.Session.RetentionAfterTerminal = Duration(5 * time.Minute)
	}
	if c.RateLimit.MaxAttempts == 0 {
		c.RateLimit.MaxAttempts = 5
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(60 * time.Second)
	}
	if c.RateLimit.BlockDuration == 0 {
		c.RateLimit.BlockDuration = Duration(300 * time.Second)
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "memory"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that configuration required for the selected backends is present.
func (c *Config) Validate() error {
	if c.Store.Backend == "replicated_kv" && c.Store.Firestore.Enabled && c.Store.Firestore.ProjectID == "" {
		return fmt.Errorf("store.firestore.project_id is required when store.backend=replicated_kv and firestore is enabled")
	}
	if c.Audit.Backend == "postgres" && c.Audit.DatabaseURL == "" {
		return fmt.Errorf("audit.database_url is required when audit.backend=postgres")
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
