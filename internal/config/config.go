// Package config handles loading, validating, and writing the TrailGuard
// configuration from ~/.trailguard/config.yaml, plus the separately
// hot-reloadable redaction policy in redaction.yaml.
//
// The config defines:
//   - Forensics API bind address (host:port)
//   - Audit database location
//   - Integrity verifier sample size
//
// The redaction policy (sensitive key substrings and glob patterns) lives
// in its own file so operators can tighten it on a running service
// without a restart.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trailguard/trailguard/internal/redact"
)

// Config is the top-level TrailGuard configuration. Loaded from
// ~/.trailguard/config.yaml, with defaults for fields not explicitly set.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Verify  VerifyConfig  `yaml:"verify"`
}

// ServerConfig defines where the forensics API listens.
// Default: 127.0.0.1:3400 (loopback only — never bind to 0.0.0.0 unless
// the deployment fronts it with its own auth).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig locates the audit database. A relative path is resolved
// against the config directory by the CLI.
type StorageConfig struct {
	Database string `yaml:"database"`
}

// VerifyConfig tunes VerifyIntegrity's completeness check: the N newest
// audit entries are checked for an immutable chain counterpart.
type VerifyConfig struct {
	RecentWindow int `yaml:"recentWindow"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal before `trailguard
			// config init` creates the file.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `trailguard config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# TrailGuard Configuration
#
# server:
#   host: Forensics API bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3400)
#
# storage:
#   database: Audit database file, relative to this directory
#
# verify:
#   recentWindow: How many recent audit entries the integrity check
#                 samples for a missing immutable copy

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3400,
		},
		Storage: StorageConfig{
			Database: "audit.db",
		},
		Verify: VerifyConfig{
			RecentWindow: 100,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Storage.Database == "" {
		return fmt.Errorf("storage.database must not be empty")
	}
	if cfg.Verify.RecentWindow < 1 {
		return fmt.Errorf("verify.recentWindow must be positive")
	}
	return nil
}

// redactionFile is the YAML shape of redaction.yaml.
type redactionFile struct {
	// Fields extends the built-in sensitive substring list.
	Fields []string `yaml:"fields"`
	// Patterns are glob expressions matched against lowercased keys.
	Patterns []string `yaml:"patterns"`
	// ReplaceDefaults drops the built-in list instead of extending it.
	ReplaceDefaults bool `yaml:"replaceDefaults"`
}

// LoadRedaction reads redaction.yaml and builds a compiled policy.
// A missing file yields the default policy. Invalid YAML or an invalid
// glob pattern is an error — a half-applied redaction policy that
// silently leaks secrets is worse than refusing to start.
func LoadRedaction(path string) (*redact.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return redact.DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("reading redaction policy %s: %w", path, err)
	}

	var rf redactionFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing redaction policy %s: %w", path, err)
	}

	policy := &redact.Policy{Patterns: rf.Patterns}
	if rf.ReplaceDefaults {
		policy.Substrings = rf.Fields
	} else {
		policy.Substrings = append(append([]string(nil), redact.DefaultSensitiveFields...), rf.Fields...)
	}

	if err := policy.Compile(); err != nil {
		return nil, fmt.Errorf("invalid redaction policy %s: %w", path, err)
	}
	return policy, nil
}

// WriteDefaultRedaction writes a commented redaction.yaml template.
// The built-in sensitive field list stays active whether or not this
// file exists; the template only shows how to extend it.
func WriteDefaultRedaction(path string) error {
	const template = `# TrailGuard Redaction Policy
#
# Payload keys matching any entry below are replaced with [REDACTED]
# before the entry is persisted. Matching is case-insensitive and
# ignores the separators "_", "-", and " ", so "password" also covers
# api_password, Api-Password, and USER PASSWORD.
#
# fields:   substrings appended to the built-in list
#           (password, token, secret, apikey, creditcard, cvv, ssn)
# patterns: glob expressions matched against normalized keys,
#           e.g. "card*" or "*secret*"
# replaceDefaults: set true to drop the built-in list entirely

fields: []
patterns: []
replaceDefaults: false
`
	return os.WriteFile(path, []byte(template), 0o644)
}
