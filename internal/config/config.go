// Package config handles loading and validating the auditchain service
// configuration from config.yaml.
//
// The config defines:
//   - Deployment environment (development/production)
//   - Server bind address (host:port)
//   - Log database path and exports directory
//   - HMAC secret, retention window, verification cap
//   - Scheduler toggle for the weekly check and daily retention sweep
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SecretEnv is the environment variable that overrides the configured
// HMAC secret. Preferred over putting the secret in the file.
const SecretEnv = "AUDIT_LOG_SECRET"

// devSecret is the clearly-labeled fallback for development deployments.
// Production refuses to start without a real secret.
const devSecret = "default-audit-secret-dev-only"

// Config is the top-level service configuration. Loaded from config.yaml
// with sensible defaults for fields that are not explicitly set.
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Exports   ExportsConfig   `yaml:"exports"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig defines where the HTTP API listens.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig locates the SQLite log database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ExportsConfig locates where rendered export files are written.
type ExportsConfig struct {
	Dir string `yaml:"dir"`
}

// IntegrityConfig tunes the hash-chain engine.
//
// Secret is the HMAC key shared by all hash computations; process-wide,
// read-only after startup. SerializeWrites trades write throughput for a
// guaranteed linear chain (no concurrent-writer forks).
type IntegrityConfig struct {
	Secret          string `yaml:"secret"`
	RetentionDays   int    `yaml:"retentionDays"`
	VerifyLimit     int    `yaml:"verifyLimit"`
	SerializeWrites bool   `yaml:"serializeWrites"`
}

// SchedulerConfig toggles the recurring jobs.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path. A missing file
// yields defaults (normal on first run). The AUDIT_LOG_SECRET environment
// variable overrides the configured secret either way.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if env := os.Getenv(SecretEnv); env != "" {
		cfg.Integrity.Secret = env
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Integrity.Secret == "" {
		cfg.Integrity.Secret = devSecret
	}
	return cfg, nil
}

// IsProduction reports whether the deployment profile is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// applyDefaults returns a Config with every field set to its default.
func applyDefaults() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4200,
		},
		Database: DatabaseConfig{
			Path: "auditchain.db",
		},
		Exports: ExportsConfig{
			Dir: "exports",
		},
		Integrity: IntegrityConfig{
			RetentionDays: 90,
			VerifyLimit:   50000,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing. The
// secret check is the fail-fast guard: production must never fall back
// to the development key.
func validate(cfg *Config) error {
	switch cfg.Env {
	case "development", "production":
	default:
		return fmt.Errorf("env must be development or production, got %q", cfg.Env)
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if cfg.Integrity.Secret == "" && cfg.Env == "production" {
		return fmt.Errorf("integrity.secret (or %s) must be set in production", SecretEnv)
	}
	if cfg.Integrity.RetentionDays < 1 {
		return fmt.Errorf("integrity.retentionDays must be at least 1")
	}
	if cfg.Integrity.VerifyLimit < 1 {
		return fmt.Errorf("integrity.verifyLimit must be at least 1")
	}

	return nil
}
