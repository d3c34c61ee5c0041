// Package config loads and validates the service configuration from YAML,
// and watches the file for governance limit changes at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cheneeheng/stategate/pkg/governance"
	"github.com/cheneeheng/stategate/pkg/telemetry"
)

// Config is the root service configuration.
type Config struct {
	// Telemetry configures logging, metrics, tracing, and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Storage selects and configures the repository backend.
	Storage StorageConfig `yaml:"storage" validate:"required"`

	// Locking selects and configures the scope locker.
	Locking LockingConfig `yaml:"locking"`

	// Engine tunes the execution pipeline.
	Engine EngineConfig `yaml:"engine"`

	// Scopes declares per-scope governance limits applied at startup and on
	// configuration reload.
	Scopes []ScopeLimits `yaml:"scopes" validate:"dive"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	// Backend is the storage implementation (sqlite, memory).
	Backend string `yaml:"backend" validate:"oneof=sqlite memory"`

	// Path is the SQLite database path. Required for the sqlite backend.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`
}

// LockingConfig selects the scope locker.
type LockingConfig struct {
	// Backend is the locker implementation (storage, local, redis). The
	// storage backend reuses the SQLite lease table.
	Backend string `yaml:"backend" validate:"omitempty,oneof=storage local redis"`

	// RedisAddr is the Redis address for the redis backend.
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Backend redis,omitempty,hostname_port"`

	// Prefix namespaces all lock keys.
	Prefix string `yaml:"prefix"`
}

// EngineConfig tunes the execution pipeline.
type EngineConfig struct {
	// LockTTL is the scope-lock lease duration.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// HandlerTimeout bounds one handler invocation.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// EvalTimeout bounds one expression evaluation.
	EvalTimeout time.Duration `yaml:"eval_timeout"`
}

// ScopeLimits binds declared governance limits to a scope.
type ScopeLimits struct {
	// ScopeID is the scope the limits apply to.
	ScopeID string `yaml:"scope_id" validate:"required"`

	// Limits are the declared governance ceilings.
	Limits governance.Limits `yaml:"limits"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Telemetry: telemetry.DefaultConfig(),
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "stategate.db",
		},
		Locking: LockingConfig{
			Backend: "storage",
			Prefix:  "stategate:",
		},
		Engine: EngineConfig{
			LockTTL:        30 * time.Second,
			HandlerTimeout: 5 * time.Second,
			EvalTimeout:    time.Second,
		},
	}
}

// Load reads, parses, and validates a configuration file. Missing fields
// fall back to the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks structural constraints and telemetry consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	seen := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		if seen[s.ScopeID] {
			return fmt.Errorf("duplicate scope limits for %s", s.ScopeID)
		}
		seen[s.ScopeID] = true
	}
	return nil
}
