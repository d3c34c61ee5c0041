package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stategate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: sqlite
  path: /tmp/test.db
locking:
  backend: redis
  redis_addr: localhost:6379
engine:
  lock_ttl: 10s
  handler_timeout: 2s
scopes:
  - scope_id: demo
    limits:
      rate_per_minute: 5
      daily_budget: 100
      approvals:
        - min_cost: 50
          required_role: admin
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
	assert.Equal(t, "redis", cfg.Locking.Backend)
	assert.Equal(t, 10*time.Second, cfg.Engine.LockTTL)
	assert.Equal(t, 2*time.Second, cfg.Engine.HandlerTimeout)
	// Unset fields keep their defaults.
	assert.Equal(t, time.Second, cfg.Engine.EvalTimeout)

	require.Len(t, cfg.Scopes, 1)
	limits := cfg.Scopes[0].Limits
	assert.Equal(t, 5, limits.RatePerMinute)
	require.NotNil(t, limits.DailyBudget)
	assert.Equal(t, 100.0, *limits.DailyBudget)
	require.Len(t, limits.Approvals, 1)
	assert.Equal(t, "admin", limits.Approvals[0].RequiredRole)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad backend", "storage:\n  backend: postgres\n"},
		{"sqlite without path", "storage:\n  backend: sqlite\n  path: \"\"\n"},
		{"redis without addr", "storage:\n  backend: memory\nlocking:\n  backend: redis\n"},
		{"scope without id", "storage:\n  backend: memory\nscopes:\n  - limits:\n      rate_per_minute: 1\n"},
		{"duplicate scopes", `
storage:
  backend: memory
scopes:
  - scope_id: demo
  - scope_id: demo
`},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}
