package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Session.DedupWindow)
	assert.Equal(t, 400*time.Millisecond, cfg.Session.PushInterval)
	assert.Equal(t, 120, cfg.Session.PushDeltaChars)
	assert.Equal(t, []float64{0.6, 0.45, 0.3, 0.2}, cfg.Session.IntentThresholds)
	assert.Equal(t, 8, cfg.Lease.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Registry.TTL)
	assert.Equal(t, 20, cfg.Conversation.FlushThreshold)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9000
llm:
  model: test-model
session:
  dedup_window: 10s
processes:
  - name: research
    description: deep research
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "test-model", cfg.LLM.Model)
	assert.Equal(t, 10*time.Second, cfg.Session.DedupWindow)
	require.Len(t, cfg.Processes, 1)
	assert.Equal(t, "research", cfg.Processes[0].Name)
	// 未覆盖的项保持默认值
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: from-yaml\n"), 0o600))

	t.Setenv("CHATFORGE_LLM_MODEL", "from-env")
	t.Setenv("CHATFORGE_SERVER_HTTP_PORT", "8888")
	t.Setenv("CHATFORGE_SESSION_DEDUP_WINDOW", "30s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Session.DedupWindow)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Lease.MaxConcurrent = 0
	cfg.Processes = []ProcessConfig{{Description: "missing name"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.http_port")
	assert.Contains(t, err.Error(), "lease.max_concurrent")
	assert.Contains(t, err.Error(), "processes[0].name")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "cf", Password: "secret", Name: "chatforge", SSLMode: "disable",
	}
	assert.Contains(t, pg.DSN(), "host=db")
	assert.Contains(t, pg.DSN(), "dbname=chatforge")

	sq := DatabaseConfig{Driver: "sqlite", Name: "./data/test.db"}
	assert.Equal(t, "./data/test.db", sq.DSN())

	mem := DatabaseConfig{Driver: "memory"}
	assert.Empty(t, mem.DSN())
}
