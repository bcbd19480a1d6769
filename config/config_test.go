package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "python", cfg.Engine.Dialect)
	assert.Equal(t, 30*time.Second, cfg.Execution.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Execution.CommandTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.InactivityTimeout)
	assert.Equal(t, 1000, cfg.Sessions.OutputBufferLines)
	assert.Positive(t, cfg.Sessions.MaxConcurrent)
	assert.Empty(t, cfg.Environments)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "gorupool.yaml", `
log_level: debug
engine:
  runtime: /opt/python.wasm
  memory_limit_mb: 256
sessions:
  max_concurrent: 3
  retention: 1m
execution:
  timeout: 2s
environments:
  - id: data
    path: /srv/envs/data
  - id: web
    path: /srv/envs/web
    runtime_path: /opt/other.wasm
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/python.wasm", cfg.EngineConfig().RuntimePath)
	assert.Equal(t, uint32(4096), cfg.MemoryLimitPages())
	assert.Equal(t, 3, cfg.SessionConfig().MaxConcurrentSessions)
	assert.Equal(t, time.Minute, cfg.SessionConfig().Retention)
	assert.Equal(t, 2*time.Second, cfg.Execution.Timeout)
	require.Len(t, cfg.Environments, 2)
	assert.Equal(t, "web", cfg.Environments[1].ID)
	assert.Equal(t, "/opt/other.wasm", cfg.Environments[1].RuntimePath)
	assert.Equal(t, "DEBUG", cfg.Level().String())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "gorupool.toml", `
[engine]
runtime = "guest.wasm"
dialect = "plain"

[execution]
workers = 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "plain", cfg.Engine.Dialect)
	assert.Equal(t, 2, cfg.Execution.Workers)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "gorupool.yaml", "engine:\n  runtime: from-file.wasm\n")
	t.Setenv("GORUPOOL_ENGINE_RUNTIME", "from-env.wasm")
	t.Setenv("GORUPOOL_EXECUTION_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.wasm", cfg.Engine.Runtime)
	assert.Equal(t, 750*time.Millisecond, cfg.Execution.Timeout)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "gorupool.yaml", `
execution:
  timeout: 0s
environments:
  - id: a
  - id: a
  - path: /x
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution.timeout")
	assert.Contains(t, err.Error(), "duplicate id")
	assert.Contains(t, err.Error(), "environments[2]")
}

func TestLevelFallback(t *testing.T) {
	assert.Equal(t, "INFO", Config{LogLevel: "nonsense"}.Level().String())
}
