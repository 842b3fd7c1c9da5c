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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
database:
  dsn: "postgres://localhost/specdraft"
generator:
  model: "gpt-4o"
  api_key: "sk-test"
rate_limit:
  window: 30s
  max_requests: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "postgres://localhost/specdraft", cfg.Database.DSN)
	assert.Equal(t, "gpt-4o", cfg.Generator.Model)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)

	// defaults fill the rest
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 30*24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 100000, cfg.RateLimit.MaxTokens)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_GENERATOR_KEY", "sk-from-env")

	path := writeConfig(t, `
generator:
  api_key: "${TEST_GENERATOR_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Generator.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: valid")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
session:
  ttl: 5s
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "session.ttl")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.NoError(t, cfg.Validate())
}
