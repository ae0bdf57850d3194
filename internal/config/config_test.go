package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(LoaderOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":9000", cfg.Collector.ListenAddr)
	assert.Equal(t, 21473, cfg.Courier.Port)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
collector:
  listen_addr: ":8443"
postgres:
  host: db.internal
  database: gatewaydb
`), 0o644))

	cfg, err := Load(LoaderOptions{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":8443", cfg.Collector.ListenAddr)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "gatewaydb", cfg.Postgres.Database)
	// Untouched sections keep their defaults.
	assert.Equal(t, 21473, cfg.Courier.Port)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("postgres:\n  host: file-host\n"), 0o644))

	t.Setenv("GATEWAY_POSTGRES_HOST", "env-host")

	cfg, err := Load(LoaderOptions{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.Postgres.Host)
}

func TestSkipEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	cfg, err := Load(LoaderOptions{
		ConfigPath:       filepath.Join(t.TempDir(), "missing.yaml"),
		SkipEnvOverrides: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestConnString(t *testing.T) {
	p := PostgresConfig{Host: "h", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", p.ConnString())
}
