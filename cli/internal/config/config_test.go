package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useMemFs(t *testing.T) afero.Fs {
	t.Helper()
	prev := AppFs
	fs := afero.NewMemMapFs()
	AppFs = fs
	t.Cleanup(func() { AppFs = prev })
	return fs
}

// unsetEnv clears key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

const configYAML = `database:
  url: sqlite:./from-file.db
  shadow_url: postgres://localhost/shadow
paths:
  definitions: schema/definitions
  checkpoints: snapshots
lock:
  wait: 30s
operator: release-bot
required_version: ">= 1.0, < 2.0"
metrics_file: /var/lib/node_exporter/schemaforge.prom
log:
  level: info
`

func TestLoadConfigFromFile(t *testing.T) {
	fs := useMemFs(t)
	unsetEnv(t, "SCHEMAFORGE_DATABASE_URL")
	unsetEnv(t, "SCHEMAFORGE_OPERATOR")
	require.NoError(t, afero.WriteFile(fs, "/etc/schemaforge.yaml", []byte(configYAML), 0o644))

	cfg, err := LoadConfig("/etc/schemaforge.yaml", nil)
	require.NoError(t, err)

	assert.Equal(t, "sqlite:./from-file.db", cfg.DatabaseURL)
	assert.Equal(t, "postgres://localhost/shadow", cfg.ShadowURL)
	assert.Equal(t, "schema/definitions", cfg.DefinitionsDir)
	assert.Equal(t, "migrations", cfg.MigrationsDir)
	assert.Equal(t, "snapshots", cfg.CheckpointsDir)
	assert.Equal(t, 30*time.Second, cfg.LockWait)
	assert.Equal(t, 500*time.Millisecond, cfg.LockPoll)
	assert.Equal(t, "release-bot", cfg.Operator)
	assert.Equal(t, "/var/lib/node_exporter/schemaforge.prom", cfg.MetricsFile)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "/etc/schemaforge.yaml", cfg.ConfigFile)
	assert.Equal(t, ">= 1.0, < 2.0", cfg.RequiredVersion)
}

func TestLoadConfigPrecedence(t *testing.T) {
	fs := useMemFs(t)
	require.NoError(t, afero.WriteFile(fs, "/etc/schemaforge.yaml", []byte(configYAML), 0o644))
	t.Setenv("SCHEMAFORGE_OPERATOR", "from-env")
	t.Setenv("SCHEMAFORGE_DATABASE_URL", "sqlite:./from-env.db")

	cfg, err := LoadConfig("/etc/schemaforge.yaml", Overrides{"database.url": "sqlite:./from-flag.db", "operator": ""})
	require.NoError(t, err)
	assert.Equal(t, "sqlite:./from-flag.db", cfg.DatabaseURL)
	assert.Equal(t, "from-env", cfg.Operator)
}

func TestLoadConfigDatabaseURLFallback(t *testing.T) {
	useMemFs(t)
	unsetEnv(t, "SCHEMAFORGE_DATABASE_URL")
	t.Setenv("DATABASE_URL", "postgres://db.internal/landuse")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db.internal/landuse", cfg.DatabaseURL)
	assert.Equal(t, "definitions", cfg.DefinitionsDir)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoadConfigEnvFiles(t *testing.T) {
	fs := useMemFs(t)
	unsetEnv(t, "SCHEMAFORGE_OPERATOR")
	unsetEnv(t, "SCHEMAFORGE_LOG_LEVEL")
	t.Setenv("SCHEMAFORGE_METRICS_FILE", "/from/env.prom")

	require.NoError(t, afero.WriteFile(fs, ".env", []byte("SCHEMAFORGE_OPERATOR=dotenv\nSCHEMAFORGE_METRICS_FILE=/from/dotenv.prom\nSCHEMAFORGE_LOG_LEVEL=info\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, ".env.local", []byte("SCHEMAFORGE_LOG_LEVEL=debug\n"), 0o644))

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{".env", ".env.local"}, cfg.EnvFilesRead)
	assert.Equal(t, "dotenv", cfg.Operator)
	assert.Equal(t, "/from/env.prom", cfg.MetricsFile, ".env never overrides the environment")
	assert.Equal(t, "debug", cfg.LogLevel, ".env.local overrides .env")
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	useMemFs(t)
	_, err := LoadConfig("/nope.yaml", nil)
	assert.Error(t, err)
}
