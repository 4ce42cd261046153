package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// isolate runs the test from an empty directory with no config-related
// variables set.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{
		"DATABASE_URL",
		"DBHARNESS_DATABASE_URL",
		"DBHARNESS_FIXTURE_IMAGE",
		"DBHARNESS_FIXTURE_REUSE",
		"DBHARNESS_FIXTURE_LABEL",
		"DBHARNESS_FIXTURE_STARTUP_TIMEOUT",
		"DBHARNESS_FIXTURE_PROBE_INTERVAL",
		"DBHARNESS_FIXTURE_METRICS",
		"DBHARNESS_LOG_LEVEL",
		"DBHARNESS_LOG_FORMAT",
		EnvConfigFile,
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres:16-alpine", cfg.Fixture.Image)
	assert.False(t, cfg.Fixture.Reuse)
	assert.Equal(t, "dbharness", cfg.Fixture.Label)
	assert.Equal(t, 2*time.Minute, cfg.Fixture.StartupTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Fixture.ProbeInterval)
	assert.False(t, cfg.Fixture.Metrics)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("DBHARNESS_FIXTURE_IMAGE", "mysql:8")
	t.Setenv("DBHARNESS_FIXTURE_REUSE", "true")
	t.Setenv("DBHARNESS_FIXTURE_STARTUP_TIMEOUT", "30s")
	t.Setenv("DBHARNESS_FIXTURE_METRICS", "true")
	t.Setenv("DBHARNESS_LOG_FORMAT", "json")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/app")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mysql:8", cfg.Fixture.Image)
	assert.True(t, cfg.Fixture.Reuse)
	assert.Equal(t, 30*time.Second, cfg.Fixture.StartupTimeout)
	assert.True(t, cfg.Fixture.Metrics)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "postgres://u:p@db:5432/app", cfg.DatabaseURL)
}

func TestLoad_PrefixedDatabaseURLWins(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://generic/app")
	t.Setenv("DBHARNESS_DATABASE_URL", "postgres://specific/app")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://specific/app", cfg.DatabaseURL)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("TEST_PG_TAG", "15")

	content := `
fixture:
  image: "postgres:${TEST_PG_TAG}"
  label: "${TEST_LABEL_UNSET:-bench}"
  reuse: true
  startup_timeout: 45s
  env:
    POSTGRES_DB: orm_bench
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dbharness.yaml"), []byte(content), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres:15", cfg.Fixture.Image)
	assert.Equal(t, "bench", cfg.Fixture.Label)
	assert.True(t, cfg.Fixture.Reuse)
	assert.Equal(t, 45*time.Second, cfg.Fixture.StartupTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, map[string]string{"POSTGRES_DB": "orm_bench"}, cfg.Fixture.Env)
}

func TestLoad_ConfigDirectory(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "dbharness.yaml"),
		[]byte("fixture:\n  image: mongo:7\n"), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mongo:7", cfg.Fixture.Image)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dbharness.yaml"),
		[]byte("fixture:\n  image: mongo:7\n"), 0644))
	t.Setenv("DBHARNESS_FIXTURE_IMAGE", "redis:7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis:7", cfg.Fixture.Image)
}

func TestLoad_ExplicitConfigFile(t *testing.T) {
	dir := isolate(t)

	t.Run("Exists", func(t *testing.T) {
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("fixture:\n  label: custom\n"), 0644))
		t.Setenv(EnvConfigFile, path)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "custom", cfg.Fixture.Label)
	})

	t.Run("Missing", func(t *testing.T) {
		t.Setenv(EnvConfigFile, filepath.Join(dir, "nope.yaml"))

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), EnvConfigFile)
	})
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := isolate(t)
	// godotenv never overrides a variable that exists, even empty, so this
	// one must be truly unset.
	require.NoError(t, os.Unsetenv("DBHARNESS_FIXTURE_LABEL"))
	t.Cleanup(func() { _ = os.Unsetenv("DBHARNESS_FIXTURE_LABEL") })

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("DBHARNESS_FIXTURE_LABEL=from-dotenv\n"), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Fixture.Label)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Fixture: FixtureConfig{StartupTimeout: time.Minute, ProbeInterval: time.Millisecond},
			Log:     LogConfig{Level: "info", Format: "auto"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero startup timeout", mutate: func(c *Config) { c.Fixture.StartupTimeout = 0 }, wantErr: "startup_timeout"},
		{name: "negative probe interval", mutate: func(c *Config) { c.Fixture.ProbeInterval = -time.Second }, wantErr: "probe_interval"},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestYAML(t *testing.T) {
	cfg := &Config{
		Fixture: FixtureConfig{
			Image:          "postgres:16-alpine",
			Label:          "dbharness",
			StartupTimeout: 90 * time.Second,
			ProbeInterval:  250 * time.Millisecond,
			Metrics:        true,
		},
		Log:         LogConfig{Level: "info", Format: "json"},
		DatabaseURL: "postgres://bench:hunter2@db:5432/app?sslmode=disable",
	}

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	fixture := decoded["fixture"].(map[string]any)
	assert.Equal(t, "1m30s", fixture["startup_timeout"])
	assert.Equal(t, "250ms", fixture["probe_interval"])
	assert.Equal(t, true, fixture["metrics"])
	assert.True(t, strings.HasPrefix(decoded["database_url"].(string), "postgres://bench:xxxxx@db:5432"))
}
