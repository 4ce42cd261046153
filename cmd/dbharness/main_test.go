package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"dbharness/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{
		"DATABASE_URL", "DBHARNESS_DATABASE_URL", "DBHARNESS_FIXTURE_IMAGE",
		"DBHARNESS_LOG_FORMAT", "DBHARNESS_LOG_LEVEL", config.EnvConfigFile,
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "dbharness dev")
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), nil, &stdout, &stderr)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr.String(), "dump-schema")
}

func TestRun_UnknownCommand(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"migrate"}, &stdout, &stderr)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr.String(), `unknown command "migrate"`)
}

func TestRun_Config(t *testing.T) {
	isolate(t)
	t.Setenv("DBHARNESS_FIXTURE_IMAGE", "mysql:8.4")
	t.Setenv("DATABASE_URL", "postgres://app:topsecret@db:5432/app")

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"config"}, &stdout, &stderr))

	assert.NotContains(t, stdout.String(), "topsecret")
	var out map[string]any
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, "mysql:8.4", out["fixture"].(map[string]any)["image"])
}

// With DATABASE_URL set nothing is launched, so url works without Docker.
func TestRun_URLWithOverride(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "mysql://bench:pw@db.internal:3307/orm_bench")
	t.Setenv("DBHARNESS_FIXTURE_IMAGE", "mysql:8.4")

	t.Run("url", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		require.NoError(t, run(context.Background(), []string{"url"}, &stdout, &stderr))
		assert.Equal(t, "mysql://bench:pw@db.internal:3307/orm_bench\n", stdout.String())
	})

	t.Run("dsn", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		require.NoError(t, run(context.Background(), []string{"url", "-dsn"}, &stdout, &stderr))
		assert.Equal(t, "bench:pw@tcp(db.internal:3307)/orm_bench?multiStatements=true&parseTime=true\n", stdout.String())
	})

	t.Run("invalid image still rejected", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), []string{"url", "-image", "Bad::Image"}, &stdout, &stderr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration_error")
	})

	t.Run("other backend rejected", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), []string{"url", "-image", "redis:7"}, &stdout, &stderr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DATABASE_URL points at a mysql database, not redis")
		assert.Empty(t, stdout.String())
	})
}

// Without DATABASE_URL, url and reset would launch a container the reaper
// removes as soon as the command exits.
func TestRun_PersistentCommandsNeedReaperDisabled(t *testing.T) {
	orig := reuseSupported
	t.Cleanup(func() { reuseSupported = orig })
	reuseSupported = func() bool { return false }

	for _, cmd := range []string{"url", "reset"} {
		t.Run(cmd, func(t *testing.T) {
			isolate(t)
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), []string{cmd}, &stdout, &stderr)
			require.ErrorIs(t, err, errReaperEnabled)
			assert.Contains(t, err.Error(), cmd+":")
			assert.Contains(t, err.Error(), "TESTCONTAINERS_RYUK_DISABLED=true")
			assert.Empty(t, stdout.String())
		})
	}

	t.Run("override needs no container", func(t *testing.T) {
		isolate(t)
		t.Setenv("DATABASE_URL", "postgres://app:pw@db:5432/app")
		var stdout, stderr bytes.Buffer
		require.NoError(t, run(context.Background(), []string{"url"}, &stdout, &stderr))
		assert.Equal(t, "postgres://app:pw@db:5432/app\n", stdout.String())
	})
}

func TestRun_ResetSQLiteOverride(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bench.db")
	t.Setenv("DATABASE_URL", "sqlite:"+path)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"reset"}, &stdout, &stderr))

	_, err := os.Stat(path)
	require.NoError(t, err)
	assert.Contains(t, stderr.String(), "schema ready")
}

func TestRun_BadFlags(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), []string{"url", "-env", "NOEQUALS"}, &stdout, &stderr)
	assert.Error(t, err)

	err = run(context.Background(), []string{"config", "extra"}, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected arguments")

	err = run(context.Background(), []string{"config", "-h"}, &stdout, &stderr)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, stderr.String(), "Usage of config")
}

func TestEnvFlag(t *testing.T) {
	e := envFlag{}
	require.NoError(t, e.Set("POSTGRES_DB=orm_bench"))
	require.NoError(t, e.Set("EMPTY="))
	require.NoError(t, e.Set("DSN=a=b"))
	assert.Equal(t, envFlag{"POSTGRES_DB": "orm_bench", "EMPTY": "", "DSN": "a=b"}, e)

	assert.Error(t, e.Set("=value"))
	assert.Error(t, e.Set("novalue"))
}
