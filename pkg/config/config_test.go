package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serviceName: orders-coordinator\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "orders-coordinator", cfg.ServiceName)
	require.Equal(t, 300, cfg.LeaseSeconds)
	require.Equal(t, 10000, cfg.PartitionCount)
	require.Equal(t, "public", cfg.Database.Schema)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverridesNestedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
leaseSeconds: 60
database:
  dsn: "postgres://localhost/coord"
  poolSize: 25
log:
  level: debug
  json: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 60, cfg.LeaseSeconds)
	require.Equal(t, "postgres://localhost/coord", cfg.Database.DSN)
	require.Equal(t, 25, cfg.Database.PoolSize)
	require.Equal(t, "public", cfg.Database.Schema) // untouched default
	require.True(t, cfg.Log.JSON)
	require.Equal(t, 10, cfg.MaxAttempts) // untouched default
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaults()
	require.Equal(t, 30_000_000_000, int(cfg.DrainTimeout()))
	require.Equal(t, 60_000_000_000, int(cfg.StaleCutoff()))
}

func TestDefaultMatchesLoadOfEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
