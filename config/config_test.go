package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_AppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "propagator.toml")
	contents := `
[kernel]
fail_fast = true

[http_bridge]
base_url = "http://example.invalid"
batch_size = 10
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.True(t, cfg.Kernel.FailFast)
	require.Equal(t, "http://example.invalid", cfg.HTTP.BaseURL)
	require.Equal(t, 10, cfg.HTTP.BatchSize)
	// Defaults not present in the file still apply.
	require.Equal(t, 250, cfg.HTTP.BatchDelayMS)
	require.Equal(t, "propagator.db", cfg.Storage.Path)
	require.Equal(t, []string{"./primitives"}, cfg.Primitives.Paths)
}

func TestLoadFromFile_MissingFileIsError(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoad_CachesAcrossCalls(t *testing.T) {
	Reset()
	defer Reset()

	cfg1, err := Load()
	require.NoError(t, err)
	cfg2, err := Load()
	require.NoError(t, err)
	require.Same(t, cfg1, cfg2)
}

func TestLoad_DefaultsWithNoProjectConfig(t *testing.T) {
	Reset()
	defer Reset()

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.Kernel.FailFast)
	require.Equal(t, 25, cfg.HTTP.BatchSize)
	require.False(t, cfg.WS.Enabled)
	require.Equal(t, ":9090", cfg.GRPC.Addr)
}
