package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsPrimaryWithNoMetrics(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.IsReplica())
	require.Equal(t, "", cfg.MetricsAddr)
	require.Equal(t, 1000, cfg.MaxKeys)
}

func TestLoadWithEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesFromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
host = "127.0.0.1"
port = 7000
replication_role = "replica"
replication_master_host = "10.0.0.1"
replication_master_port = 6379
max_keys = 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 7000, cfg.Port)
	require.True(t, cfg.IsReplica())
	require.Equal(t, "10.0.0.1", cfg.ReplicationMasterHost)
	require.Equal(t, 50, cfg.MaxKeys)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestBindFlagsOverridesLoadedValue(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, &cfg)

	require.NoError(t, fs.Parse([]string{"--port", "9999", "--replication-role", "replica"}))
	require.Equal(t, 9999, cfg.Port)
	require.True(t, cfg.IsReplica())
}
