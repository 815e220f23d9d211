package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(err)
	require.False(cfg.TestDevices)
	require.Equal(2*time.Minute, cfg.IdleTimeout)
	require.True(cfg.UpdateMotd)
	require.Equal(uint64(512*1024*1024), cfg.ArchiveSizeMax)
	require.Equal(filepath.Join(dir, "data"), cfg.DataDir)
	require.Equal(filepath.Join(dir, "remotes.d"), cfg.RemotesDir)
}

func TestLoadFromFile(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	body := `
TestDevices: true
IdleTimeout: 300
ArchiveSizeMax: 1048576
TrustedUids: [0, 1000]
HostBkc: vendor-2024q3
Remotes:
  acme-stable:
    Enabled: false
    AutomaticReports: true
    ReportURI: https://reports.acme.example/submit
`
	require.NoError(os.WriteFile(filepath.Join(dir, "fwctl.yaml"), []byte(body), 0o644))

	cfg, err := Load(dir)
	require.NoError(err)
	require.True(cfg.TestDevices)
	require.Equal(5*time.Minute, cfg.IdleTimeout)
	require.Equal(uint64(1048576), cfg.ArchiveSizeMax)
	require.Equal([]int{0, 1000}, cfg.TrustedUids)
	require.Equal("vendor-2024q3", cfg.HostBkc)

	enabled, ok := cfg.RemoteEnabled("acme-stable")
	require.True(ok)
	require.False(enabled)

	reports, ok := cfg.RemoteAutomaticReports("acme-stable")
	require.True(ok)
	require.True(reports)

	uri, ok := cfg.RemoteReportURI("acme-stable")
	require.True(ok)
	require.Equal("https://reports.acme.example/submit", uri)

	_, ok = cfg.RemoteEnabled("unknown")
	require.False(ok)
}

func TestEnvironmentOverrides(t *testing.T) {
	require := require.New(t)
	t.Setenv(EnvVerbose, "1")
	t.Setenv(EnvSnapName, "fwctl-snap")

	cfg, err := Load(t.TempDir())
	require.NoError(err)
	require.True(cfg.VerboseProgress)
	require.Equal("fwctl-snap", cfg.ServiceName)
}

func TestEnsureDirs(t *testing.T) {
	require := require.New(t)
	cfg := Default(t.TempDir())
	require.NoError(cfg.EnsureDirs())
	for _, dir := range []string{cfg.DataDir, cfg.CacheDir, cfg.RemotesDir} {
		fi, err := os.Stat(dir)
		require.NoError(err)
		require.True(fi.IsDir())
	}
}
