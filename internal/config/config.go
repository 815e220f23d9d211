// Package config loads the persisted engine configuration. Settings live in
// a single config file read through viper; per-remote definitions sit next
// to it in a remotes.d directory. Environment variables override diagnostics
// behavior only, never trust decisions.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/spf13/viper"
)

// Environment variable names with engine-visible behavior.
const (
	EnvDisableSSLStrict = "DISABLE_SSL_STRICT"
	EnvVerbose          = "FWUPD_VERBOSE"
	EnvSnapName         = "SNAP_NAME"
)

// Config is the engine configuration.
type Config struct {
	// TestDevices registers the emulated plugin at startup.
	TestDevices bool
	// IdleTimeout is how long the engine may sit idle before shutting down.
	IdleTimeout time.Duration
	// UpdateMotd rewrites the message-of-the-day on pending updates.
	UpdateMotd bool
	// ArchiveSizeMax bounds cabinet parsing, in bytes.
	ArchiveSizeMax uint64
	// TrustedUids may bypass interactive confirmation.
	TrustedUids []int
	// HostBkc names the Best Known Configuration tag sync aligns to.
	HostBkc string

	// DataDir holds the history database and the process lock.
	DataDir string
	// CacheDir holds downloaded remote metadata.
	CacheDir string
	// RemotesDir holds the *.conf remote definitions.
	RemotesDir string

	// VerboseProgress enables profiling timestamps in the progress tree.
	VerboseProgress bool
	// ServiceName identifies the engine instance, honoring SNAP_NAME.
	ServiceName string

	v *viper.Viper
}

// Default returns the built-in configuration rooted at baseDir.
func Default(baseDir string) *Config {
	return &Config{
		IdleTimeout:    2 * time.Minute,
		UpdateMotd:     true,
		ArchiveSizeMax: 512 * 1024 * 1024,
		DataDir:        filepath.Join(baseDir, "data"),
		CacheDir:       filepath.Join(baseDir, "cache"),
		RemotesDir:     filepath.Join(baseDir, "remotes.d"),
		ServiceName:    "fwctl",
	}
}

// Load reads the config file under baseDir, falling back to defaults for
// missing keys. A missing file is not an error.
func Load(baseDir string) (*Config, error) {
	cfg := Default(baseDir)

	v := viper.New()
	v.SetConfigName("fwctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(baseDir)
	v.SetDefault("TestDevices", cfg.TestDevices)
	v.SetDefault("IdleTimeout", int64(cfg.IdleTimeout/time.Second))
	v.SetDefault("UpdateMotd", cfg.UpdateMotd)
	v.SetDefault("ArchiveSizeMax", cfg.ArchiveSizeMax)
	v.SetDefault("TrustedUids", []int{})
	v.SetDefault("HostBkc", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w: %w", err, errdefs.ErrInvalidFile)
		}
	}

	cfg.TestDevices = v.GetBool("TestDevices")
	cfg.IdleTimeout = time.Duration(v.GetInt64("IdleTimeout")) * time.Second
	cfg.UpdateMotd = v.GetBool("UpdateMotd")
	cfg.ArchiveSizeMax = v.GetUint64("ArchiveSizeMax")
	cfg.TrustedUids = v.GetIntSlice("TrustedUids")
	cfg.HostBkc = v.GetString("HostBkc")
	cfg.v = v

	if os.Getenv(EnvVerbose) != "" {
		cfg.VerboseProgress = true
	}
	if snap := os.Getenv(EnvSnapName); snap != "" {
		cfg.ServiceName = snap
	}
	return cfg, nil
}

// RemoteEnabled returns the per-remote Enabled override, when configured.
func (c *Config) RemoteEnabled(remoteID string) (bool, bool) {
	return c.remoteBool(remoteID, "Enabled")
}

// RemoteAutomaticReports returns the per-remote AutomaticReports override.
func (c *Config) RemoteAutomaticReports(remoteID string) (bool, bool) {
	return c.remoteBool(remoteID, "AutomaticReports")
}

// RemoteReportURI returns the per-remote ReportURI override.
func (c *Config) RemoteReportURI(remoteID string) (string, bool) {
	if c.v == nil {
		return "", false
	}
	key := "Remotes." + remoteID + ".ReportURI"
	if !c.v.IsSet(key) {
		return "", false
	}
	return c.v.GetString(key), true
}

func (c *Config) remoteBool(remoteID, name string) (bool, bool) {
	if c.v == nil {
		return false, false
	}
	key := "Remotes." + remoteID + "." + name
	if !c.v.IsSet(key) {
		return false, false
	}
	return c.v.GetBool(key), true
}

// EnsureDirs creates the engine's state directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.CacheDir, c.RemotesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
