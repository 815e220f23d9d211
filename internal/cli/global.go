package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fwctl/fwctl/internal/config"
	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/errdefs"
	fwctllog "github.com/fwctl/fwctl/pkg/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// GlobalOptions are shared by every verb.
type GlobalOptions struct {
	BaseDir  string
	LogLevel string
	JSON     bool
	Timeout  time.Duration
}

// DefaultGlobalOptions returns the baseline flag values.
func DefaultGlobalOptions() GlobalOptions {
	base := os.Getenv("FWCTL_BASEDIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			base = filepath.Join(home, ".fwctl")
		} else {
			base = ".fwctl"
		}
	}
	level := "info"
	if os.Getenv(config.EnvVerbose) != "" {
		level = "debug"
	}
	return GlobalOptions{
		BaseDir:  base,
		LogLevel: level,
		Timeout:  30 * time.Minute,
	}
}

// Bind registers the shared flags.
func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.BaseDir, "basedir", o.BaseDir, "Directory holding configuration, cache and history.")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level (trace, debug, info, warn, error).")
	fs.BoolVar(&o.JSON, "json", o.JSON, "Emit machine-readable JSON instead of tables.")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Overall operation deadline.")
}

// Complete fills in the values that depend on the environment.
func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	abs, err := filepath.Abs(o.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve basedir %q: %w", o.BaseDir, err)
	}
	o.BaseDir = abs
	return nil
}

// Validate checks the flags shared by every verb.
func (o *GlobalOptions) Validate(args []string) error {
	if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", o.LogLevel, errdefs.ErrInvalidArgs)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive: %w", errdefs.ErrInvalidArgs)
	}
	return nil
}

// WithTimeout derives the operation context.
func (o *GlobalOptions) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.Timeout)
}

// Logger builds the configured logger.
func (o *GlobalOptions) Logger() *fwctllog.PrefixLogger {
	logger := fwctllog.NewPrefixLogger("")
	if lvl, err := logrus.ParseLevel(o.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// withEngine starts an engine for the duration of fn, releasing the process
// lock on the way out.
func (o *GlobalOptions) withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	cfg, err := config.Load(o.BaseDir)
	if err != nil {
		return err
	}
	eng := engine.New(cfg, engine.WithLogger(o.Logger()))
	if err := eng.Startup(ctx); err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to shut down engine: %v\n", err)
		}
	}()
	return fn(eng)
}
