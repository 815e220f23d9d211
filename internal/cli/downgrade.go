package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type DowngradeOptions struct {
	GlobalOptions
	installFlagOptions

	Version string
}

func DefaultDowngradeOptions() *DowngradeOptions {
	return &DowngradeOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdDowngrade() *cobra.Command {
	o := DefaultDowngradeOptions()
	cmd := &cobra.Command{
		Use:   "downgrade DEVICE-ID",
		Short: "Downgrade a device to the previous release.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			ctx, cancel := o.WithTimeout(cmd.Context())
			defer cancel()
			return o.Run(ctx, args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *DowngradeOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.installFlagOptions.Bind(fs)
	fs.StringVar(&o.Version, "version", o.Version, "Downgrade to this specific release.")
}

func (o *DowngradeOptions) Complete(cmd *cobra.Command, args []string) error {
	if err := o.GlobalOptions.Complete(cmd, args); err != nil {
		return err
	}
	o.Version = strings.TrimSpace(o.Version)
	return nil
}

func (o *DowngradeOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if err := o.installFlagOptions.Validate(args); err != nil {
		return err
	}
	if args[0] == "" {
		return fmt.Errorf("a device selector is required: %w", errdefs.ErrInvalidArgs)
	}
	return nil
}

func (o *DowngradeOptions) Run(ctx context.Context, args []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		if _, err := eng.Refresh(ctx, false); err != nil {
			return err
		}
		dev, err := eng.GetDevice(args[0])
		if err != nil {
			return err
		}
		candidates, err := eng.GetDowngrades(dev)
		if err != nil {
			return err
		}
		chosen := candidates[0]
		if o.Version != "" {
			for _, c := range candidates {
				if c.Release.Version == o.Version {
					chosen = c
					break
				}
			}
		}

		data, err := eng.DownloadRelease(ctx, chosen)
		if err != nil {
			return err
		}
		root := progress.New()
		if !o.JSON {
			attachProgress(root)
		}
		results, err := eng.Install(ctx, engine.InstallRequest{
			CabinetBytes:   data,
			DeviceSelector: dev.ID,
			InstallFlags:   o.installFlags() | plugin.InstallFlagAllowOlder,
			ParseFlags:     o.parseFlags(),
			Progress:       root,
		})
		if err != nil {
			return err
		}
		reportInstallResults(results)
		return nil
	})
}
