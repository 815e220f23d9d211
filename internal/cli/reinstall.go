package cli

import (
	"context"
	"fmt"

	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type ReinstallOptions struct {
	GlobalOptions
	installFlagOptions
}

func DefaultReinstallOptions() *ReinstallOptions {
	return &ReinstallOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdReinstall() *cobra.Command {
	o := DefaultReinstallOptions()
	cmd := &cobra.Command{
		Use:   "reinstall DEVICE-ID",
		Short: "Reinstall the current release onto a device.",
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

func (o *ReinstallOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.installFlagOptions.Bind(fs)
}

func (o *ReinstallOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *ReinstallOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	return o.installFlagOptions.Validate(args)
}

func (o *ReinstallOptions) Run(ctx context.Context, args []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		if _, err := eng.Refresh(ctx, false); err != nil {
			return err
		}
		dev, err := eng.GetDevice(args[0])
		if err != nil {
			return err
		}
		candidates, err := eng.GetReleases(dev)
		if err != nil {
			return err
		}
		var chosen *engine.UpdateCandidate
		for i := range candidates {
			if candidates[i].Release.Version == dev.Version {
				chosen = &candidates[i]
				break
			}
		}
		if chosen == nil {
			return fmt.Errorf("no release matches the installed version %s: %w",
				dev.Version, errdefs.ErrNotFound)
		}

		data, err := eng.DownloadRelease(ctx, *chosen)
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
			InstallFlags:   o.installFlags() | plugin.InstallFlagAllowReinstall,
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
