package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type UpdateOptions struct {
	GlobalOptions
	installFlagOptions
}

func DefaultUpdateOptions() *UpdateOptions {
	return &UpdateOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdUpdate() *cobra.Command {
	o := DefaultUpdateOptions()
	cmd := &cobra.Command{
		Use:   "update [DEVICE-ID]",
		Short: "Update all devices, or one device, to the newest release.",
		Args:  cobra.MaximumNArgs(1),
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

func (o *UpdateOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.installFlagOptions.Bind(fs)
}

func (o *UpdateOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *UpdateOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	return o.installFlagOptions.Validate(args)
}

func (o *UpdateOptions) Run(ctx context.Context, args []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		if _, err := eng.Refresh(ctx, false); err != nil {
			return err
		}

		devices := eng.GetDevices(false)
		if len(args) == 1 {
			dev, err := eng.GetDevice(args[0])
			if err != nil {
				return err
			}
			devices = []*device.Device{dev}
		}

		updated := 0
		for _, dev := range devices {
			candidates, err := eng.GetUpdates(dev)
			if err != nil {
				if errors.Is(err, errdefs.ErrNothingToDo) || errors.Is(err, errdefs.ErrNotSupported) {
					continue
				}
				return err
			}
			// newest applicable release first
			if err := installCandidate(ctx, eng, o, candidates[0]); err != nil {
				return err
			}
			updated++
		}
		if updated == 0 {
			return fmt.Errorf("no updatable devices: %w", errdefs.ErrNothingToDo)
		}
		return nil
	})
}

func installCandidate(ctx context.Context, eng *engine.Engine, o *UpdateOptions, candidate engine.UpdateCandidate) error {
	data, err := eng.DownloadRelease(ctx, candidate)
	if err != nil {
		return err
	}
	root := progress.New()
	if !o.JSON {
		attachProgress(root)
	}
	results, err := eng.Install(ctx, engine.InstallRequest{
		CabinetBytes:   data,
		DeviceSelector: candidate.Device.ID,
		InstallFlags:   o.installFlags(),
		ParseFlags:     o.parseFlags(),
		Progress:       root,
	})
	if err != nil {
		return err
	}
	reportInstallResults(results)
	return nil
}
