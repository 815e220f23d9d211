package cli

import (
	"context"
	"fmt"

	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/spf13/cobra"
)

type ActivateOptions struct {
	GlobalOptions
}

func DefaultActivateOptions() *ActivateOptions {
	return &ActivateOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdActivate() *cobra.Command {
	o := DefaultActivateOptions()
	cmd := &cobra.Command{
		Use:   "activate [DEVICE-ID]",
		Short: "Commit staged updates, typically after a reboot.",
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

func (o *ActivateOptions) Run(ctx context.Context, args []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		var targets []*device.Device
		if len(args) == 1 {
			dev, err := eng.GetDevice(args[0])
			if err != nil {
				return err
			}
			targets = append(targets, dev)
		} else {
			targets = eng.PendingActivations()
		}
		if len(targets) == 0 {
			return fmt.Errorf("no updates are pending activation: %w", errdefs.ErrNothingToDo)
		}

		for _, dev := range targets {
			root := progress.New()
			if !o.JSON {
				attachProgress(root)
			}
			if err := eng.Activate(ctx, dev, root); err != nil {
				return err
			}
			fmt.Printf("%s: activated %s\n", dev.Name, dev.Version)
		}
		return nil
	})
}
