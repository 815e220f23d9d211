package cli

import (
	"context"
	"errors"
	"os"

	"github.com/fwctl/fwctl/internal/cli/display"
	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type GetUpdatesOptions struct {
	GlobalOptions

	ShowAll bool
}

func DefaultGetUpdatesOptions() *GetUpdatesOptions {
	return &GetUpdatesOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdGetUpdates() *cobra.Command {
	o := DefaultGetUpdatesOptions()
	cmd := &cobra.Command{
		Use:   "get-updates [DEVICE-ID]",
		Short: "List the updates available for attached devices.",
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

func (o *GetUpdatesOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	fs.BoolVar(&o.ShowAll, "show-all", o.ShowAll, "Include hidden-updatable devices.")
}

func (o *GetUpdatesOptions) Run(ctx context.Context, args []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		if _, err := eng.Refresh(ctx, false); err != nil {
			return err
		}

		devices := eng.GetDevices(o.ShowAll)
		if len(args) == 1 {
			dev, err := eng.GetDevice(args[0])
			if err != nil {
				return err
			}
			devices = devices[:0]
			devices = append(devices, dev)
		}

		var all []engine.UpdateCandidate
		for _, dev := range devices {
			candidates, err := eng.GetUpdates(dev)
			if err != nil {
				if errors.Is(err, errdefs.ErrNothingToDo) || errors.Is(err, errdefs.ErrNotSupported) {
					continue
				}
				return err
			}
			all = append(all, candidates...)
		}
		if len(all) == 0 {
			return errors.Join(errdefs.ErrNothingToDo, errors.New("no updates available"))
		}

		if o.JSON {
			return display.JSON(os.Stdout, all)
		}
		rows := make([][]string, 0, len(all))
		for _, c := range all {
			rows = append(rows, []string{
				c.Device.Name, c.Device.Version, c.Release.Version, c.Release.Urgency, c.Component.RemoteID,
			})
		}
		display.Table(os.Stdout, []string{"Device", "Current", "Available", "Urgency", "Remote"}, rows)
		return nil
	})
}
