package cli

import (
	"context"
	"os"

	"github.com/fwctl/fwctl/internal/cli/display"
	"github.com/fwctl/fwctl/internal/engine"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type GetDevicesOptions struct {
	GlobalOptions

	ShowAll bool
}

func DefaultGetDevicesOptions() *GetDevicesOptions {
	return &GetDevicesOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdGetDevices() *cobra.Command {
	o := DefaultGetDevicesOptions()
	cmd := &cobra.Command{
		Use:   "get-devices",
		Short: "List the devices attached to the host.",
		Args:  cobra.NoArgs,
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

func (o *GetDevicesOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	fs.BoolVar(&o.ShowAll, "show-all", o.ShowAll, "Include hidden and non-updatable devices.")
}

func (o *GetDevicesOptions) Run(ctx context.Context, _ []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		devices := eng.GetDevices(o.ShowAll)
		if o.JSON {
			return display.JSON(os.Stdout, devices)
		}
		rows := make([][]string, 0, len(devices))
		for _, dev := range devices {
			rows = append(rows, []string{
				dev.ID[:8], dev.Name, dev.Vendor, dev.Version, dev.Flags.String(),
			})
		}
		display.Table(os.Stdout, []string{"ID", "Name", "Vendor", "Version", "Flags"}, rows)
		return nil
	})
}
