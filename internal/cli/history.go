package cli

import (
	"context"
	"os"

	"github.com/fwctl/fwctl/internal/cli/display"
	"github.com/fwctl/fwctl/internal/engine"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type GetHistoryOptions struct {
	GlobalOptions

	Clear bool
}

func DefaultGetHistoryOptions() *GetHistoryOptions {
	return &GetHistoryOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdGetHistory() *cobra.Command {
	o := DefaultGetHistoryOptions()
	cmd := &cobra.Command{
		Use:   "get-history",
		Short: "Show past firmware update attempts.",
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

func (o *GetHistoryOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	fs.BoolVar(&o.Clear, "clear", o.Clear, "Drop finished entries after showing them.")
}

func (o *GetHistoryOptions) Run(ctx context.Context, _ []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		entries := eng.History.List()
		if o.JSON {
			if err := display.JSON(os.Stdout, entries); err != nil {
				return err
			}
		} else {
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.DeviceName, e.OldVersion, e.NewVersion, string(e.State),
					e.ErrorKind, display.Age(e.Modified),
				})
			}
			display.Table(os.Stdout,
				[]string{"Device", "Old", "New", "State", "Error", "When"}, rows)
		}
		if o.Clear {
			return eng.History.Clear()
		}
		return nil
	})
}
