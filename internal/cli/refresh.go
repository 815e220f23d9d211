package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fwctl/fwctl/internal/engine"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type RefreshOptions struct {
	GlobalOptions

	Force bool
}

func DefaultRefreshOptions() *RefreshOptions {
	return &RefreshOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdRefresh() *cobra.Command {
	o := DefaultRefreshOptions()
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh metadata from the enabled remotes.",
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

func (o *RefreshOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	fs.BoolVar(&o.Force, "force", o.Force, "Refresh even when the cached metadata is fresh.")
}

func (o *RefreshOptions) Run(ctx context.Context, _ []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		warning, err := eng.Refresh(ctx, o.Force)
		if err != nil {
			return err
		}
		if warning != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", warning)
		}

		// opportunistically upload finished reports to consenting remotes
		if uploaded, err := eng.SubmitReports(ctx, false); err == nil && uploaded > 0 {
			fmt.Printf("uploaded %d reports\n", uploaded)
		}
		return nil
	})
}
