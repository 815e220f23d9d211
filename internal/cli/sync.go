package cli

import (
	"context"
	"fmt"

	"github.com/fwctl/fwctl/internal/engine"
	"github.com/spf13/cobra"
)

type SyncOptions struct {
	GlobalOptions
}

func DefaultSyncOptions() *SyncOptions {
	return &SyncOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdSync() *cobra.Command {
	o := DefaultSyncOptions()
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Align all devices to the best known configuration.",
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

func (o *SyncOptions) Run(ctx context.Context, _ []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		if _, err := eng.Refresh(ctx, false); err != nil {
			return err
		}
		result, err := eng.Sync(ctx)
		if err != nil {
			return err
		}
		reportInstallResults(result.Results)
		if result.Skipped > 0 {
			fmt.Printf("%d devices already matched\n", result.Skipped)
		}
		return nil
	})
}
