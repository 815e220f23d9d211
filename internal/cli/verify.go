package cli

import (
	"context"
	"fmt"

	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/spf13/cobra"
)

type VerifyOptions struct {
	GlobalOptions
}

func DefaultVerifyOptions() *VerifyOptions {
	return &VerifyOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdVerify() *cobra.Command {
	o := DefaultVerifyOptions()
	cmd := &cobra.Command{
		Use:   "verify DEVICE-ID",
		Short: "Compare the firmware on a device against the release checksums.",
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

func (o *VerifyOptions) Run(ctx context.Context, args []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		if _, err := eng.Refresh(ctx, false); err != nil {
			return err
		}
		dev, err := eng.GetDevice(args[0])
		if err != nil {
			return err
		}
		root := progress.New()
		if !o.JSON {
			attachProgress(root)
		}
		if err := eng.Verify(ctx, dev, root); err != nil {
			return err
		}
		fmt.Printf("%s: verified %s\n", dev.Name, dev.Version)
		return nil
	})
}
