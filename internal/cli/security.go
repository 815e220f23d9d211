package cli

import (
	"context"
	"os"

	"github.com/fwctl/fwctl/internal/cli/display"
	"github.com/fwctl/fwctl/internal/engine"
	"github.com/spf13/cobra"
)

type SecurityOptions struct {
	GlobalOptions
}

func DefaultSecurityOptions() *SecurityOptions {
	return &SecurityOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdSecurity() *cobra.Command {
	o := DefaultSecurityOptions()
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Summarize the host firmware security posture.",
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

func (o *SecurityOptions) Run(ctx context.Context, _ []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		attrs := eng.SecurityAttrs()
		if o.JSON {
			return display.JSON(os.Stdout, attrs)
		}
		rows := make([][]string, 0, len(attrs))
		for _, attr := range attrs {
			result := "✔"
			if !attr.Passed {
				result = "✘"
			}
			rows = append(rows, []string{attr.ID, result, attr.Summary})
		}
		display.Table(os.Stdout, []string{"Attribute", "Result", "Summary"}, rows)
		return nil
	})
}
