package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/spf13/cobra"
)

type ModifyRemoteOptions struct {
	GlobalOptions

	enable bool
}

func NewCmdEnableRemote() *cobra.Command {
	return newRemoteToggleCommand("enable-remote", "Enable a firmware source.", true)
}

func NewCmdDisableRemote() *cobra.Command {
	return newRemoteToggleCommand("disable-remote", "Disable a firmware source.", false)
}

func newRemoteToggleCommand(use, short string, enable bool) *cobra.Command {
	o := &ModifyRemoteOptions{GlobalOptions: DefaultGlobalOptions(), enable: enable}
	cmd := &cobra.Command{
		Use:   use + " REMOTE-ID",
		Short: short,
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

func (o *ModifyRemoteOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if strings.TrimSpace(args[0]) == "" {
		return fmt.Errorf("a remote id is required: %w", errdefs.ErrInvalidArgs)
	}
	return nil
}

func (o *ModifyRemoteOptions) Run(ctx context.Context, args []string) error {
	return o.withEngine(ctx, func(eng *engine.Engine) error {
		if err := eng.Remotes.SetEnabled(args[0], o.enable); err != nil {
			return err
		}
		state := "disabled"
		if o.enable {
			state = "enabled"
		}
		fmt.Printf("remote %s %s\n", args[0], state)
		return nil
	})
}
