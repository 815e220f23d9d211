package cli

import (
	"fmt"
	"os"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/fwctl/fwctl/pkg/version"
	"github.com/spf13/cobra"
)

// NewFwctlCommand assembles the CLI.
func NewFwctlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "fwctl",
		Short:        "Update the firmware on devices attached to this host.",
		Version:      version.Get().String(),
		SilenceUsage: true,
	}
	cmd.AddCommand(
		NewCmdGetDevices(),
		NewCmdGetUpdates(),
		NewCmdInstall(),
		NewCmdUpdate(),
		NewCmdDowngrade(),
		NewCmdReinstall(),
		NewCmdActivate(),
		NewCmdVerify(),
		NewCmdGetHistory(),
		NewCmdRefresh(),
		NewCmdSecurity(),
		NewCmdEnableRemote(),
		NewCmdDisableRemote(),
		NewCmdSync(),
	)
	return cmd
}

// Execute runs the CLI and maps the error to the stable exit code.
func Execute() int {
	cmd := NewFwctlCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return errdefs.ExitCode(err)
	}
	return errdefs.ExitSuccess
}

// attachProgress prints coarse progress updates for interactive runs.
func attachProgress(root *progress.Progress) {
	last := -1
	root.SetCallback(func(node *progress.Progress) {
		pct := root.Percentage()
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(os.Stderr, "\r%-14s %3d%%", root.Status(), pct)
		if pct >= 100 {
			fmt.Fprintln(os.Stderr)
		}
	})
}
