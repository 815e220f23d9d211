package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fwctl/fwctl/internal/engine"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// installFlagOptions is the flag surface shared by install-like verbs.
type installFlagOptions struct {
	AllowOlder         bool
	AllowReinstall     bool
	AllowBranchSwitch  bool
	IgnoreRequirements bool
	IgnoreChecksum     bool
	IgnoreVidPid       bool
	Force              bool
	NoHistory          bool
	OnlyEmulated       bool
	Offline            bool
}

func (o *installFlagOptions) Bind(fs *pflag.FlagSet) {
	fs.BoolVar(&o.AllowOlder, "allow-older", o.AllowOlder, "Permit downgrading to an older release.")
	fs.BoolVar(&o.AllowReinstall, "allow-reinstall", o.AllowReinstall, "Permit reinstalling the current release.")
	fs.BoolVar(&o.AllowBranchSwitch, "allow-branch-switch", o.AllowBranchSwitch, "Permit switching the firmware branch.")
	fs.BoolVar(&o.IgnoreRequirements, "ignore-requirements", o.IgnoreRequirements, "Skip vendor-declared requirement checks.")
	fs.BoolVar(&o.IgnoreChecksum, "ignore-checksum", o.IgnoreChecksum, "Skip payload checksum validation.")
	fs.BoolVar(&o.IgnoreVidPid, "ignore-vid-pid", o.IgnoreVidPid, "Skip hardware-id validation.")
	fs.BoolVar(&o.Force, "force", o.Force, "Override guard-rail problems such as low battery.")
	fs.BoolVar(&o.NoHistory, "no-history", o.NoHistory, "Do not record this install in the history database.")
	fs.BoolVar(&o.OnlyEmulated, "only-emulated", o.OnlyEmulated, "Refuse any device that is not emulated.")
	fs.BoolVar(&o.Offline, "offline", o.Offline, "Schedule for the next offline update window.")
}

// Validate rejects flag combinations that cannot be honored.
func (o *installFlagOptions) Validate(_ []string) error {
	if o.OnlyEmulated && o.Offline {
		return fmt.Errorf("emulated devices have no offline update window: %w", errdefs.ErrInvalidArgs)
	}
	return nil
}

func (o *installFlagOptions) installFlags() plugin.InstallFlags {
	flags := plugin.InstallFlagNone
	if o.AllowOlder {
		flags |= plugin.InstallFlagAllowOlder
	}
	if o.AllowReinstall {
		flags |= plugin.InstallFlagAllowReinstall
	}
	if o.AllowBranchSwitch {
		flags |= plugin.InstallFlagAllowBranchSwitch
	}
	if o.IgnoreRequirements {
		flags |= plugin.InstallFlagIgnoreRequirements
	}
	if o.Force {
		// force implies the requirement and reinstall overrides
		flags |= plugin.InstallFlagForce | plugin.InstallFlagIgnoreRequirements | plugin.InstallFlagAllowReinstall
	}
	if o.NoHistory {
		flags |= plugin.InstallFlagNoHistory
	}
	if o.OnlyEmulated {
		flags |= plugin.InstallFlagOnlyEmulated
	}
	if o.Offline {
		flags |= plugin.InstallFlagOffline
	}
	return flags
}

func (o *installFlagOptions) parseFlags() plugin.ParseFlags {
	flags := plugin.ParseFlagNone
	if o.IgnoreChecksum {
		flags |= plugin.ParseFlagIgnoreChecksum
	}
	if o.IgnoreVidPid {
		flags |= plugin.ParseFlagIgnoreVidPid
	}
	return flags
}

type InstallOptions struct {
	GlobalOptions
	installFlagOptions
}

func DefaultInstallOptions() *InstallOptions {
	return &InstallOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdInstall() *cobra.Command {
	o := DefaultInstallOptions()
	cmd := &cobra.Command{
		Use:   "install FILE [DEVICE-ID]",
		Short: "Install a firmware archive onto a device.",
		Args:  cobra.RangeArgs(1, 2),
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

func (o *InstallOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.installFlagOptions.Bind(fs)
}

func (o *InstallOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *InstallOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if err := o.installFlagOptions.Validate(args); err != nil {
		return err
	}
	if _, err := os.Stat(args[0]); err != nil {
		return fmt.Errorf("cannot read firmware archive %s: %w", args[0], errdefs.ErrInvalidArgs)
	}
	return nil
}

func (o *InstallOptions) Run(ctx context.Context, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	selector := ""
	if len(args) == 2 {
		selector = args[1]
	}

	return o.withEngine(ctx, func(eng *engine.Engine) error {
		root := progress.New()
		if !o.JSON {
			attachProgress(root)
		}
		results, err := eng.Install(ctx, engine.InstallRequest{
			CabinetBytes:   data,
			DeviceSelector: selector,
			InstallFlags:   o.installFlags(),
			ParseFlags:     o.parseFlags(),
			Progress:       root,
		})
		if err != nil {
			return err
		}
		reportInstallResults(results)
		return nil
	})
}

func reportInstallResults(results []engine.InstallResult) {
	for _, res := range results {
		switch {
		case res.NeedsActivation:
			fmt.Printf("%s: staged %s, run fwctl activate to commit\n", res.Device.Name, res.Release.Version)
		case res.NeedsReboot:
			fmt.Printf("%s: updated to %s, reboot required\n", res.Device.Name, res.Release.Version)
		default:
			fmt.Printf("%s: updated to %s\n", res.Device.Name, res.Release.Version)
		}
	}
}
