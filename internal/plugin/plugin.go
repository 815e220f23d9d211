// Package plugin defines the capability surface a device family implements
// and the registry of loaded families. The orchestrator only talks to
// capabilities; a plugin that does not implement one gets an identity
// transition for that step.
package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/progress"
)

// InstallFlags modify how an install is resolved and executed.
type InstallFlags uint64

const (
	InstallFlagNone            InstallFlags = 0
	InstallFlagAllowOlder      InstallFlags = 1 << iota // permit downgrades
	InstallFlagAllowReinstall                           // permit same-version rewrites
	InstallFlagAllowBranchSwitch
	InstallFlagIgnoreRequirements
	InstallFlagForce
	InstallFlagNoHistory
	InstallFlagOnlyEmulated
	InstallFlagNoSearch
	InstallFlagOffline
)

// Has reports whether all given bits are set.
func (f InstallFlags) Has(bits InstallFlags) bool { return f&bits == bits }

// ParseFlags modify firmware payload parsing.
type ParseFlags uint64

const (
	ParseFlagNone           ParseFlags = 0
	ParseFlagIgnoreChecksum ParseFlags = 1 << iota
	ParseFlagIgnoreVidPid
)

// Has reports whether all given bits are set.
func (f ParseFlags) Has(bits ParseFlags) bool { return f&bits == bits }

// Firmware is the normalized payload handed to WriteFirmware after
// PrepareFirmware validated and unwrapped the raw archive blob.
type Firmware struct {
	Bytes   []byte
	Version string
	// PostGUIDs are the hardware-ids the device is expected to expose after
	// the update, when they differ from the current ones.
	PostGUIDs []string
}

// Size returns the payload size in bytes.
func (f *Firmware) Size() uint64 { return uint64(len(f.Bytes)) }

// Plugin is the mandatory surface of a device family handler.
type Plugin interface {
	// Name is the stable plugin identifier devices reference.
	Name() string
	// Startup initializes the plugin before any device operation.
	Startup(ctx context.Context) error
	// Coldplug enumerates devices present at engine start into the registry.
	Coldplug(ctx context.Context, registry *device.Registry) error
}

// Optional capabilities. The orchestrator type-asserts for each; a missing
// capability is a no-op step, not an error.

// FirmwarePreparer validates a raw payload and returns the normalized form.
type FirmwarePreparer interface {
	PrepareFirmware(ctx context.Context, dev *device.Device, payload []byte, flags ParseFlags) (*Firmware, error)
}

// Detacher transitions the device into its bootloader or ISP mode.
type Detacher interface {
	Detach(ctx context.Context, dev *device.Device, prog *progress.Progress) error
}

// Attacher returns the device to runtime mode.
type Attacher interface {
	Attach(ctx context.Context, dev *device.Device, prog *progress.Progress) error
}

// FirmwareWriter performs the transfer.
type FirmwareWriter interface {
	WriteFirmware(ctx context.Context, dev *device.Device, fw *Firmware, prog *progress.Progress, flags InstallFlags) error
}

// Reloader re-reads the post-update identity.
type Reloader interface {
	Reload(ctx context.Context, dev *device.Device) error
}

// Activator commits a staged update, typically after a reboot.
type Activator interface {
	Activate(ctx context.Context, dev *device.Device, prog *progress.Progress) error
}

// Verifier hashes the on-device firmware for comparison against release
// checksums.
type Verifier interface {
	Verify(ctx context.Context, dev *device.Device, prog *progress.Progress) ([]string, error)
}

// CompositePreparer runs once per plugin before any device in the composite
// set is acted on.
type CompositePreparer interface {
	CompositePrepare(ctx context.Context, devs []*device.Device) error
}

// CompositeCleanuper runs once per plugin after the set completes, on every
// exit path.
type CompositeCleanuper interface {
	CompositeCleanup(ctx context.Context, devs []*device.Device) error
}

// ProgressSetter lets the plugin declare its own step weights for the write
// phase.
type ProgressSetter interface {
	SetProgress(dev *device.Device, prog *progress.Progress)
}

// Replacer copies family-specific state across a replug.
type Replacer interface {
	Replace(newDev, donor *device.Device)
}

// Stringer appends debug fields to the device dump.
type Stringer interface {
	ToString(dev *device.Device, sb *strings.Builder)
}

// Poller exposes the bounded-retry parameters for status polling loops.
type Poller interface {
	RetryCount() int
	PollInterval() time.Duration
}

// DefaultPoller carries the conventional polling parameters; families embed
// it and override as needed.
type DefaultPoller struct{}

func (DefaultPoller) RetryCount() int             { return 100 }
func (DefaultPoller) PollInterval() time.Duration { return 50 * time.Millisecond }

// Registry holds the loaded plugin set keyed by name.
type Registry struct {
	plugins map[string]Plugin
	order   []string
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

// Register adds a plugin. Duplicate names fail closed.
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("plugin %q already registered: %w", name, errdefs.ErrInternal)
	}
	r.plugins[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get returns the plugin by name.
func (r *Registry) Get(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, errdefs.ErrNotFound)
	}
	return p, nil
}

// ForDevice returns the plugin that claimed the device.
func (r *Registry) ForDevice(dev *device.Device) (Plugin, error) {
	if dev.Plugin == "" {
		return nil, fmt.Errorf("device %s has no plugin assigned: %w", dev.ID, errdefs.ErrInternal)
	}
	return r.Get(dev.Plugin)
}

// All returns the plugins in registration order.
func (r *Registry) All() []Plugin {
	out := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}
