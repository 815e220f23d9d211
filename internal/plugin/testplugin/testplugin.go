// Package testplugin implements an emulated device family backed by no
// hardware. The engine registers it when the TestDevices config key is set;
// the test suite drives it directly. Every optional capability is
// implemented so the orchestrator's full path is reachable without a single
// USB transfer.
package testplugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/fwctl/fwctl/pkg/log"
	"github.com/fwctl/fwctl/pkg/poll"
	"github.com/jonboulle/clockwork"
)

// PluginName is the identifier emulated devices reference.
const PluginName = "test"

// DeviceSpec seeds one emulated device at coldplug.
type DeviceSpec struct {
	Name          string
	PhysicalID    string
	CompositeID   string
	InstanceID    string
	Version       string
	VersionFormat fwver.Format
	Branch        string
	Priority      int
	ParentID      string
	RemoveDelay   time.Duration
	Flags         device.Flag
}

// Behavior tunes how the emulated hardware reacts, per device.
type Behavior struct {
	// DetachReplug makes detach drop the device and re-appear in bootloader
	// mode after ReplugDelay.
	DetachReplug bool
	// AttachReplug does the same on the way back to runtime mode.
	AttachReplug bool
	// VanishForever drops the device on detach without ever returning.
	VanishForever bool
	// ReplugDelay is how long the emulated mode switch takes.
	ReplugDelay time.Duration
	// WriteError is returned from WriteFirmware when set.
	WriteError error
	// NeedsActivation stages the write instead of committing it.
	NeedsActivation bool
	// ResetError is injected into the post-attach reset.
	ResetError error
	// AllowFailedReset treats an internal error during reset as success,
	// the device having rebooted before acknowledging the transaction.
	AllowFailedReset bool
}

// Plugin is the emulated family handler.
type Plugin struct {
	plugin.DefaultPoller

	log   *log.PrefixLogger
	clock clockwork.Clock

	mu        sync.Mutex
	specs     []DeviceSpec
	behaviors map[string]Behavior
	staged    map[string]string // device-id -> staged version
	registry  *device.Registry

	compositePrepared int
	compositeCleaned  int
}

var _ plugin.Plugin = (*Plugin)(nil)
var _ plugin.FirmwarePreparer = (*Plugin)(nil)
var _ plugin.Detacher = (*Plugin)(nil)
var _ plugin.Attacher = (*Plugin)(nil)
var _ plugin.FirmwareWriter = (*Plugin)(nil)
var _ plugin.Reloader = (*Plugin)(nil)
var _ plugin.Activator = (*Plugin)(nil)
var _ plugin.Verifier = (*Plugin)(nil)
var _ plugin.CompositePreparer = (*Plugin)(nil)
var _ plugin.CompositeCleanuper = (*Plugin)(nil)
var _ plugin.ProgressSetter = (*Plugin)(nil)
var _ plugin.Replacer = (*Plugin)(nil)
var _ plugin.Stringer = (*Plugin)(nil)

// New creates the emulated plugin.
func New(clock clockwork.Clock, log *log.PrefixLogger) *Plugin {
	return &Plugin{
		log:       log,
		clock:     clock,
		behaviors: map[string]Behavior{},
		staged:    map[string]string{},
	}
}

func (p *Plugin) Name() string { return PluginName }

func (p *Plugin) Startup(_ context.Context) error { return nil }

// AddDeviceSpec queues a device for the next coldplug.
func (p *Plugin) AddDeviceSpec(spec DeviceSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.specs = append(p.specs, spec)
}

// SetBehavior tunes the emulated hardware for one device.
func (p *Plugin) SetBehavior(deviceID string, b Behavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviors[deviceID] = b
}

func (p *Plugin) behavior(deviceID string) Behavior {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.behaviors[deviceID]
}

// Coldplug materializes the queued specs into the registry.
func (p *Plugin) Coldplug(_ context.Context, registry *device.Registry) error {
	p.mu.Lock()
	specs := append([]DeviceSpec(nil), p.specs...)
	p.registry = registry
	p.mu.Unlock()

	for _, spec := range specs {
		dev := p.newDevice(spec)
		registry.Add(dev)
	}
	return nil
}

func (p *Plugin) newDevice(spec DeviceSpec) *device.Device {
	dev := &device.Device{
		ID:            device.ComputeID(spec.PhysicalID, PluginName),
		CompositeID:   spec.CompositeID,
		PhysicalID:    spec.PhysicalID,
		Name:          spec.Name,
		Vendor:        "Emulated Vendor",
		VendorID:      "EMU:0x046D",
		Plugin:        PluginName,
		Protocol:      "com.fwctl.test",
		Version:       spec.Version,
		VersionFormat: spec.VersionFormat,
		Branch:        spec.Branch,
		Priority:      spec.Priority,
		ParentID:      spec.ParentID,
		RemoveDelay:   spec.RemoveDelay,
		Flags:         spec.Flags | device.FlagEmulated | device.FlagUpdatable,
	}
	if spec.InstanceID != "" {
		dev.AddGUID(spec.InstanceID)
	}
	return dev
}

// PrepareFirmware accepts any payload and records its version from the
// release; emulated firmware has no container format of its own.
func (p *Plugin) PrepareFirmware(_ context.Context, dev *device.Device, payload []byte, flags plugin.ParseFlags) (*plugin.Firmware, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload: %w", errdefs.ErrInvalidFile)
	}
	if err := dev.CheckFirmwareSize(uint64(len(payload))); err != nil {
		if !flags.Has(plugin.ParseFlagIgnoreVidPid) {
			return nil, err
		}
	}
	return &plugin.Firmware{Bytes: payload}, nil
}

// Detach switches the emulated device into bootloader mode, optionally
// dropping it from the bus for ReplugDelay.
func (p *Plugin) Detach(_ context.Context, dev *device.Device, prog *progress.Progress) error {
	prog.SetStatus(progress.StatusDeviceRestart)
	b := p.behavior(dev.ID)
	if !b.DetachReplug && !b.VanishForever {
		dev.AddFlag(device.FlagIsBootloader)
		prog.Finished()
		return nil
	}

	dev.AddFlag(device.FlagWaitForReplug)
	if err := p.registry.Remove(dev.ID); err != nil {
		return fmt.Errorf("failed to drop device from bus: %w", err)
	}
	if !b.VanishForever {
		p.scheduleReplug(dev, b, device.FlagIsBootloader)
	}
	prog.Finished()
	return nil
}

// Attach returns the device to runtime mode and performs the vendor-required
// reset. Some emulated parts reset themselves before acknowledging; with
// AllowFailedReset an internal error from that window counts as success.
func (p *Plugin) Attach(_ context.Context, dev *device.Device, prog *progress.Progress) error {
	prog.SetStatus(progress.StatusDeviceRestart)
	b := p.behavior(dev.ID)

	if b.ResetError != nil {
		if b.AllowFailedReset && errors.Is(b.ResetError, errdefs.ErrInternal) {
			p.log.Debugf("ignoring failed reset for %s: %v", dev.ID, b.ResetError)
		} else {
			return fmt.Errorf("failed to reset device: %w", b.ResetError)
		}
	}

	if b.AttachReplug {
		dev.AddFlag(device.FlagWaitForReplug)
		if err := p.registry.Remove(dev.ID); err != nil {
			return fmt.Errorf("failed to drop device from bus: %w", err)
		}
		p.scheduleReplug(dev, b, device.FlagNone)
		prog.Finished()
		return nil
	}

	dev.RemoveFlag(device.FlagIsBootloader)
	prog.Finished()
	return nil
}

func (p *Plugin) scheduleReplug(dev *device.Device, b Behavior, extra device.Flag) {
	delay := b.ReplugDelay
	if delay == 0 {
		delay = 10 * time.Millisecond
	}
	clone := dev.Clone()
	clone.Flags &^= device.FlagWaitForReplug
	clone.Flags |= extra
	if extra&device.FlagIsBootloader == 0 {
		clone.Flags &^= device.FlagIsBootloader
	}
	p.clock.AfterFunc(delay, func() {
		p.registry.Add(clone)
	})
}

// WriteFirmware streams the payload in chunks, reporting percentage as it
// goes.
func (p *Plugin) WriteFirmware(ctx context.Context, dev *device.Device, fw *plugin.Firmware, prog *progress.Progress, _ plugin.InstallFlags) error {
	b := p.behavior(dev.ID)
	if b.WriteError != nil {
		return fmt.Errorf("flash rejected the transfer: %w", b.WriteError)
	}

	prog.SetStatus(progress.StatusDeviceWrite)
	const chunkSize = 64
	total := len(fw.Bytes)
	if total == 0 {
		total = 1
	}
	for off := 0; off < total; off += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + chunkSize
		if end > total {
			end = total
		}
		prog.SetPercentage(end * 100 / total)
	}
	prog.SetPercentage(100)

	// poll the emulated controller until it reports idle again
	settled := 0
	err := poll.BackoffWithContext(ctx, poll.Config{
		BaseDelay: p.PollInterval(),
		Factor:    1.0,
		MaxSteps:  p.RetryCount(),
	}, func(context.Context) (bool, error) {
		settled++
		return settled >= 2, nil
	})
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	p.mu.Lock()
	p.staged[dev.ID] = fw.Version
	p.mu.Unlock()

	if b.NeedsActivation {
		dev.AddFlag(device.FlagNeedsActivation)
		dev.AddProblem(device.ProblemUpdatePending)
	}
	return nil
}

// Reload re-reads the post-update identity: the emulated device now reports
// the staged version unless activation is still pending.
func (p *Plugin) Reload(_ context.Context, dev *device.Device) error {
	if dev.HasFlag(device.FlagNeedsActivation) {
		return nil
	}
	p.mu.Lock()
	staged, ok := p.staged[dev.ID]
	delete(p.staged, dev.ID)
	p.mu.Unlock()
	if ok && staged != "" {
		dev.Version = staged
	}
	return nil
}

// Activate commits the staged firmware.
func (p *Plugin) Activate(_ context.Context, dev *device.Device, prog *progress.Progress) error {
	if !dev.HasFlag(device.FlagNeedsActivation) {
		return fmt.Errorf("no update pending activation: %w", errdefs.ErrNothingToDo)
	}
	prog.SetStatus(progress.StatusDeviceBusy)
	p.mu.Lock()
	staged, ok := p.staged[dev.ID]
	delete(p.staged, dev.ID)
	p.mu.Unlock()
	if ok && staged != "" {
		dev.Version = staged
	}
	dev.RemoveFlag(device.FlagNeedsActivation)
	dev.RemoveProblem(device.ProblemUpdatePending)
	prog.Finished()
	return nil
}

// Verify returns the emulated on-device checksums.
func (p *Plugin) Verify(_ context.Context, dev *device.Device, prog *progress.Progress) ([]string, error) {
	prog.SetStatus(progress.StatusDeviceVerify)
	defer prog.Finished()
	return []string{fmt.Sprintf("emulated-%s-%s", dev.ID[:8], dev.Version)}, nil
}

// CompositePrepare runs once before any device in the set is touched.
func (p *Plugin) CompositePrepare(_ context.Context, devs []*device.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compositePrepared++
	return nil
}

// CompositeCleanup runs once after the set, on every exit path.
func (p *Plugin) CompositeCleanup(_ context.Context, devs []*device.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compositeCleaned++
	return nil
}

// CompositeCounts reports how often the composite hooks ran.
func (p *Plugin) CompositeCounts() (prepared, cleaned int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compositePrepared, p.compositeCleaned
}

// SetProgress declares the write phase sub-steps.
func (p *Plugin) SetProgress(dev *device.Device, prog *progress.Progress) {
	prog.AddStep(1, progress.StatusDeviceBusy, "erase")
	prog.AddStep(8, progress.StatusDeviceWrite, "write")
	prog.AddStep(1, progress.StatusDeviceVerify, "verify")
}

// Replace carries the staged version across a replug.
func (p *Plugin) Replace(newDev, donor *device.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if staged, ok := p.staged[donor.ID]; ok {
		p.staged[newDev.ID] = staged
	}
}

// ToString appends debug fields to the device dump.
func (p *Plugin) ToString(dev *device.Device, sb *strings.Builder) {
	p.mu.Lock()
	staged := p.staged[dev.ID]
	p.mu.Unlock()
	if staged != "" {
		fmt.Fprintf(sb, "StagedVersion: %s\n", staged)
	}
}
