package engine

import (
	"context"
	"fmt"

	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/history"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/progress"
)

// Activate commits a staged update on one device, resuming from the
// needs-activation history entry persisted before the reboot.
func (e *Engine) Activate(ctx context.Context, dev *device.Device, prog *progress.Progress) error {
	if !dev.HasFlag(device.FlagNeedsActivation) {
		return fmt.Errorf("device %s has no update pending activation: %w", dev.ID, errdefs.ErrNothingToDo)
	}
	p, err := e.Plugins.ForDevice(dev)
	if err != nil {
		return err
	}
	activator, ok := p.(plugin.Activator)
	if !ok {
		return fmt.Errorf("plugin %s cannot activate: %w", dev.Plugin, errdefs.ErrNotSupported)
	}
	if prog == nil {
		prog = progress.New()
	}

	if err := activator.Activate(ctx, dev, prog); err != nil {
		return fmt.Errorf("failed to activate: %w", err)
	}

	// resolve the persisted needs-activation row, if one survives
	for _, entry := range e.History.NeedsActivation() {
		if entry.DeviceID != dev.ID {
			continue
		}
		if err := e.History.SetState(entry.DeviceID, entry.Checksum, history.StateSuccess, nil); err != nil {
			e.log.Warnf("failed to resolve history for %s: %v", dev.ID, err)
		}
	}
	return nil
}

// PendingActivations lists devices with staged updates resumable after
// reboot.
func (e *Engine) PendingActivations() []*device.Device {
	var out []*device.Device
	for _, dev := range e.Registry.Devices() {
		if dev.HasFlag(device.FlagNeedsActivation) {
			out = append(out, dev)
		}
	}
	return out
}
