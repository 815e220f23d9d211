package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fwctl/fwctl/internal/cabinet"
	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/history"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/progress"
	"github.com/fwctl/fwctl/internal/resolver"
)

// InstallRequest describes one install invocation.
type InstallRequest struct {
	// CabinetBytes is the raw archive.
	CabinetBytes []byte
	// DeviceSelector picks the target device; empty means every device the
	// cabinet applies to.
	DeviceSelector string
	InstallFlags   plugin.InstallFlags
	ParseFlags     plugin.ParseFlags
	// Progress receives the root of the progress tree before work starts.
	Progress *progress.Progress
}

// InstallResult summarizes one device's outcome.
type InstallResult struct {
	Device          *device.Device
	Release         *cabinet.Release
	NeedsActivation bool
	NeedsReboot     bool
}

// Install drives the composite update flow for a cabinet. Devices are
// expanded to the full composite set the cabinet names; failure of one
// sibling aborts the ones not yet attempted while composite cleanup still
// runs.
func (e *Engine) Install(ctx context.Context, req InstallRequest) ([]InstallResult, error) {
	cab, err := cabinet.Parse(req.CabinetBytes, cabinet.WithSizeMax(e.cfg.ArchiveSizeMax))
	if err != nil {
		return nil, err
	}

	candidates, err := e.expandSelector(req.DeviceSelector)
	if err != nil {
		return nil, err
	}

	tasks, err := resolver.Resolve(cab, candidates, resolver.Options{
		InstallFlags:   req.InstallFlags,
		ParseFlags:     req.ParseFlags,
		ClientFeatures: ClientFeatures,
		Composite:      candidates,
	})
	if err != nil {
		return nil, err
	}

	if req.InstallFlags.Has(plugin.InstallFlagOnlyEmulated) {
		for _, t := range tasks {
			if !t.Device.HasFlag(device.FlagEmulated) {
				return nil, fmt.Errorf("device %s is not emulated: %w", t.Device.ID, errdefs.ErrNotSupported)
			}
		}
	}

	return e.installComposite(ctx, tasks, req)
}

// expandSelector resolves the device selector to the candidate set,
// including every composite sibling so the resolver can bind all devices the
// cabinet names.
func (e *Engine) expandSelector(selector string) ([]*device.Device, error) {
	if selector == "" || selector == "*" {
		return e.Registry.Devices(), nil
	}
	dev, err := e.GetDevice(selector)
	if err != nil {
		return nil, err
	}
	if dev.CompositeID == "" {
		return []*device.Device{dev}, nil
	}
	return e.Registry.Composite(dev.CompositeID), nil
}

// installComposite runs the ordered task set atomically with respect to
// progress and history.
func (e *Engine) installComposite(ctx context.Context, tasks []resolver.Task, req InstallRequest) ([]InstallResult, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no devices to update: %w", errdefs.ErrNothingToDo)
	}

	compositeID := tasks[0].Device.CompositeID
	mu := e.compositeLock(compositeID)
	mu.Lock()
	defer mu.Unlock()

	if !req.InstallFlags.Has(plugin.InstallFlagForce) {
		for _, t := range tasks {
			if err := t.Device.CheckUpdatable(); err != nil {
				return nil, err
			}
		}
	}

	root := req.Progress
	if root == nil {
		root = progress.New()
	}
	root.SetProfile(e.cfg.VerboseProgress)
	root.SetStatus(progress.StatusLoading)

	// the device set and its plugins are frozen for the whole composite
	devs := make([]*device.Device, 0, len(tasks))
	plugins := map[string]plugin.Plugin{}
	for _, t := range tasks {
		devs = append(devs, t.Device)
		p, err := e.Plugins.ForDevice(t.Device)
		if err != nil {
			return nil, err
		}
		plugins[p.Name()] = p
	}

	started := e.clock.Now()
	for _, p := range plugins {
		if cp, ok := p.(plugin.CompositePreparer); ok {
			if err := cp.CompositePrepare(ctx, devs); err != nil {
				return nil, fmt.Errorf("failed to prepare composite: %w", err)
			}
		}
	}
	defer func() {
		for _, p := range plugins {
			if cc, ok := p.(plugin.CompositeCleanuper); ok {
				if err := cc.CompositeCleanup(ctx, devs); err != nil {
					e.log.Warnf("composite cleanup failed: %v", err)
				}
			}
		}
		root.SetStatus(progress.StatusIdle)
		e.metrics.InstallDuration.Observe(e.clock.Now().Sub(started).Seconds())
	}()

	steps := make([]*progress.Progress, len(tasks))
	for i, t := range tasks {
		steps[i] = root.AddStep(1, progress.StatusDeviceBusy, t.Device.Name)
	}

	var results []InstallResult
	for i, t := range tasks {
		res, err := e.installDevice(ctx, t, req, steps[i])
		if err != nil {
			e.metrics.InstallsTotal.WithLabelValues(string(history.StateFailed)).Inc()
			return results, err
		}
		results = append(results, *res)
		state := history.StateSuccess
		if res.NeedsActivation {
			state = history.StateNeedsActivation
		}
		e.metrics.InstallsTotal.WithLabelValues(string(state)).Inc()
	}
	root.Finished()
	return results, nil
}

// step weights of the per-device flow; writing dominates
const (
	weightPrepare = 2
	weightDetach  = 2
	weightWrite   = 90
	weightAttach  = 2
	weightReload  = 4
)

// installDevice walks one device through the state machine:
// prepare -> detach -> write -> attach -> reload, waiting out replugs after
// detach and attach. The history row is written before the first transition
// and resolved on every exit path; a failure after detach still attempts a
// best-effort attach so the device is not stranded in its bootloader.
func (e *Engine) installDevice(ctx context.Context, task resolver.Task, req InstallRequest, prog *progress.Progress) (*InstallResult, error) {
	dev := task.Device
	rel := task.Release
	p, err := e.Plugins.ForDevice(dev)
	if err != nil {
		return nil, err
	}

	prepareStep := prog.AddStep(weightPrepare, progress.StatusLoading, "prepare-fw")
	detachStep := prog.AddStep(weightDetach, progress.StatusDeviceRestart, "detach")
	writeStep := prog.AddStep(weightWrite, progress.StatusDeviceWrite, "write")
	attachStep := prog.AddStep(weightAttach, progress.StatusDeviceRestart, "attach")
	reloadStep := prog.AddStep(weightReload, progress.StatusDeviceRead, "reload")

	checksum := primaryChecksum(rel)
	recordHistory := !req.InstallFlags.Has(plugin.InstallFlagNoHistory)
	if recordHistory {
		entry := &history.Entry{
			DeviceID:    dev.ID,
			CompositeID: dev.CompositeID,
			DeviceName:  dev.Name,
			PluginName:  dev.Plugin,
			OldVersion:  dev.Version,
			NewVersion:  rel.Version,
			Checksum:    checksum,
			RemoteID:    rel.RemoteID,
			State:       history.StatePending,
		}
		if err := e.History.Add(entry); err != nil {
			return nil, err
		}
	}

	finish := func(state history.State, cause error) {
		if !recordHistory {
			return
		}
		if err := e.History.SetState(dev.ID, checksum, state, cause); err != nil {
			e.log.Warnf("failed to update history for %s: %v", dev.ID, err)
		}
	}

	// prepare
	fw := &plugin.Firmware{Bytes: task.Payload}
	if preparer, ok := p.(plugin.FirmwarePreparer); ok {
		prepared, err := preparer.PrepareFirmware(ctx, dev, task.Payload, req.ParseFlags)
		if err != nil {
			err = fmt.Errorf("failed to prepare firmware: %w", err)
			finish(history.StateFailed, err)
			return nil, err
		}
		fw = prepared
	}
	if fw.Version == "" {
		fw.Version = rel.Version
	}
	prepareStep.Finished()

	// detach, possibly across a replug
	detached := false
	if detacher, ok := p.(plugin.Detacher); ok {
		if err := detacher.Detach(ctx, dev, detachStep); err != nil {
			err = fmt.Errorf("failed to detach: %w", err)
			finish(history.StateFailed, err)
			return nil, err
		}
		detached = true
		if dev, err = e.maybeWaitReplug(ctx, dev, p, fw); err != nil {
			finish(history.StateFailed, err)
			return nil, err
		}
	}
	detachStep.Finished()

	// the failure path re-attaches best-effort so the device is never left
	// in an unattended bootloader
	reattach := func() {
		if !detached {
			return
		}
		if attacher, ok := p.(plugin.Attacher); ok {
			if err := attacher.Attach(ctx, dev, progress.New()); err != nil {
				e.log.Warnf("best-effort attach of %s failed: %v", dev.ID, err)
			}
		}
	}

	// write
	if setter, ok := p.(plugin.ProgressSetter); ok {
		setter.SetProgress(dev, writeStep)
	}
	if writer, ok := p.(plugin.FirmwareWriter); ok {
		if err := writer.WriteFirmware(ctx, dev, fw, writeStep, req.InstallFlags); err != nil {
			err = fmt.Errorf("failed to write firmware: %w", err)
			finish(history.StateFailed, err)
			reattach()
			return nil, err
		}
	}
	writeStep.Finished()

	// attach, possibly across a replug
	if attacher, ok := p.(plugin.Attacher); ok {
		if err := attacher.Attach(ctx, dev, attachStep); err != nil {
			err = fmt.Errorf("failed to attach: %w", err)
			finish(history.StateFailed, err)
			return nil, err
		}
		if dev, err = e.maybeWaitReplug(ctx, dev, p, fw); err != nil {
			finish(history.StateFailed, err)
			return nil, err
		}
	}
	attachStep.Finished()

	// reload
	if reloader, ok := p.(plugin.Reloader); ok {
		if err := reloader.Reload(ctx, dev); err != nil {
			err = fmt.Errorf("failed to reload: %w", err)
			finish(history.StateFailed, err)
			return nil, err
		}
	}
	reloadStep.Finished()

	res := &InstallResult{Device: dev, Release: rel}
	switch {
	case dev.HasFlag(device.FlagNeedsActivation):
		res.NeedsActivation = true
		finish(history.StateNeedsActivation, nil)
	case dev.HasFlag(device.FlagNeedsReboot):
		res.NeedsReboot = true
		finish(history.StateNeedsReboot, nil)
	default:
		finish(history.StateSuccess, nil)
	}
	return res, nil
}

// maybeWaitReplug suspends until a device that flagged wait-for-replug
// re-appears under the same composite-id with a matching hardware-id, or the
// remove-delay expires. The returned device replaces the instance in-place;
// device-id continuity is guaranteed by the registry.
func (e *Engine) maybeWaitReplug(ctx context.Context, dev *device.Device, p plugin.Plugin, fw *plugin.Firmware) (*device.Device, error) {
	if !dev.HasFlag(device.FlagWaitForReplug) {
		return dev, nil
	}
	e.metrics.ReplugWaits.Inc()

	deadline := dev.EffectiveRemoveDelay()
	wctx, cancel := context.WithCancel(ctx)
	timer := e.clock.AfterFunc(deadline, cancel)
	defer timer.Stop()
	defer cancel()

	guids := append([]string(nil), dev.GUIDs...)
	guids = append(guids, fw.PostGUIDs...)
	want := dev.ID
	compositeID := dev.CompositeID

	match := func(cand *device.Device) bool {
		if cand.ID == want {
			return true
		}
		if compositeID != "" && cand.CompositeID != compositeID {
			return false
		}
		for _, g := range guids {
			if cand.HasGUID(g) {
				return true
			}
		}
		return false
	}

	e.log.Debugf("waiting %s for %s to re-appear", deadline, dev.ID)
	newDev, err := e.Registry.WaitForReplug(wctx, match)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("device %s did not return within %s: %w", dev.ID, deadline, errdefs.ErrTimeout)
	}
	if replacer, ok := p.(plugin.Replacer); ok {
		replacer.Replace(newDev, dev)
	}
	newDev.RemoveFlag(device.FlagWaitForReplug)
	return newDev, nil
}

func primaryChecksum(rel *cabinet.Release) string {
	for _, cs := range rel.Checksums {
		if cs.Kind == "sha256" || cs.Kind == "" {
			return cs.Value
		}
	}
	if len(rel.Checksums) > 0 {
		return rel.Checksums[0].Value
	}
	return ""
}

// Cancelled reports whether the install error came from caller cancellation
// rather than a device failure.
func Cancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// InstallTimeout bounds a whole composite install; callers wrap the context
// before invoking Install.
const InstallTimeout = 30 * time.Minute
