// Package resolver matches a parsed cabinet against a device set. It
// produces the ordered (device, release) tasks an install will execute, or a
// diagnostic error describing the candidate that got furthest.
package resolver

import (
	"errors"
	"fmt"

	"github.com/fwctl/fwctl/internal/cabinet"
	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/requirements"
	"github.com/samber/lo"
)

// Task pairs a device with the release that applies to it.
type Task struct {
	Device    *device.Device
	Component *cabinet.Component
	Release   *cabinet.Release
	Payload   []byte
}

// Options tune resolution.
type Options struct {
	InstallFlags   plugin.InstallFlags
	ParseFlags     plugin.ParseFlags
	ClientFeatures []string
	// Composite is the full composite set for sibling requirements; when
	// empty the candidate device list doubles as the set.
	Composite []*device.Device
}

// how far a candidate made it, for best-failure diagnostics
type stage int

const (
	stageHardwareID stage = iota
	stageRequirements
	stageVersionPolicy
	stageChecksum
	stageOK
)

type failure struct {
	stage stage
	err   error
}

// Resolve walks all components in the cabinet against all candidate devices
// and returns the applicable tasks ordered by device priority then id. When
// nothing applies the error from the furthest-advanced candidate is
// returned.
func Resolve(cab *cabinet.Cabinet, devs []*device.Device, opts Options) ([]Task, error) {
	var tasks []Task
	best := failure{stage: -1, err: fmt.Errorf("no device matched any component hardware-id: %w", errdefs.ErrNothingToDo)}

	for _, component := range cab.GetComponents() {
		for _, dev := range devs {
			task, fail := resolveOne(cab, component, dev, opts)
			if fail != nil {
				if fail.stage > best.stage {
					best = *fail
				}
				continue
			}
			tasks = append(tasks, *task)
		}
	}

	if len(tasks) == 0 {
		return nil, best.err
	}

	// one task per device: keep the first (components are in archive order)
	tasks = lo.UniqBy(tasks, func(t Task) string { return t.Device.ID })
	sortTasks(tasks)
	return tasks, nil
}

func sortTasks(tasks []Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0; j-- {
			a, b := tasks[j-1].Device, tasks[j].Device
			if a.Priority > b.Priority || (a.Priority == b.Priority && a.ID <= b.ID) {
				break
			}
			tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
		}
	}
}

func resolveOne(cab *cabinet.Cabinet, component *cabinet.Component, dev *device.Device, opts Options) (*Task, *failure) {
	if !deviceMatchesComponent(dev, component) {
		return nil, &failure{
			stage: stageHardwareID,
			err: fmt.Errorf("device %s has no hardware-id listed by %s: %w",
				dev.ID, component.ID, errdefs.ErrNotFound),
		}
	}

	composite := opts.Composite
	if len(composite) == 0 {
		composite = []*device.Device{dev}
	}

	if !opts.InstallFlags.Has(plugin.InstallFlagIgnoreRequirements) {
		evalCtx := requirements.Context{
			Device:         dev,
			Composite:      composite,
			ClientFeatures: opts.ClientFeatures,
		}
		if err := requirements.Check(component.Requirements, evalCtx); err != nil {
			return nil, &failure{stage: stageRequirements, err: err}
		}
	}

	release, err := pickRelease(component, dev, opts.InstallFlags)
	if err != nil {
		return nil, &failure{stage: stageVersionPolicy, err: err}
	}

	payload, err := payloadFor(cab, release)
	if err != nil {
		return nil, &failure{stage: stageChecksum, err: err}
	}
	if !opts.ParseFlags.Has(plugin.ParseFlagIgnoreChecksum) {
		if err := cabinet.VerifyChecksum(release.Checksums, payload); err != nil {
			return nil, &failure{stage: stageChecksum, err: err}
		}
	}

	return &Task{Device: dev, Component: component, Release: release, Payload: payload}, nil
}

func deviceMatchesComponent(dev *device.Device, component *cabinet.Component) bool {
	return lo.SomeBy(dev.GUIDs, component.ProvidesGUID)
}

// pickRelease applies the version policy: upgrades by default, downgrades,
// reinstalls and branch switches only behind their flags.
func pickRelease(component *cabinet.Component, dev *device.Device, flags plugin.InstallFlags) (*cabinet.Release, error) {
	var firstErr error
	for _, rel := range component.Releases {
		if err := CheckVersionPolicy(dev, rel, flags); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return rel, nil
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("component %s has no releases: %w", component.ID, errdefs.ErrNothingToDo)
	}
	return nil, firstErr
}

// CheckVersionPolicy decides whether moving the device to the release is
// permitted under the install flags.
func CheckVersionPolicy(dev *device.Device, rel *cabinet.Release, flags plugin.InstallFlags) error {
	format := rel.VersionFormat
	if format == fwver.FormatUnknown {
		format = dev.VersionFormat
	}

	if rel.Branch != dev.Branch {
		if !flags.Has(plugin.InstallFlagAllowBranchSwitch) {
			return fmt.Errorf("release branch %q differs from device branch %q, branch switching not allowed: %w",
				rel.Branch, dev.Branch, errdefs.ErrNothingToDo)
		}
		if !dev.HasFlag(device.FlagHasMultipleBranches) {
			return fmt.Errorf("device %s has no alternate branches: %w", dev.ID, errdefs.ErrNotSupported)
		}
		// switching branch: version direction is not meaningful
		return nil
	}

	cmp := fwver.Compare(rel.Version, dev.Version, format)
	switch {
	case cmp > 0:
		return nil
	case cmp == 0:
		if flags.Has(plugin.InstallFlagAllowReinstall) {
			return nil
		}
		return fmt.Errorf("device already at %s: %w", dev.Version, errdefs.ErrNothingToDo)
	default:
		if flags.Has(plugin.InstallFlagAllowOlder) {
			return nil
		}
		return fmt.Errorf("release %s is older than device version %s: %w",
			rel.Version, dev.Version, errdefs.ErrNothingToDo)
	}
}

func payloadFor(cab *cabinet.Cabinet, rel *cabinet.Release) ([]byte, error) {
	if len(rel.Locations) == 0 {
		return nil, fmt.Errorf("release %s has no payload location: %w", rel.Version, errdefs.ErrInvalidFile)
	}
	var firstErr error
	for _, loc := range rel.Locations {
		payload, err := cab.GetBlob(loc)
		if err == nil {
			return payload, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// IsNoMatch reports whether the resolution error just means nothing applied,
// as opposed to a structural problem.
func IsNoMatch(err error) bool {
	return errors.Is(err, errdefs.ErrNothingToDo) || errors.Is(err, errdefs.ErrNotFound)
}
