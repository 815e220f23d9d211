package engine

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/fwctl/fwctl/internal/cabinet"
	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/requirements"
	"github.com/samber/lo"
)

// UpdateCandidate pairs a device with a release from the metadata index.
type UpdateCandidate struct {
	Device    *device.Device
	Component *cabinet.Component
	Release   *cabinet.Release
}

// Refresh re-fetches remote metadata, returning a soft staleness warning
// alongside any hard error.
func (e *Engine) Refresh(ctx context.Context, force bool) (warning error, err error) {
	warning, err = e.Remotes.Refresh(ctx, force)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	e.metrics.RefreshTotal.WithLabelValues(outcome).Inc()
	if err == nil {
		e.markSupported()
	}
	return warning, err
}

// GetUpdates returns the upgrade candidates for one device, newest first.
func (e *Engine) GetUpdates(dev *device.Device) ([]UpdateCandidate, error) {
	return e.getCandidates(dev, plugin.InstallFlagNone)
}

// GetDowngrades returns older releases for one device, newest first.
func (e *Engine) GetDowngrades(dev *device.Device) ([]UpdateCandidate, error) {
	return e.getCandidates(dev, plugin.InstallFlagAllowOlder)
}

// GetReleases returns every release for one device regardless of direction.
func (e *Engine) GetReleases(dev *device.Device) ([]UpdateCandidate, error) {
	return e.getCandidates(dev, plugin.InstallFlagAllowOlder|plugin.InstallFlagAllowReinstall)
}

func (e *Engine) getCandidates(dev *device.Device, flags plugin.InstallFlags) ([]UpdateCandidate, error) {
	if !dev.HasFlag(device.FlagUpdatable) && !dev.HasFlag(device.FlagUpdatableHidden) {
		return nil, fmt.Errorf("device %s is not updatable: %w", dev.ID, errdefs.ErrNotSupported)
	}

	composite := e.Registry.Composite(dev.CompositeID)
	if len(composite) == 0 {
		composite = []*device.Device{dev}
	}

	var out []UpdateCandidate
	for _, guid := range dev.GUIDs {
		for _, component := range e.Remotes.Search(guid) {
			evalCtx := requirements.Context{
				Device:         dev,
				Composite:      composite,
				ClientFeatures: ClientFeatures,
			}
			if err := requirements.Check(component.Requirements, evalCtx); err != nil {
				e.log.Debugf("component %s requirements: %v", component.ID, err)
				continue
			}
			for _, rel := range component.Releases {
				cmp := fwver.Compare(rel.Version, dev.Version, versionFormat(dev, rel))
				switch mode(flags) {
				case modeUpgrades:
					if cmp <= 0 {
						continue
					}
				case modeDowngrades:
					if cmp >= 0 {
						continue
					}
				}
				out = append(out, UpdateCandidate{Device: dev, Component: component, Release: rel})
			}
		}
	}

	out = lo.UniqBy(out, func(c UpdateCandidate) string {
		return c.Component.ID + "/" + c.Release.Version
	})
	sort.SliceStable(out, func(i, j int) bool {
		return fwver.Compare(out[i].Release.Version, out[j].Release.Version,
			versionFormat(dev, out[i].Release)) > 0
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("no releases found for device %s: %w", dev.ID, errdefs.ErrNothingToDo)
	}
	return out, nil
}

type candidateMode int

const (
	modeUpgrades candidateMode = iota
	modeDowngrades
	modeAll
)

func mode(flags plugin.InstallFlags) candidateMode {
	switch {
	case flags.Has(plugin.InstallFlagAllowOlder | plugin.InstallFlagAllowReinstall):
		return modeAll
	case flags.Has(plugin.InstallFlagAllowOlder):
		return modeDowngrades
	default:
		return modeUpgrades
	}
}

func versionFormat(dev *device.Device, rel *cabinet.Release) fwver.Format {
	if rel.VersionFormat != fwver.FormatUnknown {
		return rel.VersionFormat
	}
	return dev.VersionFormat
}

// DownloadRelease fetches the cabinet a release points at. File paths are
// read directly; anything else goes through the remote HTTP client.
func (e *Engine) DownloadRelease(ctx context.Context, candidate UpdateCandidate) ([]byte, error) {
	// locally-indexed components resolve straight back to their cabinet
	if path, ok := e.Remotes.SourcePath(candidate.Component); ok {
		return os.ReadFile(path)
	}
	if len(candidate.Release.Locations) == 0 {
		return nil, fmt.Errorf("release %s has no download location: %w",
			candidate.Release.Version, errdefs.ErrInvalidFile)
	}
	var firstErr error
	for _, loc := range candidate.Release.Locations {
		if data, err := os.ReadFile(loc); err == nil {
			return data, nil
		}
		data, err := e.Remotes.Download(ctx, loc)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
