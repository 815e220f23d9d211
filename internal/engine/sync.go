package engine

import (
	"context"
	"fmt"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/plugin"
)

// SyncResult describes one device the sync moved.
type SyncResult struct {
	Results []InstallResult
	Skipped int
}

// Sync aligns every device to the host's Best Known Configuration: for each
// device the newest release tagged with the configured BKC tag is installed,
// downgrading where the device has run ahead of it. Devices already at their
// BKC release are skipped; when every device matches, NothingToDo is
// returned.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	tag := e.cfg.HostBkc
	if tag == "" {
		return nil, fmt.Errorf("no HostBkc configured: %w", errdefs.ErrNothingToDo)
	}

	out := &SyncResult{}
	moved := false
	for _, dev := range e.GetDevices(false) {
		candidates, err := e.GetReleases(dev)
		if err != nil {
			continue
		}
		var want *UpdateCandidate
		for i := range candidates {
			if hasTag(candidates[i].Release.Tags, tag) {
				want = &candidates[i]
				break // candidates are newest-first
			}
		}
		if want == nil {
			continue
		}
		if want.Release.Version == dev.Version {
			out.Skipped++
			continue
		}

		data, err := e.DownloadRelease(ctx, *want)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s for %s: %w",
				want.Release.Version, dev.Name, err)
		}
		results, err := e.Install(ctx, InstallRequest{
			CabinetBytes:   data,
			DeviceSelector: dev.ID,
			// sync moves in both directions by design
			InstallFlags: plugin.InstallFlagAllowOlder,
		})
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, results...)
		moved = true
	}

	if !moved {
		return nil, fmt.Errorf("all devices match the best known configuration: %w", errdefs.ErrNothingToDo)
	}
	return out, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
