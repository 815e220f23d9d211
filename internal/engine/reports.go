package engine

import (
	"context"

	"github.com/fwctl/fwctl/internal/history"
)

// SubmitReports uploads unreported history entries to the remotes they came
// from. Only remotes with automatic-reports set are used unless force is
// given; uploaded entries are flagged so they are never sent twice.
func (e *Engine) SubmitReports(ctx context.Context, force bool) (int, error) {
	entries := e.History.Unreported()
	if len(entries) == 0 {
		return 0, nil
	}

	byRemote := map[string][]*history.Entry{}
	for _, entry := range entries {
		if entry.RemoteID == "" {
			continue
		}
		byRemote[entry.RemoteID] = append(byRemote[entry.RemoteID], entry)
	}

	uploaded := 0
	for remoteID, batch := range byRemote {
		r, err := e.Remotes.Get(remoteID)
		if err != nil {
			continue
		}
		if r.ReportURI == "" {
			continue
		}
		if !r.AutomaticReports && !force {
			continue
		}
		if err := e.Remotes.UploadReport(ctx, r, batch); err != nil {
			return uploaded, err
		}
		for _, entry := range batch {
			if err := e.History.SetReported(entry.DeviceID, entry.Checksum); err != nil {
				e.log.Warnf("failed to mark %s reported: %v", entry.DeviceID, err)
			}
		}
		uploaded += len(batch)
	}
	return uploaded, nil
}
