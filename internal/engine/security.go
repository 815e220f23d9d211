package engine

import (
	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/remote"
)

// SecurityAttr is one host-security observation.
type SecurityAttr struct {
	ID      string
	Passed  bool
	Summary string
}

// SecurityAttrs summarizes the engine's security posture: process
// exclusivity, metadata trust and pending activations.
func (e *Engine) SecurityAttrs() []SecurityAttr {
	attrs := []SecurityAttr{
		{
			ID:      "org.fwctl.lock",
			Passed:  e.lock != nil,
			Summary: "engine state guarded by an exclusive lock",
		},
	}

	signed := true
	enabled := 0
	for _, r := range e.Remotes.Remotes() {
		if !r.Enabled {
			continue
		}
		enabled++
		if r.Kind == remote.KindDownload && !r.SignedMetadata {
			signed = false
		}
	}
	attrs = append(attrs, SecurityAttr{
		ID:      "org.fwctl.remotes.signed",
		Passed:  enabled > 0 && signed,
		Summary: "all enabled download remotes require signed metadata",
	})

	pending := len(e.PendingActivations())
	attrs = append(attrs, SecurityAttr{
		ID:      "org.fwctl.activation",
		Passed:  pending == 0,
		Summary: "no updates are waiting for activation",
	})

	locked := 0
	for _, dev := range e.Registry.Devices() {
		if dev.HasFlag(device.FlagLocked) {
			locked++
		}
	}
	attrs = append(attrs, SecurityAttr{
		ID:      "org.fwctl.devices.unlocked",
		Passed:  locked == 0,
		Summary: "no devices require unlocking",
	})
	return attrs
}
