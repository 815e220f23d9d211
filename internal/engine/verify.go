package engine

import (
	"context"
	"fmt"

	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/progress"
)

// Verify hashes the on-device firmware and compares it against the release
// checksums the metadata index declares for the device's current version.
func (e *Engine) Verify(ctx context.Context, dev *device.Device, prog *progress.Progress) error {
	if !dev.HasFlag(device.FlagCanVerify) {
		return fmt.Errorf("device %s cannot verify: %w", dev.ID, errdefs.ErrNotSupported)
	}
	p, err := e.Plugins.ForDevice(dev)
	if err != nil {
		return err
	}
	verifier, ok := p.(plugin.Verifier)
	if !ok {
		return fmt.Errorf("plugin %s cannot verify: %w", dev.Plugin, errdefs.ErrNotSupported)
	}
	if prog == nil {
		prog = progress.New()
	}

	actual, err := verifier.Verify(ctx, dev, prog)
	if err != nil {
		return fmt.Errorf("failed to verify: %w", err)
	}

	expected := e.expectedChecksums(dev)
	if len(expected) == 0 {
		return fmt.Errorf("no release metadata for %s version %s: %w",
			dev.Name, dev.Version, errdefs.ErrNotFound)
	}
	for _, got := range actual {
		for _, want := range expected {
			if got == want {
				return nil
			}
		}
	}
	return fmt.Errorf("device %s firmware does not match release %s: %w",
		dev.ID, dev.Version, errdefs.ErrInvalidFile)
}

// expectedChecksums collects the declared content checksums for the device's
// current version across the metadata index.
func (e *Engine) expectedChecksums(dev *device.Device) []string {
	var out []string
	for _, guid := range dev.GUIDs {
		for _, component := range e.Remotes.Search(guid) {
			rel := component.FindRelease(dev.Version)
			if rel == nil {
				continue
			}
			for _, cs := range rel.Checksums {
				out = append(out, cs.Value)
			}
		}
	}
	return out
}
