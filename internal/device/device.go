// Package device holds the polymorphic device model and the in-memory
// registry. A Device carries common identity and state; family-specific
// behavior lives in the plugin that claims it. Parent/child relations are
// stored as ids and resolved through the Registry, never as pointers.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/google/uuid"
)

// namespaceGUID seeds deterministic hardware-id derivation. It mirrors the
// DNS namespace so instance strings hash to stable RFC 4122 values.
var namespaceGUID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

const (
	// DefaultRemoveDelay is how long a device may vanish during a mode
	// switch before the engine gives up waiting for it to return.
	DefaultRemoveDelay = 20 * time.Second
)

// ComputeID derives the stable device-id from the physical locators of the
// device. Identical locator sets always produce the same id.
func ComputeID(physicalIDs ...string) string {
	h := sha256.New()
	for _, id := range physicalIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

// GUIDFromString derives a deterministic hardware-id GUID from an instance
// string such as "USB\VID_273F&PID_1004".
func GUIDFromString(instance string) string {
	return uuid.NewSHA1(namespaceGUID, []byte(instance)).String()
}

// PlausibleGUID reports whether a raw 16-byte identifier looks like real
// data: not all-zero, and with a byte sum of at least 0xff.
func PlausibleGUID(buf []byte) bool {
	if len(buf) != 16 {
		return false
	}
	sum := 0
	for _, b := range buf {
		sum += int(b)
	}
	return sum >= 0xff
}

// Device is one updatable entity in the registry. All mutation goes through
// Registry methods; a Device handed out by the registry is a snapshot-safe
// pointer that the orchestrator freezes for the duration of an install.
type Device struct {
	// identity
	ID          string
	CompositeID string
	GUIDs       []string
	InstanceIDs []string
	PhysicalID  string

	Name      string
	Vendor    string
	VendorID  string
	Plugin    string
	Protocol  string
	Serial    string
	Summary   string

	Version           string
	VersionFormat     fwver.Format
	VersionBootloader string
	Branch            string

	FirmwareSizeMin uint64
	FirmwareSizeMax uint64

	RemoveDelay     time.Duration
	InstallDuration time.Duration
	Priority        int

	ParentID string
	ChildIDs []string

	Flags    Flag
	Problems Problem

	Created  time.Time
	Modified time.Time
}

// AddGUID appends a hardware-id derived from the instance string, keeping
// both the raw instance id and the GUID form.
func (d *Device) AddGUID(instance string) {
	guid := GUIDFromString(instance)
	for _, g := range d.GUIDs {
		if g == guid {
			return
		}
	}
	d.InstanceIDs = append(d.InstanceIDs, instance)
	d.GUIDs = append(d.GUIDs, guid)
}

// HasGUID reports whether the device carries the hardware-id.
func (d *Device) HasGUID(guid string) bool {
	for _, g := range d.GUIDs {
		if strings.EqualFold(g, guid) {
			return true
		}
	}
	return false
}

// AddFlag sets the given flag bits.
func (d *Device) AddFlag(f Flag) { d.Flags |= f }

// RemoveFlag clears the given flag bits.
func (d *Device) RemoveFlag(f Flag) { d.Flags &^= f }

// HasFlag reports whether all given flag bits are set.
func (d *Device) HasFlag(f Flag) bool { return d.Flags&f == f }

// AddProblem sets the given problem bits.
func (d *Device) AddProblem(p Problem) { d.Problems |= p }

// RemoveProblem clears the given problem bits.
func (d *Device) RemoveProblem(p Problem) { d.Problems &^= p }

// HasProblem reports whether all given problem bits are set.
func (d *Device) HasProblem(p Problem) bool { return d.Problems&p == p }

// EffectiveRemoveDelay returns the replug grace window, falling back to the
// default when the plugin set none.
func (d *Device) EffectiveRemoveDelay() time.Duration {
	if d.RemoveDelay > 0 {
		return d.RemoveDelay
	}
	return DefaultRemoveDelay
}

// CheckUpdatable returns a guard-rail error when the device cannot currently
// be written.
func (d *Device) CheckUpdatable() error {
	if !d.HasFlag(FlagUpdatable) && !d.HasFlag(FlagUpdatableHidden) {
		return fmt.Errorf("device %s is not updatable: %w", d.ID, errdefs.ErrNotSupported)
	}
	if d.HasProblem(ProblemBatteryLow) {
		return fmt.Errorf("device %s: %w", d.ID, errdefs.ErrBatteryLow)
	}
	if d.HasProblem(ProblemRequireACPower) {
		return fmt.Errorf("device %s: %w", d.ID, errdefs.ErrAcPowerRequired)
	}
	if d.HasProblem(ProblemLidClosed) {
		return fmt.Errorf("device %s: %w", d.ID, errdefs.ErrLidClosed)
	}
	if d.HasProblem(ProblemUnreachable) {
		return fmt.Errorf("device %s: %w", d.ID, errdefs.ErrNotReachable)
	}
	return nil
}

// CheckFirmwareSize validates a payload against the declared size budget.
func (d *Device) CheckFirmwareSize(size uint64) error {
	if d.FirmwareSizeMin > 0 && size < d.FirmwareSizeMin {
		return fmt.Errorf("firmware is %d bytes, device requires at least %d: %w",
			size, d.FirmwareSizeMin, errdefs.ErrInvalidFile)
	}
	if d.FirmwareSizeMax > 0 && size > d.FirmwareSizeMax {
		return fmt.Errorf("firmware is %d bytes, device accepts at most %d: %w",
			size, d.FirmwareSizeMax, errdefs.ErrInvalidFile)
	}
	return nil
}

// Clone returns a deep copy of the device.
func (d *Device) Clone() *Device {
	c := *d
	c.GUIDs = append([]string(nil), d.GUIDs...)
	c.InstanceIDs = append([]string(nil), d.InstanceIDs...)
	c.ChildIDs = append([]string(nil), d.ChildIDs...)
	return &c
}

func (d *Device) String() string {
	return fmt.Sprintf("%s [%s] %s %s", d.Name, d.ID, d.Version, d.Flags)
}

// SortDevices orders devices by priority descending, then by id for a stable
// tie-break.
func SortDevices(devs []*Device) {
	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].Priority != devs[j].Priority {
			return devs[i].Priority > devs[j].Priority
		}
		return devs[i].ID < devs[j].ID
	})
}
