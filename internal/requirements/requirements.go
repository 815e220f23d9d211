// Package requirements evaluates the declarative predicates a cabinet
// component attaches to its releases. All predicates must hold for a release
// to be applicable; unknown predicate kinds fail closed.
package requirements

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
)

// Kind discriminates the predicate families.
type Kind int

const (
	// KindFirmware compares a firmware version: the device's own when ID is
	// empty, the bootloader's when ID is "bootloader", or a sibling
	// component's device version otherwise.
	KindFirmware Kind = iota
	// KindHardware requires one of the listed GUIDs on the device.
	KindHardware
	// KindClient requires client capability features.
	KindClient
	// KindVendor requires the device vendor-id to match.
	KindVendor
	// KindID compares against the engine's own component version; used by
	// vendors to require a minimum client.
	KindID
)

func (k Kind) String() string {
	switch k {
	case KindFirmware:
		return "firmware"
	case KindHardware:
		return "hardware"
	case KindClient:
		return "client"
	case KindVendor:
		return "vendor"
	case KindID:
		return "id"
	}
	return "unknown"
}

// Op is a comparison operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpGt    Op = "gt"
	OpGe    Op = "ge"
	OpLt    Op = "lt"
	OpLe    Op = "le"
	OpRegex Op = "regex"
	OpGlob  Op = "glob"
)

// ParseOp converts a compare attribute into an Op. Empty means ge, matching
// the metadata convention. Unknown operators fail closed.
func ParseOp(s string) (Op, error) {
	op := Op(strings.TrimSpace(s))
	switch op {
	case "":
		return OpGe, nil
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe, OpRegex, OpGlob:
		return op, nil
	default:
		return "", fmt.Errorf("unknown compare operator %q: %w", s, errdefs.ErrNotSupported)
	}
}

// Requirement is one declarative predicate.
type Requirement struct {
	Kind    Kind
	ID      string
	Op      Op
	Version string

	// KindHardware
	GUIDs []string
	// KindClient
	Features []string
}

func (r Requirement) String() string {
	switch r.Kind {
	case KindHardware:
		return fmt.Sprintf("hardware in [%s]", strings.Join(r.GUIDs, "|"))
	case KindClient:
		return fmt.Sprintf("client features [%s]", strings.Join(r.Features, " "))
	case KindVendor:
		return fmt.Sprintf("vendor-id == %s", r.ID)
	default:
		subject := r.ID
		if subject == "" {
			subject = "firmware"
		}
		return fmt.Sprintf("%s version %s %s", subject, r.Op, r.Version)
	}
}

// EngineVersion is what KindID requirements compare against when they name
// the engine component. Overridden at build time alongside pkg/version.
var EngineVersion = "2.0.0"

// EngineID is the component id vendors use to require a minimum engine.
const EngineID = "com.fwctl.engine"

// Context carries everything predicates are evaluated against.
type Context struct {
	Device *device.Device
	// Composite is the full device set sharing the composite-id, for
	// sibling version predicates.
	Composite []*device.Device
	// ClientFeatures are the capability flags the installed client exposes.
	ClientFeatures []string
}

// Check evaluates all requirements; the first failing predicate is returned
// wrapped in ErrNotSupported so callers can cite it.
func Check(reqs []Requirement, evalCtx Context) error {
	for _, req := range reqs {
		if err := checkOne(req, evalCtx); err != nil {
			return err
		}
	}
	return nil
}

func checkOne(req Requirement, evalCtx Context) error {
	dev := evalCtx.Device
	switch req.Kind {
	case KindHardware:
		for _, guid := range req.GUIDs {
			if dev.HasGUID(guid) {
				return nil
			}
		}
		return fmt.Errorf("no hardware-id matched requirement %s: %w", req, errdefs.ErrNotSupported)

	case KindVendor:
		if strings.EqualFold(req.ID, dev.VendorID) {
			return nil
		}
		return fmt.Errorf("vendor-id %q does not match requirement %s: %w", dev.VendorID, req, errdefs.ErrNotSupported)

	case KindClient:
		for _, feature := range req.Features {
			if !hasFeature(evalCtx.ClientFeatures, feature) {
				return fmt.Errorf("client does not support %q: %w", feature, errdefs.ErrNotSupported)
			}
		}
		return nil

	case KindID:
		if req.ID != EngineID {
			return fmt.Errorf("unknown id requirement %q: %w", req.ID, errdefs.ErrNotSupported)
		}
		return compareVersions(EngineVersion, fwver.FormatTriplet, req, "engine")

	case KindFirmware:
		switch req.ID {
		case "":
			return compareVersions(dev.Version, dev.VersionFormat, req, "firmware")
		case "bootloader":
			if dev.VersionBootloader == "" {
				return fmt.Errorf("device has no bootloader version for requirement %s: %w", req, errdefs.ErrNotSupported)
			}
			return compareVersions(dev.VersionBootloader, dev.VersionFormat, req, "bootloader")
		case "not-child":
			if dev.ParentID != "" {
				return fmt.Errorf("device %s is a child device: %w", dev.ID, errdefs.ErrNotSupported)
			}
			return nil
		default:
			// sibling predicate: another device in the composite set
			for _, sibling := range evalCtx.Composite {
				if sibling.ID == dev.ID {
					continue
				}
				if siblingMatches(sibling, req.ID) {
					return compareVersions(sibling.Version, sibling.VersionFormat, req,
						fmt.Sprintf("sibling %s", req.ID))
				}
			}
			return fmt.Errorf("no sibling device matches %q for requirement %s: %w", req.ID, req, errdefs.ErrNotSupported)
		}

	default:
		return fmt.Errorf("unknown requirement kind %d: %w", req.Kind, errdefs.ErrNotSupported)
	}
}

func siblingMatches(dev *device.Device, id string) bool {
	if dev.HasGUID(id) {
		return true
	}
	for _, inst := range dev.InstanceIDs {
		if inst == id {
			return true
		}
	}
	return strings.EqualFold(dev.Name, id)
}

func hasFeature(features []string, want string) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}

func compareVersions(actual string, format fwver.Format, req Requirement, subject string) error {
	switch req.Op {
	case OpRegex:
		re, err := regexp.Compile(req.Version)
		if err != nil {
			return fmt.Errorf("bad regex in requirement %s: %w", req, errdefs.ErrInvalidArgs)
		}
		if re.MatchString(actual) {
			return nil
		}
	case OpGlob:
		ok, err := path.Match(req.Version, actual)
		if err != nil {
			return fmt.Errorf("bad glob in requirement %s: %w", req, errdefs.ErrInvalidArgs)
		}
		if ok {
			return nil
		}
	default:
		cmp := fwver.Compare(actual, req.Version, format)
		ok := false
		switch req.Op {
		case OpEq:
			ok = cmp == 0
		case OpNe:
			ok = cmp != 0
		case OpGt:
			ok = cmp > 0
		case OpGe:
			ok = cmp >= 0
		case OpLt:
			ok = cmp < 0
		case OpLe:
			ok = cmp <= 0
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%s version %q failed requirement %s: %w", subject, actual, req, errdefs.ErrNotSupported)
}
