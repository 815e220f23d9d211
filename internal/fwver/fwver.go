// Package fwver compares firmware version strings under a declared format.
// Devices declare how their version numbers are encoded; comparisons are only
// meaningful between two versions of the same format.
package fwver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fwctl/fwctl/internal/errdefs"
)

// Format describes how a version string is encoded.
type Format int

const (
	// FormatUnknown sorts like FormatPlain.
	FormatUnknown Format = iota
	// FormatPlain compares as an opaque string.
	FormatPlain
	// FormatNumber is a single unsigned integer.
	FormatNumber
	// FormatPair is two dotted segments, e.g. "1.2".
	FormatPair
	// FormatTriplet is three dotted segments, e.g. "1.2.3".
	FormatTriplet
	// FormatQuad is four dotted segments, e.g. "1.2.3.4".
	FormatQuad
	// FormatBcd is dotted binary-coded-decimal segments.
	FormatBcd
	// FormatHex is dotted base-16 segments.
	FormatHex
	// FormatIntelMe is the four-segment management-engine encoding packed
	// into a 64-bit register.
	FormatIntelMe
	// FormatSurface is the three-segment encoding Surface devices pack into
	// a 32-bit register.
	FormatSurface
)

var formatNames = map[Format]string{
	FormatUnknown: "unknown",
	FormatPlain:   "plain",
	FormatNumber:  "number",
	FormatPair:    "pair",
	FormatTriplet: "triplet",
	FormatQuad:    "quad",
	FormatBcd:     "bcd",
	FormatHex:     "hex",
	FormatIntelMe: "intel-me",
	FormatSurface: "surface",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseFormat converts a format name to a Format. Unrecognized names map to
// FormatUnknown.
func ParseFormat(name string) Format {
	for f, n := range formatNames {
		if n == name {
			return f
		}
	}
	return FormatUnknown
}

func segmentCount(f Format) int {
	switch f {
	case FormatNumber:
		return 1
	case FormatPair:
		return 2
	case FormatTriplet, FormatSurface:
		return 3
	case FormatQuad, FormatIntelMe:
		return 4
	default:
		return 0
	}
}

func segmentBase(f Format) int {
	if f == FormatHex {
		return 16
	}
	return 10
}

// Parse splits a version string into its numeric segments under the format.
// Plain and unknown formats have no numeric form and fail with InvalidArgs,
// as does any segment that does not parse or a segment count that does not
// match the format.
func Parse(version string, format Format) ([]uint64, error) {
	if version == "" {
		return nil, fmt.Errorf("empty version: %w", errdefs.ErrInvalidArgs)
	}
	if format == FormatPlain || format == FormatUnknown {
		return nil, fmt.Errorf("format %s has no numeric segments: %w", format, errdefs.ErrInvalidArgs)
	}
	segs := strings.Split(version, ".")
	if want := segmentCount(format); want > 0 && len(segs) != want {
		return nil, fmt.Errorf("version %q has %d segments, %s requires %d: %w",
			version, len(segs), format, want, errdefs.ErrInvalidArgs)
	}
	out := make([]uint64, 0, len(segs))
	for _, s := range segs {
		v, err := strconv.ParseUint(s, segmentBase(format), 64)
		if err != nil {
			return nil, fmt.Errorf("version %q segment %q not parseable as %s: %w",
				version, s, format, errdefs.ErrInvalidArgs)
		}
		out = append(out, v)
	}
	return out, nil
}

// Validate checks that a version string is well formed for the format.
func Validate(version string, format Format) error {
	if version == "" {
		return fmt.Errorf("empty version: %w", errdefs.ErrInvalidArgs)
	}
	if format == FormatPlain || format == FormatUnknown {
		return nil
	}
	_, err := Parse(version, format)
	return err
}

// Compare orders two version strings under the format. It returns a negative
// number when a < b, zero when equal and a positive number when a > b. The
// ordering is total: strings that fail numeric parsing fall back to a stable
// lexical comparison.
func Compare(a, b string, format Format) int {
	if a == b {
		return 0
	}
	switch format {
	case FormatPlain, FormatUnknown:
		return strings.Compare(a, b)
	default:
		as, aok := parseSegments(a, format)
		bs, bok := parseSegments(b, format)
		if !aok || !bok {
			return strings.Compare(a, b)
		}
		for i := 0; i < len(as) || i < len(bs); i++ {
			var av, bv uint64
			if i < len(as) {
				av = as[i]
			}
			if i < len(bs) {
				bv = bs[i]
			}
			if av < bv {
				return -1
			}
			if av > bv {
				return 1
			}
		}
		// numerically equal but textually different, e.g. "1.02" vs "1.2";
		// keep the order antisymmetric
		return strings.Compare(a, b)
	}
}

func parseSegments(version string, format Format) ([]uint64, bool) {
	segs := strings.Split(version, ".")
	out := make([]uint64, 0, len(segs))
	for _, s := range segs {
		v, err := strconv.ParseUint(s, segmentBase(format), 64)
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// FromUint32 renders a raw 32-bit version register under the format, the way
// device descriptors encode them.
func FromUint32(v uint32, format Format) string {
	switch format {
	case FormatQuad:
		return fmt.Sprintf("%d.%d.%d.%d",
			(v>>24)&0xff, (v>>16)&0xff, (v>>8)&0xff, v&0xff)
	case FormatTriplet:
		return fmt.Sprintf("%d.%d.%d",
			(v>>24)&0xff, (v>>16)&0xff, v&0xffff)
	case FormatSurface:
		return fmt.Sprintf("%d.%d.%d",
			(v>>22)&0x3ff, (v>>12)&0x3ff, v&0xfff)
	case FormatPair:
		return fmt.Sprintf("%d.%d", (v>>16)&0xffff, v&0xffff)
	case FormatBcd:
		return fmt.Sprintf("%d.%d", bcd((v>>8)&0xff), bcd(v&0xff))
	case FormatHex:
		return fmt.Sprintf("%x", v)
	case FormatNumber:
		return strconv.FormatUint(uint64(v), 10)
	default:
		return strconv.FormatUint(uint64(v), 10)
	}
}

// FromUint64 renders a raw 64-bit version register under the format. Only
// intel-me actually spans more than 32 bits; the other formats decode the
// low word the way FromUint32 does.
func FromUint64(v uint64, format Format) string {
	switch format {
	case FormatIntelMe:
		return fmt.Sprintf("%d.%d.%d.%d",
			(v>>54)&0x3ff, (v>>48)&0x3f, (v>>32)&0xffff, v&0xffffffff)
	case FormatNumber:
		return strconv.FormatUint(v, 10)
	case FormatHex:
		return fmt.Sprintf("%x", v)
	default:
		return FromUint32(uint32(v), format)
	}
}

func bcd(v uint32) uint32 {
	return (v>>4)*10 + (v & 0xf)
}
