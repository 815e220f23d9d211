package fwver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name   string
		a, b   string
		format Format
		want   int
	}{
		{name: "quad upgrade", a: "1.2.3.4", b: "1.2.3.5", format: FormatQuad, want: -1},
		{name: "quad equal", a: "1.2.3.4", b: "1.2.3.4", format: FormatQuad, want: 0},
		{name: "quad downgrade", a: "2.0.0.0", b: "1.9.9.9", format: FormatQuad, want: 1},
		{name: "quad numeric not lexical", a: "1.10.0.0", b: "1.9.0.0", format: FormatQuad, want: 1},
		{name: "triplet", a: "0.9.1", b: "0.10.0", format: FormatTriplet, want: -1},
		{name: "number", a: "9", b: "11", format: FormatNumber, want: -1},
		{name: "plain lexical", a: "beta", b: "alpha", format: FormatPlain, want: 1},
		{name: "hex segments", a: "ff", b: "100", format: FormatHex, want: -1},
		{name: "unparseable falls back to lexical", a: "abc", b: "abd", format: FormatQuad, want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.a, tt.b, tt.format)
			switch {
			case tt.want < 0:
				require.Negative(t, got)
			case tt.want > 0:
				require.Positive(t, got)
			default:
				require.Zero(t, got)
			}
		})
	}
}

// the comparator must be a total order under every format
func TestCompareTotalOrder(t *testing.T) {
	require := require.New(t)
	versions := []string{"0.0.0.0", "1.2.3.4", "1.2.3.5", "1.10.0.0", "1.9.0.0", "2.0.0.0"}
	for _, a := range versions {
		require.Zero(Compare(a, a, FormatQuad), "reflexive: %s", a)
		for _, b := range versions {
			require.Equal(Compare(a, b, FormatQuad), -Compare(b, a, FormatQuad),
				"antisymmetric: %s vs %s", a, b)
			for _, c := range versions {
				if Compare(a, b, FormatQuad) <= 0 && Compare(b, c, FormatQuad) <= 0 {
					require.LessOrEqual(Compare(a, c, FormatQuad), 0,
						"transitive: %s <= %s <= %s", a, b, c)
				}
			}
		}
	}
}

func TestParse(t *testing.T) {
	require := require.New(t)

	segs, err := Parse("1.2.3.4", FormatQuad)
	require.NoError(err)
	require.Equal([]uint64{1, 2, 3, 4}, segs)

	segs, err = Parse("ff.10", FormatHex)
	require.NoError(err)
	require.Equal([]uint64{255, 16}, segs)

	_, err = Parse("1.2.3", FormatQuad)
	require.Error(err)
	_, err = Parse("1.x.3.4", FormatQuad)
	require.Error(err)
	_, err = Parse("", FormatQuad)
	require.Error(err)
	_, err = Parse("opaque", FormatPlain)
	require.Error(err, "plain versions have no numeric segments")
}

func TestValidate(t *testing.T) {
	require := require.New(t)
	require.NoError(Validate("1.2.3.4", FormatQuad))
	require.NoError(Validate("anything goes", FormatPlain))
	require.Error(Validate("1.2.3", FormatQuad))
	require.Error(Validate("1.2.x.4", FormatQuad))
	require.Error(Validate("", FormatPlain))
}

func TestFromUint32(t *testing.T) {
	tests := []struct {
		format Format
		value  uint32
		want   string
	}{
		{FormatQuad, 0x01020304, "1.2.3.4"},
		{FormatTriplet, 0x010200ff, "1.2.255"},
		{FormatPair, 0x00010002, "1.2"},
		{FormatBcd, 0x1234, "12.34"},
		{FormatNumber, 42, "42"},
		{FormatHex, 0xbeef, "beef"},
		{FormatSurface, 0x00c0d065, "3.13.101"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, FromUint32(tt.value, tt.format), "format %s", tt.format)
	}
}

func TestFromUint64(t *testing.T) {
	require := require.New(t)

	// intel-me packs 10/6/16/32-bit fields from the top down
	v := uint64(11)<<54 | uint64(8)<<48 | uint64(92)<<32 | uint64(4222)
	require.Equal("11.8.92.4222", FromUint64(v, FormatIntelMe))

	require.Equal("42", FromUint64(42, FormatNumber))
	require.Equal("deadbeef00", FromUint64(0xdeadbeef00, FormatHex))
	// other formats decode the low 32 bits
	require.Equal("1.2.3.4", FromUint64(0xff01020304, FormatQuad))

	// intel-me versions compare segment-wise like any dotted format
	require.Positive(Compare("11.8.92.4222", "11.8.92.1000", FormatIntelMe))
	require.Negative(Compare("3.13.101", "3.14.0", FormatSurface))
}

func TestParseFormat(t *testing.T) {
	require := require.New(t)
	require.Equal(FormatQuad, ParseFormat("quad"))
	require.Equal(FormatTriplet, ParseFormat("triplet"))
	require.Equal(FormatUnknown, ParseFormat("surely-not"))
	require.Equal("quad", FormatQuad.String())
}
