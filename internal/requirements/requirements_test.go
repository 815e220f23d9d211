package requirements

import (
	"testing"

	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/stretchr/testify/require"
)

func testDevice() *device.Device {
	dev := &device.Device{
		ID:                "dev1",
		VendorID:          "USB:0x273F",
		Version:           "1.2.3",
		VersionBootloader: "0.9.0",
		VersionFormat:     fwver.FormatTriplet,
	}
	dev.AddGUID("USB\\VID_273F&PID_1004")
	return dev
}

func TestParseOp(t *testing.T) {
	require := require.New(t)
	op, err := ParseOp("")
	require.NoError(err)
	require.Equal(OpGe, op, "empty compare defaults to ge")

	_, err = ParseOp("almost")
	require.ErrorIs(err, errdefs.ErrNotSupported, "unknown operators fail closed")
}

func TestFirmwareVersionPredicates(t *testing.T) {
	dev := testDevice()
	tests := []struct {
		name string
		req  Requirement
		ok   bool
	}{
		{name: "ge pass", req: Requirement{Kind: KindFirmware, Op: OpGe, Version: "1.0.0"}, ok: true},
		{name: "ge fail", req: Requirement{Kind: KindFirmware, Op: OpGe, Version: "2.0.0"}, ok: false},
		{name: "eq pass", req: Requirement{Kind: KindFirmware, Op: OpEq, Version: "1.2.3"}, ok: true},
		{name: "ne pass", req: Requirement{Kind: KindFirmware, Op: OpNe, Version: "9.9.9"}, ok: true},
		{name: "lt fail", req: Requirement{Kind: KindFirmware, Op: OpLt, Version: "1.0.0"}, ok: false},
		{name: "regex pass", req: Requirement{Kind: KindFirmware, Op: OpRegex, Version: `^1\.2\.\d+$`}, ok: true},
		{name: "glob pass", req: Requirement{Kind: KindFirmware, Op: OpGlob, Version: "1.2.*"}, ok: true},
		{name: "glob fail", req: Requirement{Kind: KindFirmware, Op: OpGlob, Version: "2.*"}, ok: false},
		{name: "bootloader ge", req: Requirement{Kind: KindFirmware, ID: "bootloader", Op: OpGe, Version: "0.9.0"}, ok: true},
		{name: "bootloader too old", req: Requirement{Kind: KindFirmware, ID: "bootloader", Op: OpGe, Version: "1.0.0"}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check([]Requirement{tt.req}, Context{Device: dev, Composite: []*device.Device{dev}})
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, errdefs.ErrNotSupported)
			}
		})
	}
}

func TestHardwarePredicate(t *testing.T) {
	require := require.New(t)
	dev := testDevice()
	guid := dev.GUIDs[0]

	require.NoError(Check([]Requirement{{Kind: KindHardware, GUIDs: []string{guid}}},
		Context{Device: dev}))
	require.ErrorIs(Check([]Requirement{{Kind: KindHardware, GUIDs: []string{"00000000-0000-0000-0000-000000000000"}}},
		Context{Device: dev}), errdefs.ErrNotSupported)
}

func TestVendorPredicate(t *testing.T) {
	require := require.New(t)
	dev := testDevice()
	require.NoError(Check([]Requirement{{Kind: KindVendor, ID: "USB:0x273F"}}, Context{Device: dev}))
	require.Error(Check([]Requirement{{Kind: KindVendor, ID: "USB:0xDEAD"}}, Context{Device: dev}))
}

func TestClientPredicate(t *testing.T) {
	require := require.New(t)
	dev := testDevice()
	features := []string{"detach-action", "update-action"}

	require.NoError(Check([]Requirement{{Kind: KindClient, Features: []string{"update-action"}}},
		Context{Device: dev, ClientFeatures: features}))
	require.ErrorIs(Check([]Requirement{{Kind: KindClient, Features: []string{"teleport-action"}}},
		Context{Device: dev, ClientFeatures: features}), errdefs.ErrNotSupported)
}

// a requirement may pin the version of another device in the same composite
func TestSiblingPredicate(t *testing.T) {
	require := require.New(t)
	dev := testDevice()
	sibling := &device.Device{
		ID:            "dev2",
		Name:          "PD Controller",
		Version:       "2.9",
		VersionFormat: fwver.FormatPair,
	}
	sibling.AddGUID("USB\\VID_273F&PID_1005")
	siblingGUID := sibling.GUIDs[0]

	req := Requirement{Kind: KindFirmware, ID: siblingGUID, Op: OpGe, Version: "3.0"}
	evalCtx := Context{Device: dev, Composite: []*device.Device{dev, sibling}}

	err := Check([]Requirement{req}, evalCtx)
	require.ErrorIs(err, errdefs.ErrNotSupported)
	require.Contains(err.Error(), "sibling", "failure cites the sibling predicate")

	sibling.Version = "3.1"
	require.NoError(Check([]Requirement{req}, evalCtx))

	// no such sibling in the composite
	req.ID = "USB\\VID_FFFF&PID_0000"
	require.Error(Check([]Requirement{req}, Context{Device: dev, Composite: []*device.Device{dev}}))
}

func TestNotChildPredicate(t *testing.T) {
	require := require.New(t)
	dev := testDevice()
	req := Requirement{Kind: KindFirmware, ID: "not-child"}
	require.NoError(Check([]Requirement{req}, Context{Device: dev}))

	dev.ParentID = "parent"
	require.Error(Check([]Requirement{req}, Context{Device: dev}))
}

func TestEngineIDPredicate(t *testing.T) {
	require := require.New(t)
	dev := testDevice()
	require.NoError(Check([]Requirement{{Kind: KindID, ID: EngineID, Op: OpGe, Version: "1.0.0"}},
		Context{Device: dev}))
	require.Error(Check([]Requirement{{Kind: KindID, ID: "org.other.engine", Op: OpGe, Version: "1.0.0"}},
		Context{Device: dev}))
}
