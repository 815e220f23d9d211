package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/fwctl/fwctl/internal/cabinet"
	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/stretchr/testify/require"
)

const hubInstance = "USB\\VID_273F&PID_1004"

func hubDevice(version string) *device.Device {
	dev := &device.Device{
		ID:            "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Name:          "Hub",
		Version:       version,
		VersionFormat: fwver.FormatQuad,
		Flags:         device.FlagUpdatable,
	}
	dev.AddGUID(hubInstance)
	return dev
}

func buildCabinet(t *testing.T, releaseVersion string, payload []byte) *cabinet.Cabinet {
	t.Helper()
	sum := sha256.Sum256(payload)
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<component type="firmware">
  <id>com.acme.Hub.firmware</id>
  <provides><firmware type="flashed">%s</firmware></provides>
  <releases>
    <release version="%s">
      <location>firmware.bin</location>
      <checksum type="sha256" filename="firmware.bin" target="content">%s</checksum>
    </release>
  </releases>
  <custom><value key="fwctl::VersionFormat">quad</value></custom>
</component>`, device.GUIDFromString(hubInstance), releaseVersion, hex.EncodeToString(sum[:]))

	data, err := cabinet.NewBuilder().
		AddEntry("firmware.bin", payload).
		AddEntry("acme.metainfo.xml", []byte(doc)).
		Bytes()
	require.NoError(t, err)
	cab, err := cabinet.Parse(data)
	require.NoError(t, err)
	return cab
}

func TestResolveUpgrade(t *testing.T) {
	require := require.New(t)
	dev := hubDevice("1.2.3.4")
	cab := buildCabinet(t, "1.2.3.5", []byte("new firmware"))

	tasks, err := Resolve(cab, []*device.Device{dev}, Options{})
	require.NoError(err)
	require.Len(tasks, 1)
	require.Equal("1.2.3.5", tasks[0].Release.Version)
	require.Equal([]byte("new firmware"), tasks[0].Payload)
}

// a downgrade without allow-older is refused before any history is written
func TestResolveRefusesDowngrade(t *testing.T) {
	require := require.New(t)
	dev := hubDevice("2.0.0.0")
	cab := buildCabinet(t, "1.9.9.9", []byte("older firmware"))

	_, err := Resolve(cab, []*device.Device{dev}, Options{})
	require.ErrorIs(err, errdefs.ErrNothingToDo)

	tasks, err := Resolve(cab, []*device.Device{dev}, Options{
		InstallFlags: plugin.InstallFlagAllowOlder,
	})
	require.NoError(err)
	require.Len(tasks, 1)
}

func TestResolveReinstall(t *testing.T) {
	require := require.New(t)
	dev := hubDevice("1.2.3.4")
	cab := buildCabinet(t, "1.2.3.4", []byte("same firmware"))

	_, err := Resolve(cab, []*device.Device{dev}, Options{})
	require.ErrorIs(err, errdefs.ErrNothingToDo)

	tasks, err := Resolve(cab, []*device.Device{dev}, Options{
		InstallFlags: plugin.InstallFlagAllowReinstall,
	})
	require.NoError(err)
	require.Len(tasks, 1)
}

func TestResolveNoHardwareMatch(t *testing.T) {
	require := require.New(t)
	dev := &device.Device{ID: "bbbb", Version: "1.0.0.0", VersionFormat: fwver.FormatQuad}
	dev.AddGUID("USB\\VID_DEAD&PID_BEEF")
	cab := buildCabinet(t, "2.0.0.0", []byte("fw"))

	_, err := Resolve(cab, []*device.Device{dev}, Options{})
	require.ErrorIs(err, errdefs.ErrNotFound)
}

func TestResolveChecksumMismatch(t *testing.T) {
	require := require.New(t)
	dev := hubDevice("1.0.0.0")

	// declare a checksum for different bytes than the payload
	sum := sha256.Sum256([]byte("expected bytes"))
	doc := fmt.Sprintf(`<component type="firmware">
  <id>com.acme.Hub.firmware</id>
  <provides><firmware type="flashed">%s</firmware></provides>
  <releases>
    <release version="2.0.0.0">
      <location>firmware.bin</location>
      <checksum type="sha256" filename="firmware.bin" target="content">%s</checksum>
    </release>
  </releases>
</component>`, device.GUIDFromString(hubInstance), hex.EncodeToString(sum[:]))
	data, err := cabinet.NewBuilder().
		AddEntry("firmware.bin", []byte("actual bytes")).
		AddEntry("acme.metainfo.xml", []byte(doc)).
		Bytes()
	require.NoError(err)
	cab, err := cabinet.Parse(data)
	require.NoError(err)

	_, err = Resolve(cab, []*device.Device{dev}, Options{})
	require.ErrorIs(err, errdefs.ErrInvalidFile)

	// explicitly ignoring the checksum lets it through
	tasks, err := Resolve(cab, []*device.Device{dev}, Options{
		ParseFlags: plugin.ParseFlagIgnoreChecksum,
	})
	require.NoError(err)
	require.Len(tasks, 1)
}

func TestResolveBranchSwitch(t *testing.T) {
	require := require.New(t)
	dev := hubDevice("1.0.0.0")
	dev.Branch = "stable"

	sum := sha256.Sum256([]byte("fw"))
	doc := fmt.Sprintf(`<component type="firmware">
  <id>com.acme.Hub.firmware</id>
  <branch>community</branch>
  <provides><firmware type="flashed">%s</firmware></provides>
  <releases>
    <release version="0.5.0.0" branch="community">
      <location>firmware.bin</location>
      <checksum type="sha256" filename="firmware.bin" target="content">%s</checksum>
    </release>
  </releases>
</component>`, device.GUIDFromString(hubInstance), hex.EncodeToString(sum[:]))
	data, err := cabinet.NewBuilder().
		AddEntry("firmware.bin", []byte("fw")).
		AddEntry("acme.metainfo.xml", []byte(doc)).
		Bytes()
	require.NoError(err)
	cab, err := cabinet.Parse(data)
	require.NoError(err)

	_, err = Resolve(cab, []*device.Device{dev}, Options{})
	require.ErrorIs(err, errdefs.ErrNothingToDo)

	// flag alone is not enough, the device must advertise branches
	_, err = Resolve(cab, []*device.Device{dev}, Options{
		InstallFlags: plugin.InstallFlagAllowBranchSwitch,
	})
	require.ErrorIs(err, errdefs.ErrNotSupported)

	dev.AddFlag(device.FlagHasMultipleBranches)
	tasks, err := Resolve(cab, []*device.Device{dev}, Options{
		InstallFlags: plugin.InstallFlagAllowBranchSwitch,
	})
	require.NoError(err)
	require.Len(tasks, 1)
}

// an unmet sibling requirement blocks the install until the operator
// explicitly overrides it
func TestResolveIgnoreRequirements(t *testing.T) {
	require := require.New(t)
	dev := hubDevice("1.0.0.0")
	sibling := &device.Device{
		ID:            "dddddddddddddddddddddddddddddddddddddddd",
		Name:          "PD Controller",
		Version:       "2.9",
		VersionFormat: fwver.FormatPair,
	}
	sibling.AddGUID("USB\\VID_273F&PID_1005")

	payload := []byte("fw")
	sum := sha256.Sum256(payload)
	doc := fmt.Sprintf(`<component type="firmware">
  <id>com.acme.Hub.firmware</id>
  <provides><firmware type="flashed">%s</firmware></provides>
  <requires>
    <firmware compare="ge" version="3.0">%s</firmware>
  </requires>
  <releases>
    <release version="2.0.0.0">
      <location>firmware.bin</location>
      <checksum type="sha256" filename="firmware.bin" target="content">%s</checksum>
    </release>
  </releases>
</component>`, device.GUIDFromString(hubInstance), sibling.GUIDs[0], hex.EncodeToString(sum[:]))
	data, err := cabinet.NewBuilder().
		AddEntry("firmware.bin", payload).
		AddEntry("acme.metainfo.xml", []byte(doc)).
		Bytes()
	require.NoError(err)
	cab, err := cabinet.Parse(data)
	require.NoError(err)

	opts := Options{Composite: []*device.Device{dev, sibling}}
	_, err = Resolve(cab, []*device.Device{dev}, opts)
	require.ErrorIs(err, errdefs.ErrNotSupported)
	require.Contains(err.Error(), "sibling")

	opts.InstallFlags = plugin.InstallFlagIgnoreRequirements
	tasks, err := Resolve(cab, []*device.Device{dev}, opts)
	require.NoError(err)
	require.Len(tasks, 1)
}

func TestResolveOrdersByPriority(t *testing.T) {
	require := require.New(t)
	low := hubDevice("1.0.0.0")
	low.ID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	high := hubDevice("1.0.0.0")
	high.Priority = 10
	high.ID = "cccccccccccccccccccccccccccccccccccccccc"

	cab := buildCabinet(t, "2.0.0.0", []byte("fw"))
	tasks, err := Resolve(cab, []*device.Device{low, high}, Options{})
	require.NoError(err)
	require.Len(tasks, 2)
	require.Equal(high.ID, tasks[0].Device.ID)
	require.Equal(low.ID, tasks[1].Device.ID)
}
