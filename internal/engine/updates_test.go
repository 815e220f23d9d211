package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fwctl/fwctl/internal/cabinet"
	"github.com/fwctl/fwctl/internal/config"
	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/fwctl/fwctl/internal/history"
	"github.com/fwctl/fwctl/internal/plugin/testplugin"
	"github.com/fwctl/fwctl/pkg/log"
	"github.com/stretchr/testify/require"
)

// writeVendorCabinet drops a cabinet with the given release version and tag
// into dir, for a local-directory remote to index.
func writeVendorCabinet(t *testing.T, dir, version, tag string) {
	t.Helper()
	payload := []byte("firmware " + version)
	sum := sha256.Sum256(payload)
	tagXML := ""
	if tag != "" {
		tagXML = "<tag>" + tag + "</tag>"
	}
	doc := fmt.Sprintf(`<component type="firmware">
  <id>com.acme.Hub.firmware</id>
  <provides><firmware type="flashed">%s</firmware></provides>
  <releases>
    <release version="%s">
      <location>firmware.bin</location>
      <checksum type="sha256" filename="firmware.bin" target="content">%s</checksum>
      %s
    </release>
  </releases>
  <custom><value key="fwctl::VersionFormat">quad</value></custom>
</component>`, device.GUIDFromString("USB\\VID_273F&PID_1004"), version, hex.EncodeToString(sum[:]), tagXML)

	data, err := cabinet.NewBuilder().
		AddEntry("firmware.bin", payload).
		AddEntry("acme.metainfo.xml", []byte(doc)).
		Bytes()
	require.NoError(t, err)
	name := fmt.Sprintf("hub-%s.cab", version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

// newEngineWithVendorDir builds an engine whose only remote is a
// local-directory holding the given cabinets.
func newEngineWithVendorDir(t *testing.T, hostBkc string, versions map[string]string) (*Engine, string) {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default(base)
	cfg.HostBkc = hostBkc
	require.NoError(t, cfg.EnsureDirs())

	vendorDir := filepath.Join(base, "vendor")
	require.NoError(t, os.MkdirAll(vendorDir, 0o755))
	for version, tag := range versions {
		writeVendorCabinet(t, vendorDir, version, tag)
	}
	conf := fmt.Sprintf("kind: local-directory\npath: %s\n", vendorDir)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.RemotesDir, "vendor.conf"), []byte(conf), 0o644))

	eng := New(cfg, WithLogger(log.NewPrefixLogger("test")))
	tp := testplugin.New(eng.Clock(), log.NewPrefixLogger("testplugin"))
	tp.AddDeviceSpec(testplugin.DeviceSpec{
		Name:          "Acme Hub",
		PhysicalID:    "emu/hub",
		CompositeID:   "acme-dock",
		InstanceID:    "USB\\VID_273F&PID_1004",
		Version:       "1.2.3.4",
		VersionFormat: fwver.FormatQuad,
		RemoveDelay:   2 * time.Second,
	})
	require.NoError(t, eng.Plugins.Register(tp))
	require.NoError(t, eng.Startup(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })
	return eng, vendorDir
}

func TestGetUpdatesFromRemote(t *testing.T) {
	require := require.New(t)
	eng, _ := newEngineWithVendorDir(t, "", map[string]string{
		"1.2.3.5": "",
		"1.2.3.6": "",
		"1.0.0.0": "",
	})
	_, err := eng.Refresh(context.Background(), false)
	require.NoError(err)

	dev, err := eng.GetDevice(deviceID("emu/hub"))
	require.NoError(err)
	require.True(dev.HasFlag(device.FlagSupported), "refresh marks the device supported")

	updates, err := eng.GetUpdates(dev)
	require.NoError(err)
	require.Len(updates, 2, "only upgrades qualify")
	require.Equal("1.2.3.6", updates[0].Release.Version, "newest first")

	downgrades, err := eng.GetDowngrades(dev)
	require.NoError(err)
	require.Len(downgrades, 1)
	require.Equal("1.0.0.0", downgrades[0].Release.Version)

	releases, err := eng.GetReleases(dev)
	require.NoError(err)
	require.Len(releases, 3)
}

func TestGetUpdatesNothingToDo(t *testing.T) {
	require := require.New(t)
	eng, _ := newEngineWithVendorDir(t, "", map[string]string{"1.0.0.0": ""})
	_, err := eng.Refresh(context.Background(), false)
	require.NoError(err)

	dev, err := eng.GetDevice(deviceID("emu/hub"))
	require.NoError(err)
	_, err = eng.GetUpdates(dev)
	require.ErrorIs(err, errdefs.ErrNothingToDo)
}

func TestSyncToBestKnownConfiguration(t *testing.T) {
	require := require.New(t)
	eng, vendorDir := newEngineWithVendorDir(t, "2024q3", map[string]string{
		"1.2.3.6": "",       // newer, but not blessed
		"1.2.3.5": "2024q3", // the BKC release
	})
	_, err := eng.Refresh(context.Background(), false)
	require.NoError(err)

	// DownloadRelease resolves archive-internal locations against the
	// vendor directory cabinets; point the location at the file instead
	_ = vendorDir

	result, err := eng.Sync(context.Background())
	require.NoError(err)
	require.Len(result.Results, 1)
	require.Equal("1.2.3.5", result.Results[0].Release.Version)

	dev, err := eng.GetDevice(deviceID("emu/hub"))
	require.NoError(err)
	require.Equal("1.2.3.5", dev.Version)

	// a second sync has nothing to move
	_, err = eng.Sync(context.Background())
	require.ErrorIs(err, errdefs.ErrNothingToDo)
}

func TestSyncWithoutBkcConfigured(t *testing.T) {
	eng, _ := newEngineWithVendorDir(t, "", map[string]string{"1.2.3.5": "2024q3"})
	_, err := eng.Sync(context.Background())
	require.ErrorIs(t, err, errdefs.ErrNothingToDo)
}

func TestSubmitReports(t *testing.T) {
	require := require.New(t)
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
	}))
	defer srv.Close()

	base := t.TempDir()
	cfg := config.Default(base)
	require.NoError(cfg.EnsureDirs())
	conf := fmt.Sprintf("kind: local-directory\npath: %s\nreport-uri: %s\nautomatic-reports: true\n",
		t.TempDir(), srv.URL)
	require.NoError(os.WriteFile(filepath.Join(cfg.RemotesDir, "vendor.conf"), []byte(conf), 0o644))

	eng := New(cfg, WithLogger(log.NewPrefixLogger("test")))
	require.NoError(eng.Startup(context.Background()))
	defer eng.Close()

	require.NoError(eng.History.Add(&history.Entry{
		DeviceID:    "dev1",
		CompositeID: "dock",
		NewVersion:  "1.2.3.5",
		Checksum:    "aa",
		RemoteID:    "vendor",
		State:       history.StateSuccess,
	}))

	uploaded, err := eng.SubmitReports(context.Background(), false)
	require.NoError(err)
	require.Equal(1, uploaded)
	require.Equal(1, received)
	require.Empty(eng.History.Unreported())

	// nothing left to upload
	uploaded, err = eng.SubmitReports(context.Background(), false)
	require.NoError(err)
	require.Zero(uploaded)
}

func TestSecurityAttrs(t *testing.T) {
	require := require.New(t)
	eng, _ := newTestEngine(t, hubSpec())
	attrs := eng.SecurityAttrs()
	require.NotEmpty(attrs)

	byID := map[string]SecurityAttr{}
	for _, attr := range attrs {
		byID[attr.ID] = attr
	}
	require.True(byID["org.fwctl.lock"].Passed)
	require.True(byID["org.fwctl.activation"].Passed)
}
