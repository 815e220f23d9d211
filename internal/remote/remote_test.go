package remote

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fwctl/fwctl/internal/cabinet"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/history"
	"github.com/fwctl/fwctl/pkg/log"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

const testGUID = "2082b5e0-7a64-478a-b1b2-e3404fab6dad"

var catalog = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<components origin="acme-stable">
  <component type="firmware">
    <id>com.acme.Hub.firmware</id>
    <provides><firmware type="flashed">` + testGUID + `</firmware></provides>
    <releases>
      <release version="1.2.4">
        <location>hub-1.2.4.cab</location>
        <checksum type="sha256" target="content">aabbcc</checksum>
      </release>
    </releases>
  </component>
</components>`)

func newManager(t *testing.T, remotes ...*Remote) *Manager {
	t.Helper()
	m := NewManager(remotes, t.TempDir(), clockwork.NewRealClock(), log.NewPrefixLogger("test"))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestParseRemote(t *testing.T) {
	require := require.New(t)
	r, err := ParseRemote("acme-stable", []byte(`
kind: download
metadata-uri: https://cdn.acme.example/stable.xml.gz
signature-uri: https://cdn.acme.example/stable.xml.gz.jcat
signed-metadata: true
refresh-age: 3600
priority: 10
report-uri: https://cdn.acme.example/reports
`))
	require.NoError(err)
	require.Equal(KindDownload, r.Kind)
	require.True(r.Enabled, "remotes default to enabled")
	require.Equal(time.Hour, r.RefreshInterval())
	require.Equal(10, r.Priority)

	_, err = ParseRemote("broken", []byte("kind: download\n"))
	require.ErrorIs(err, errdefs.ErrInvalidArgs, "download remote needs a metadata-uri")

	_, err = ParseRemote("weird", []byte("kind: carrier-pigeon\npath: /tmp\n"))
	require.ErrorIs(err, errdefs.ErrInvalidArgs)
}

func TestLoadAllOrdersByPriority(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	writeConf := func(name, body string) {
		require.NoError(os.WriteFile(filepath.Join(dir, name+".conf"), []byte(body), 0o644))
	}
	writeConf("low", "kind: local-directory\npath: /tmp/low\npriority: 1\n")
	writeConf("high", "kind: local-directory\npath: /tmp/high\npriority: 9\n")

	remotes, err := LoadAll(dir)
	require.NoError(err)
	require.Len(remotes, 2)
	require.Equal("high", remotes[0].ID)
	require.Equal("low", remotes[1].ID)
}

func TestRefreshDownloadUnsigned(t *testing.T) {
	require := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(catalog)
		_ = zw.Close()
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	r := &Remote{
		ID:          "acme-stable",
		Kind:        KindDownload,
		Enabled:     true,
		MetadataURI: srv.URL + "/stable.xml.gz",
	}
	m := newManager(t, r)

	warning, err := m.Refresh(context.Background(), false)
	require.NoError(err)
	require.Nil(warning)

	components := m.Search(testGUID)
	require.Len(components, 1)
	require.Equal("acme-stable", components[0].RemoteID)
	require.Equal("acme-stable", components[0].Releases[0].RemoteID)

	// fresh cache is not re-fetched without force
	srv.Close()
	_, err = m.Refresh(context.Background(), false)
	require.NoError(err)
}

func TestRefreshSignedMetadata(t *testing.T) {
	require := require.New(t)
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	key, err := jwk.FromRaw(raw)
	require.NoError(err)
	pub, err := key.PublicKey()
	require.NoError(err)
	pubSet := jwk.NewSet()
	require.NoError(pubSet.AddKey(pub))

	jc := &cabinet.Jcat{Version: 1}
	require.NoError(jc.AddSignature("stable.xml", catalog, key))
	sigData, err := jc.Bytes()
	require.NoError(err)

	mux := http.NewServeMux()
	mux.HandleFunc("/stable.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(catalog)
	})
	mux.HandleFunc("/stable.xml.jcat", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(sigData)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := &Remote{
		ID:             "acme-signed",
		Kind:           KindDownload,
		Enabled:        true,
		SignedMetadata: true,
		MetadataURI:    srv.URL + "/stable.xml",
		SignatureURI:   srv.URL + "/stable.xml.jcat",
	}
	r.SetKeys(pubSet)
	m := newManager(t, r)

	_, err = m.Refresh(context.Background(), false)
	require.NoError(err)
	require.Len(m.Search(testGUID), 1)

	// tampered metadata must be rejected
	tampered := &Remote{
		ID:             "acme-tampered",
		Kind:           KindDownload,
		Enabled:        true,
		SignedMetadata: true,
		MetadataURI:    srv.URL + "/stable.xml",
		SignatureURI:   srv.URL + "/stable.xml.jcat",
	}
	otherRaw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	otherKey, err := jwk.FromRaw(otherRaw)
	require.NoError(err)
	otherPub, err := otherKey.PublicKey()
	require.NoError(err)
	otherSet := jwk.NewSet()
	require.NoError(otherSet.AddKey(otherPub))
	tampered.SetKeys(otherSet)

	m2 := newManager(t, tampered)
	_, err = m2.Refresh(context.Background(), false)
	require.ErrorIs(err, errdefs.ErrSignatureInvalid)
}

func TestLocalDirectoryRemote(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	payload := []byte("firmware")
	sum := sha256.Sum256(payload)
	doc := fmt.Sprintf(`<component type="firmware">
  <id>com.acme.Hub.firmware</id>
  <provides><firmware type="flashed">%s</firmware></provides>
  <releases>
    <release version="1.2.4">
      <location>firmware.bin</location>
      <checksum type="sha256" filename="firmware.bin" target="content">%s</checksum>
    </release>
  </releases>
</component>`, testGUID, hex.EncodeToString(sum[:]))
	data, err := cabinet.NewBuilder().
		AddEntry("firmware.bin", payload).
		AddEntry("acme.metainfo.xml", []byte(doc)).
		Bytes()
	require.NoError(err)
	require.NoError(os.WriteFile(filepath.Join(dir, "hub.cab"), data, 0o644))

	r := &Remote{ID: "vendor-dir", Kind: KindLocalDir, Enabled: true, Path: dir}
	m := newManager(t, r)

	_, err = m.Refresh(context.Background(), false)
	require.NoError(err)
	require.Len(m.Search(testGUID), 1)
	require.Empty(m.Search("11111111-2222-3333-4444-555555555555"))
}

func TestUploadReport(t *testing.T) {
	require := require.New(t)
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodPost, r.Method)
		require.NoError(json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	r := &Remote{ID: "acme-stable", Kind: KindDownload, Enabled: true,
		MetadataURI: "https://unused.example/md.xml", ReportURI: srv.URL}
	m := newManager(t, r)

	entries := []*history.Entry{{
		DeviceID:   "dev1",
		DeviceName: "Hub",
		OldVersion: "1.0.0",
		NewVersion: "1.2.4",
		State:      history.StateSuccess,
		RemoteID:   "acme-stable",
	}}
	require.NoError(m.UploadReport(context.Background(), r, entries))
	require.NotNil(received)
	reports, ok := received["reports"].([]any)
	require.True(ok)
	require.Len(reports, 1)

	noReports := &Remote{ID: "mute", Kind: KindDownload, Enabled: true, MetadataURI: "x"}
	require.ErrorIs(m.UploadReport(context.Background(), noReports, entries), errdefs.ErrNotSupported)
}

func TestSetEnabled(t *testing.T) {
	require := require.New(t)
	r := &Remote{ID: "vendor-dir", Kind: KindLocalDir, Enabled: true, Path: t.TempDir()}
	m := newManager(t, r)

	_, err := m.Refresh(context.Background(), false)
	require.NoError(err)

	require.NoError(m.SetEnabled("vendor-dir", false))
	require.Empty(m.Search(testGUID))
	require.ErrorIs(m.SetEnabled("missing", true), errdefs.ErrNotFound)
}
