package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/fwctl/fwctl/internal/cabinet"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/history"
	"github.com/fwctl/fwctl/pkg/log"
	"github.com/google/renameio"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// Manager owns the remote set and the merged metadata index.
type Manager struct {
	mu      sync.RWMutex
	remotes []*Remote

	cacheDir string
	client   *http.Client
	clock    clockwork.Clock
	log      *log.PrefixLogger

	// cache holds each remote's parsed components for its refresh-age TTL;
	// expiry is what makes the next search re-fetch.
	cache *ttlcache.Cache[string, []*cabinet.Component]

	// sources maps locally-indexed components back to the cabinet file they
	// came from, so releases with archive-internal locations stay fetchable
	sourceMu sync.Mutex
	sources  map[*cabinet.Component]string

	watcher *fsnotify.Watcher
}

// NewManager creates a remote manager caching under cacheDir.
func NewManager(remotes []*Remote, cacheDir string, clock clockwork.Clock, logger *log.PrefixLogger) *Manager {
	transport := http.DefaultTransport
	if os.Getenv("DISABLE_SSL_STRICT") != "" {
		logger.Warnf("TLS verification disabled via DISABLE_SSL_STRICT")
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}
	m := &Manager{
		remotes:  remotes,
		cacheDir: cacheDir,
		client:   &http.Client{Transport: transport, Timeout: 2 * time.Minute},
		clock:    clock,
		log:      logger,
		cache:    ttlcache.New[string, []*cabinet.Component](),
		sources:  map[*cabinet.Component]string{},
	}
	m.initWatcher()
	return m
}

// initWatcher invalidates local-directory caches when their contents change.
func (m *Manager) initWatcher() {
	dirs := false
	for _, r := range m.remotes {
		if r.Kind == KindLocalDir && r.Enabled {
			dirs = true
		}
	}
	if !dirs {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warnf("failed to watch local remotes: %v", err)
		return
	}
	m.watcher = watcher
	for _, r := range m.remotes {
		if r.Kind == KindLocalDir && r.Enabled {
			if err := watcher.Add(r.Path); err != nil {
				m.log.Warnf("failed to watch %s: %v", r.Path, err)
			}
		}
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				m.invalidateByPath(ev.Name)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (m *Manager) invalidateByPath(changed string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.remotes {
		if r.Kind == KindLocalDir && strings.HasPrefix(changed, r.Path) {
			m.cache.Delete(r.ID)
			m.log.Debugf("invalidated metadata cache for %s", r.ID)
		}
	}
}

// Close releases the directory watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Remotes returns the remote set in priority order.
func (m *Manager) Remotes() []*Remote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Remote(nil), m.remotes...)
}

// Get returns a remote by id.
func (m *Manager) Get(id string) (*Remote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.remotes {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("remote %s: %w", id, errdefs.ErrNotFound)
}

// SetEnabled toggles a remote and drops its cached index when disabling.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	r.Enabled = enabled
	m.mu.Unlock()
	if !enabled {
		m.cache.Delete(id)
	}
	return nil
}

// Refresh re-fetches metadata for every enabled remote whose cache age
// exceeds its TTL, or for all of them when force is set. Remotes refresh
// concurrently; the first error is returned after all finish. A non-nil
// warning is returned when the oldest cached metadata predates StaleAge.
func (m *Manager) Refresh(ctx context.Context, force bool) (warning error, err error) {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range m.Remotes() {
		if !r.Enabled {
			continue
		}
		r := r
		if !force && m.cache.Has(r.ID) {
			continue
		}
		g.Go(func() error {
			components, err := m.fetch(ctx, r)
			if err != nil {
				return fmt.Errorf("failed to refresh remote %s: %w", r.ID, err)
			}
			m.store(r, components)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if age := m.AgeOldest(); age > StaleAge {
		warning = fmt.Errorf("metadata is %s old, consider refreshing", age.Round(time.Hour))
	}
	return warning, nil
}

func (m *Manager) store(r *Remote, components []*cabinet.Component) {
	for _, c := range components {
		c.RemoteID = r.ID
		for _, rel := range c.Releases {
			rel.RemoteID = r.ID
		}
	}
	m.cache.Set(r.ID, components, r.RefreshInterval())
}

// fetch pulls and verifies one remote's catalog.
func (m *Manager) fetch(ctx context.Context, r *Remote) ([]*cabinet.Component, error) {
	switch r.Kind {
	case KindDownload:
		return m.fetchDownload(ctx, r)
	case KindLocalDir:
		return m.scanDirectory(r)
	case KindLocalFile:
		return m.loadFile(r)
	default:
		return nil, fmt.Errorf("remote kind %q: %w", r.Kind, errdefs.ErrNotSupported)
	}
}

// fetchDownload performs the two-step fetch: signature first, then metadata;
// unverifiable metadata is rejected outright.
func (m *Manager) fetchDownload(ctx context.Context, r *Remote) ([]*cabinet.Component, error) {
	var sigData []byte
	if r.SignedMetadata {
		var err error
		sigData, err = m.Download(ctx, r.SignatureURI)
		if err != nil {
			return nil, fmt.Errorf("failed to download signature: %w", err)
		}
	}

	raw, err := m.Download(ctx, r.MetadataURI)
	if err != nil {
		return nil, fmt.Errorf("failed to download metadata: %w", err)
	}

	if r.SignedMetadata {
		jc, err := cabinet.ParseJcat(sigData)
		if err != nil {
			return nil, err
		}
		keys, err := r.Keys()
		if err != nil {
			return nil, err
		}
		basename := strings.ToLower(path.Base(r.MetadataURI))
		if err := jc.VerifyItem(basename, raw, keys); err != nil {
			return nil, err
		}
	}

	data, err := maybeGunzip(r.MetadataURI, raw)
	if err != nil {
		return nil, err
	}
	components, err := cabinet.ParseCatalog(data)
	if err != nil {
		return nil, err
	}

	// persist for age accounting and offline starts
	if err := os.MkdirAll(m.cacheDir, 0o755); err == nil {
		cachePath := filepath.Join(m.cacheDir, r.ID+".xml")
		if err := renameio.WriteFile(cachePath, data, 0o644); err != nil {
			m.log.Warnf("failed to cache metadata for %s: %v", r.ID, err)
		}
		if sigData != nil {
			_ = renameio.WriteFile(cachePath+".jcat", sigData, 0o644)
		}
	}
	m.log.Infof("refreshed remote %s: %d components", r.ID, len(components))
	return components, nil
}

func maybeGunzip(uri string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(uri, ".gz") && !(len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress metadata: %w: %w", err, errdefs.ErrInvalidFile)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress metadata: %w: %w", err, errdefs.ErrInvalidFile)
	}
	return out, nil
}

// Download fetches a URI with bounded exponential retry.
func (m *Manager) Download(ctx context.Context, uri string) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("server returned %s: %w", resp.Status, errdefs.ErrNotReachable))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if errdefs.Kind(err) == "not-reachable" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", err, errdefs.ErrNotReachable)
	}
	return body, nil
}

// scanDirectory loads every cabinet in a local-directory remote.
func (m *Manager) scanDirectory(r *Remote) ([]*cabinet.Component, error) {
	matches, err := filepath.Glob(filepath.Join(r.Path, "*.cab"))
	if err != nil {
		return nil, err
	}
	var out []*cabinet.Component
	for _, p := range matches {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		cab, err := cabinet.Parse(data)
		if err != nil {
			m.log.Warnf("skipping invalid cabinet %s: %v", p, err)
			continue
		}
		m.sourceMu.Lock()
		for _, c := range cab.GetComponents() {
			m.sources[c] = p
		}
		m.sourceMu.Unlock()
		out = append(out, cab.GetComponents()...)
	}
	return out, nil
}

// SourcePath returns the cabinet file a locally-indexed component came from.
func (m *Manager) SourcePath(c *cabinet.Component) (string, bool) {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	path, ok := m.sources[c]
	return path, ok
}

// loadFile treats a local-file remote as a single cabinet.
func (m *Manager) loadFile(r *Remote) ([]*cabinet.Component, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, err
	}
	cab, err := cabinet.Parse(data)
	if err != nil {
		return nil, err
	}
	m.sourceMu.Lock()
	for _, c := range cab.GetComponents() {
		m.sources[c] = r.Path
	}
	m.sourceMu.Unlock()
	return cab.GetComponents(), nil
}

// Search returns the indexed components listing the hardware-id, highest
// remote priority first.
func (m *Manager) Search(guid string) []*cabinet.Component {
	var out []*cabinet.Component
	for _, r := range m.Remotes() {
		if !r.Enabled {
			continue
		}
		item := m.cache.Get(r.ID)
		if item == nil {
			continue
		}
		for _, c := range item.Value() {
			if c.ProvidesGUID(guid) {
				out = append(out, c)
			}
		}
	}
	return out
}

// Indexed returns every cached component.
func (m *Manager) Indexed() []*cabinet.Component {
	var out []*cabinet.Component
	for _, r := range m.Remotes() {
		item := m.cache.Get(r.ID)
		if item == nil {
			continue
		}
		out = append(out, item.Value()...)
	}
	return out
}

// AgeOldest returns the age of the oldest cached metadata file, zero when
// nothing is cached.
func (m *Manager) AgeOldest() time.Duration {
	var oldest time.Duration
	for _, r := range m.Remotes() {
		if !r.Enabled || r.Kind != KindDownload {
			continue
		}
		fi, err := os.Stat(filepath.Join(m.cacheDir, r.ID+".xml"))
		if err != nil {
			continue
		}
		if age := m.clock.Now().Sub(fi.ModTime()); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// UploadReport posts finished history entries to the remote's report URI as
// a JSON document. Remotes without automatic-reports require the caller to
// have confirmed.
func (m *Manager) UploadReport(ctx context.Context, r *Remote, entries []*history.Entry) error {
	if r.ReportURI == "" {
		return fmt.Errorf("remote %s accepts no reports: %w", r.ID, errdefs.ErrNotSupported)
	}
	payload, err := json.Marshal(map[string]any{
		"reportVersion": 2,
		"reports":       entries,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.ReportURI, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", err, errdefs.ErrNotReachable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report upload returned %s: %w", resp.Status, errdefs.ErrNotReachable)
	}
	return nil
}
