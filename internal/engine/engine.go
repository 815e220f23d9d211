// Package engine owns the device registry, the plugin set, the remote
// manager and the history store, and exposes the coarse operations the CLI
// drives. One Engine exists per process, guarded by an exclusive filesystem
// lock; tests construct their own against a temp directory.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fwctl/fwctl/internal/config"
	"github.com/fwctl/fwctl/internal/device"
	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/fwctl/fwctl/internal/history"
	"github.com/fwctl/fwctl/internal/instrumentation"
	"github.com/fwctl/fwctl/internal/plugin"
	"github.com/fwctl/fwctl/internal/plugin/testplugin"
	"github.com/fwctl/fwctl/internal/remote"
	"github.com/fwctl/fwctl/pkg/log"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// ClientFeatures are the capability flags this engine exposes to
// requirement predicates.
var ClientFeatures = []string{
	"detach-action",
	"update-action",
	"attach-action",
	"activate-action",
	"verify-action",
}

// Engine is the process-wide facade.
type Engine struct {
	cfg     *config.Config
	log     *log.PrefixLogger
	clock   clockwork.Clock
	metrics *instrumentation.Metrics

	Registry *device.Registry
	Plugins  *plugin.Registry
	Remotes  *remote.Manager
	History  *history.Store

	lock *processLock

	// per-composite-id mutual exclusion; installs on unrelated composites
	// may run concurrently
	compositeMu sync.Mutex
	composites  map[string]*sync.Mutex

	started bool
}

// Option tunes engine construction.
type Option func(*Engine)

// WithClock injects a clock; tests pass a fake.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.PrefixLogger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithRegisterer registers the engine metrics, nil to skip.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = instrumentation.New(reg) }
}

// New constructs an engine from configuration. Startup must be called before
// any operation.
func New(cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		log:        log.NewPrefixLogger("engine"),
		clock:      clockwork.NewRealClock(),
		composites: map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = instrumentation.New(nil)
	}
	e.Registry = device.NewRegistry(e.clock, e.log)
	e.Plugins = plugin.NewRegistry()
	return e
}

// Startup acquires the process lock, loads persistent state and coldplugs
// all registered plugins.
func (e *Engine) Startup(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started: %w", errdefs.ErrInternal)
	}
	if err := e.cfg.EnsureDirs(); err != nil {
		return err
	}

	lock, err := acquireLock(e.cfg.DataDir)
	if err != nil {
		return err
	}
	e.lock = lock

	store, err := history.NewStore(filepath.Join(e.cfg.DataDir, "history.json"), e.clock, e.log)
	if err != nil {
		return err
	}
	e.History = store

	remotes, err := remote.LoadAll(e.cfg.RemotesDir)
	if err != nil {
		return err
	}
	e.applyRemoteOverrides(remotes)
	e.Remotes = remote.NewManager(remotes, e.cfg.CacheDir, e.clock, e.log)

	if e.cfg.TestDevices {
		tp := testplugin.New(e.clock, e.log)
		seedTestDevices(tp)
		if err := e.Plugins.Register(tp); err != nil {
			return err
		}
	}

	e.Registry.AddObserver(func(event device.EventType, _ *device.Device) {
		switch event {
		case device.EventAdded:
			e.metrics.DevicesGauge.Inc()
		case device.EventRemoved:
			e.metrics.DevicesGauge.Dec()
		}
	})

	for _, p := range e.Plugins.All() {
		if err := p.Startup(ctx); err != nil {
			return fmt.Errorf("failed to start plugin %s: %w", p.Name(), err)
		}
	}
	for _, p := range e.Plugins.All() {
		if err := p.Coldplug(ctx, e.Registry); err != nil {
			return fmt.Errorf("failed to coldplug plugin %s: %w", p.Name(), err)
		}
	}

	e.markSupported()
	e.started = true
	return nil
}

// seedTestDevices registers the default emulated composite: a hub parent
// with an audio child, mirroring a typical dock.
func seedTestDevices(tp *testplugin.Plugin) {
	tp.AddDeviceSpec(testplugin.DeviceSpec{
		Name:          "Emulated Hub",
		PhysicalID:    "emu/hub",
		CompositeID:   "emu-dock",
		InstanceID:    "USB\\VID_273F&PID_1004",
		Version:       "1.2.2",
		VersionFormat: fwver.FormatTriplet,
		Priority:      1,
	})
	tp.AddDeviceSpec(testplugin.DeviceSpec{
		Name:          "Emulated Audio",
		PhysicalID:    "emu/audio",
		CompositeID:   "emu-dock",
		InstanceID:    "USB\\VID_273F&PID_1005",
		Version:       "3.0.1",
		VersionFormat: fwver.FormatTriplet,
	})
}

func (e *Engine) applyRemoteOverrides(remotes []*remote.Remote) {
	for _, r := range remotes {
		if enabled, ok := e.cfg.RemoteEnabled(r.ID); ok {
			r.Enabled = enabled
		}
		if reports, ok := e.cfg.RemoteAutomaticReports(r.ID); ok {
			r.AutomaticReports = reports
		}
		if uri, ok := e.cfg.RemoteReportURI(r.ID); ok {
			r.ReportURI = uri
		}
	}
}

// markSupported flags devices that have upstream metadata in the cached
// index.
func (e *Engine) markSupported() {
	for _, dev := range e.Registry.Devices() {
		for _, guid := range dev.GUIDs {
			if len(e.Remotes.Search(guid)) > 0 {
				_ = e.Registry.Modify(dev.ID, func(d *device.Device) {
					d.AddFlag(device.FlagSupported)
				})
				break
			}
		}
	}
}

// Close releases the process lock and all watchers.
func (e *Engine) Close() error {
	if e.Remotes != nil {
		_ = e.Remotes.Close()
	}
	return e.lock.release()
}

// Clock exposes the engine clock, for plugins that need scheduling.
func (e *Engine) Clock() clockwork.Clock { return e.clock }

// Config returns the loaded configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// compositeLock returns the mutex serializing installs for one composite.
func (e *Engine) compositeLock(compositeID string) *sync.Mutex {
	e.compositeMu.Lock()
	defer e.compositeMu.Unlock()
	if compositeID == "" {
		compositeID = "-"
	}
	mu, ok := e.composites[compositeID]
	if !ok {
		mu = &sync.Mutex{}
		e.composites[compositeID] = mu
	}
	return mu
}

// GetDevices returns the catalog, hiding hidden-updatable devices unless
// showAll is set.
func (e *Engine) GetDevices(showAll bool) []*device.Device {
	var out []*device.Device
	for _, dev := range e.Registry.Devices() {
		if !showAll && dev.HasFlag(device.FlagUpdatableHidden) && !dev.HasFlag(device.FlagUpdatable) {
			continue
		}
		out = append(out, dev)
	}
	return out
}

// GetDevice resolves a device by full id, id prefix or GUID.
func (e *Engine) GetDevice(selector string) (*device.Device, error) {
	if dev, err := e.Registry.Get(selector); err == nil {
		return dev, nil
	}
	var matches []*device.Device
	for _, dev := range e.Registry.Devices() {
		if len(selector) >= 8 && len(selector) <= len(dev.ID) && dev.ID[:len(selector)] == selector {
			matches = append(matches, dev)
			continue
		}
		if dev.HasGUID(selector) {
			matches = append(matches, dev)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no device matches %q: %w", selector, errdefs.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("selector %q is ambiguous (%d devices): %w",
			selector, len(matches), errdefs.ErrInvalidArgs)
	}
}
