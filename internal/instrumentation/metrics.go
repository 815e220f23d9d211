// Package instrumentation exposes prometheus metrics for engine operations.
package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. A fresh set is created per engine
// so tests can register against their own registry.
type Metrics struct {
	InstallsTotal   *prometheus.CounterVec
	InstallDuration prometheus.Histogram
	RefreshTotal    *prometheus.CounterVec
	DevicesGauge    prometheus.Gauge
	ReplugWaits     prometheus.Counter
}

// New creates and registers the engine metrics on the registerer. Passing
// nil skips registration, for throwaway engines.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwctl_installs_total",
			Help: "Install attempts by terminal state.",
		}, []string{"state"}),
		InstallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwctl_install_duration_seconds",
			Help:    "Wall time of composite installs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwctl_metadata_refresh_total",
			Help: "Remote metadata refreshes by outcome.",
		}, []string{"outcome"}),
		DevicesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwctl_devices",
			Help: "Devices currently in the registry.",
		}),
		ReplugWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwctl_replug_waits_total",
			Help: "Times the orchestrator waited for a device to re-appear.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InstallsTotal, m.InstallDuration, m.RefreshTotal, m.DevicesGauge, m.ReplugWaits)
	}
	return m
}
