// Package metrics exposes Prometheus counters for the hero playback session
// and the DOM reprocessor on a dedicated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the heromedia collectors.
type Metrics struct {
	registry      *prometheus.Registry
	playAttempts  *prometheus.CounterVec
	statusChanges *prometheus.CounterVec
	muteToggles   *prometheus.CounterVec
	optimized     *prometheus.CounterVec
	passes        *prometheus.CounterVec
	imageLoads    *prometheus.CounterVec
	cacheSize     prometheus.Gauge
	muted         prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		playAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heromedia_play_attempts_total",
			Help: "Failed play attempts by failure class",
		}, []string{"class"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heromedia_status_transitions_total",
			Help: "Playback status transitions by destination status",
		}, []string{"status"}),
		muteToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heromedia_mute_toggles_total",
			Help: "User mute toggles by result",
		}, []string{"result"}),
		optimized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heromedia_elements_optimized_total",
			Help: "Media elements optimised by tag",
		}, []string{"tag"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heromedia_reprocess_passes_total",
			Help: "Reprocessing passes by kind (initial, batch, catchup)",
		}, []string{"kind"}),
		imageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heromedia_image_loads_total",
			Help: "Images marked loaded by reason",
		}, []string{"reason"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heromedia_keepalive_cache_size",
			Help: "Elements held in the keep-alive cache",
		}),
		muted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heromedia_hero_muted",
			Help: "1 when the hero video is muted",
		}),
	}
	m.registry.MustRegister(
		m.playAttempts,
		m.statusChanges,
		m.muteToggles,
		m.optimized,
		m.passes,
		m.imageLoads,
		m.cacheSize,
		m.muted,
	)
	return m
}

// IncPlayAttempt counts a failed play attempt.
func (m *Metrics) IncPlayAttempt(class string) { m.playAttempts.WithLabelValues(class).Inc() }

// IncStatus counts a transition into status.
func (m *Metrics) IncStatus(status string) { m.statusChanges.WithLabelValues(status).Inc() }

// IncMuteToggle counts a toggle; result is "applied" or "rejected".
func (m *Metrics) IncMuteToggle(result string) { m.muteToggles.WithLabelValues(result).Inc() }

// IncOptimized counts an element optimised for the first time.
func (m *Metrics) IncOptimized(tag string) { m.optimized.WithLabelValues(tag).Inc() }

// IncPass counts a reprocessing pass.
func (m *Metrics) IncPass(kind string) { m.passes.WithLabelValues(kind).Inc() }

// IncImageLoad counts an image settling.
func (m *Metrics) IncImageLoad(reason string) { m.imageLoads.WithLabelValues(reason).Inc() }

// SetCacheSize sets the keep-alive cache gauge.
func (m *Metrics) SetCacheSize(n int) { m.cacheSize.Set(float64(n)) }

// SetMuted sets the muted gauge.
func (m *Metrics) SetMuted(muted bool) {
	if muted {
		m.muted.Set(1)
		return
	}
	m.muted.Set(0)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry. refresh, if non-nil, runs before each scrape
// to update gauges.
func (m *Metrics) Handler(refresh func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		h.ServeHTTP(w, r)
	})
}
