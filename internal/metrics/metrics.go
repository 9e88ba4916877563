// Package metrics provides Prometheus metrics for the transcription service.
//
// Metrics are registered on an injected registry so tests and the CLI can
// own their collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voxscribe"

type Metrics struct {
	registry *prometheus.Registry

	gateInFlight prometheus.Gauge
	gateWaiting  prometheus.Gauge

	// modelLoads counts model constructions.
	// Labels:
	//   - tier: quality tier (fast, balanced, accurate)
	//   - status: success or failed
	modelLoads *prometheus.CounterVec

	alignLookups   *prometheus.CounterVec
	alignEvictions prometheus.Counter
	alignEntries   prometheus.Gauge

	// requests counts finished pipeline runs.
	// Labels:
	//   - outcome: ok or an error kind (invalid_input, timeout, ...)
	requests *prometheus.CounterVec

	// Buckets: 0.1s up to 10 minutes; model stages are slow.
	stageDuration *prometheus.HistogramVec
}

func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		gateInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_in_flight",
			Help:      "Requests currently holding an accelerator slot",
		}),
		gateWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_waiting",
			Help:      "Requests waiting for an accelerator slot",
		}),
		modelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Transcription model constructions by tier",
		}, []string{"tier", "status"}),
		alignLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "align_cache_lookups_total",
			Help:      "Alignment model cache lookups by result",
		}, []string{"result"}),
		alignEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "align_cache_evictions_total",
			Help:      "Alignment models evicted from the cache",
		}),
		alignEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "align_cache_entries",
			Help:      "Alignment models currently cached",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished transcription requests by outcome",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		}, []string{"stage"}),
	}

	collectors := []prometheus.Collector{
		m.gateInFlight,
		m.gateWaiting,
		m.modelLoads,
		m.alignLookups,
		m.alignEvictions,
		m.alignEntries,
		m.requests,
		m.stageDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile dumps every registered metric in the node-exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}

func (m *Metrics) GateWaiting(delta float64) {
	if m == nil {
		return
	}
	m.gateWaiting.Add(delta)
}

func (m *Metrics) GateInFlight(delta float64) {
	if m == nil {
		return
	}
	m.gateInFlight.Add(delta)
}

func (m *Metrics) ModelLoaded(tier string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.modelLoads.WithLabelValues(tier, status).Inc()
}

func (m *Metrics) AlignLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.alignLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) AlignEvicted() {
	if m == nil {
		return
	}
	m.alignEvictions.Inc()
}

func (m *Metrics) AlignEntries(n int) {
	if m == nil {
		return
	}
	m.alignEntries.Set(float64(n))
}

func (m *Metrics) RequestFinished(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}
