package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the prometheus bundle for the lock protocol. It satisfies
// rwlock.Metrics.
type Metrics struct {
	AcquireTotal *prometheus.CounterVec // mode=read|write, result=success|error
	ReleaseTotal *prometheus.CounterVec // mode=read|write, result=success|noop

	AcquireWaitMS *prometheus.HistogramVec // mode=read|write
	DrainProbes   prometheus.Histogram
	DrainWaitMS   prometheus.Histogram

	AbandonedTotal prometheus.Counter
	BusyTotal      *prometheus.CounterVec // op=gate|pool|sample

	GatesHeld         prometheus.Gauge
	LeasesOutstanding prometheus.Gauge
	ReclaimedTotal    prometheus.Counter
}

// NewMetrics registers the bundle on the default registerer; call it once
// per process.
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwlock_acquire_total",
				Help: "Total acquire attempts by mode and result",
			},
			[]string{"mode", "result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwlock_release_total",
				Help: "Total releases by mode and result",
			},
			[]string{"mode", "result"},
		),
		AcquireWaitMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rwlock_acquire_wait_ms",
				Help:    "Time from acquire request to ownership (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"mode"},
		),
		DrainProbes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rwlock_drain_probes",
			Help:    "Pool probes a writer needed before exclusion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		DrainWaitMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rwlock_drain_wait_ms",
			Help:    "Writer time spent waiting for readers to drain (ms)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		AbandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rwlock_abandoned_takeover_total",
			Help: "Gate acquisitions that took over from a dead holder",
		}),
		BusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwlock_db_busy_total",
				Help: "Transient sqlite busy/locked retries",
			},
			[]string{"op"},
		),
		GatesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwlock_gates_held",
			Help: "Gates currently held (janitor observation)",
		}),
		LeasesOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwlock_leases_outstanding",
			Help: "Reader leases currently outstanding (janitor observation)",
		}),
		ReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rwlock_reclaimed_total",
			Help: "Gate holds and pool units reclaimed from dead processes",
		}),
	}

	reg.MustRegister(
		m.AcquireTotal,
		m.ReleaseTotal,
		m.AcquireWaitMS,
		m.DrainProbes,
		m.DrainWaitMS,
		m.AbandonedTotal,
		m.BusyTotal,
		m.GatesHeld,
		m.LeasesOutstanding,
		m.ReclaimedTotal,
	)

	return m
}

// The methods below are the rwlock.Metrics surface.

func (m *Metrics) ObserveAcquire(mode, result string, wait time.Duration) {
	m.AcquireTotal.WithLabelValues(mode, result).Inc()
	if result == "success" {
		m.AcquireWaitMS.WithLabelValues(mode).Observe(float64(wait.Milliseconds()))
	}
}

func (m *Metrics) ObserveRelease(mode, result string) {
	m.ReleaseTotal.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) ObserveDrain(probes int, wait time.Duration) {
	m.DrainProbes.Observe(float64(probes))
	m.DrainWaitMS.Observe(float64(wait.Milliseconds()))
}

func (m *Metrics) IncAbandonedTakeover() {
	m.AbandonedTotal.Inc()
}

func (m *Metrics) IncBusyRetry(op string) {
	m.BusyTotal.WithLabelValues(op).Inc()
}

// The methods below are the rwlock.JanitorMetrics surface.

func (m *Metrics) SetGatesHeld(n float64) {
	m.GatesHeld.Set(n)
}

func (m *Metrics) SetLeasesOutstanding(n float64) {
	m.LeasesOutstanding.Set(n)
}

func (m *Metrics) AddReclaimed(n float64) {
	m.ReclaimedTotal.Add(n)
}
