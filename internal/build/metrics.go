package build

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the worker's progress counters. A nil *Metrics records
// nothing.
type Metrics struct {
	builds               *prometheus.CounterVec
	substitutions        *prometheus.CounterVec
	runningBuilds        prometheus.Gauge
	runningSubstitutions prometheus.Gauge
	downloadBytes        *prometheus.CounterVec
	narBytes             *prometheus.CounterVec
	buildDuration        prometheus.Histogram
}

// NewMetrics creates the worker metrics and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storeweaver_builds_total",
				Help: "Derivation builds by state: expected, done or failed",
			},
			[]string{"state"},
		),
		substitutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storeweaver_substitutions_total",
				Help: "Path substitutions by state: expected, done or failed",
			},
			[]string{"state"},
		),
		runningBuilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storeweaver_builds_running",
			Help: "Builds currently holding a build token",
		}),
		runningSubstitutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storeweaver_substitutions_running",
			Help: "Substitutions currently holding a substitution token",
		}),
		downloadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storeweaver_download_bytes_total",
				Help: "Compressed bytes to download from substituters, expected or done",
			},
			[]string{"state"},
		),
		narBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storeweaver_nar_bytes_total",
				Help: "Unpacked bytes of substituted paths, expected or done",
			},
			[]string{"state"},
		),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storeweaver_build_duration_seconds",
			Help:    "Wall time of local and remote builds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.builds, m.substitutions, m.runningBuilds, m.runningSubstitutions,
			m.downloadBytes, m.narBytes, m.buildDuration)
	}
	return m
}

func (m *Metrics) build(state string) {
	if m != nil {
		m.builds.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) substitution(state string) {
	if m != nil {
		m.substitutions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) running(cat JobCategory, delta float64) {
	if m == nil {
		return
	}
	switch cat {
	case CategoryBuild:
		m.runningBuilds.Add(delta)
	case CategorySubstitution:
		m.runningSubstitutions.Add(delta)
	}
}

func (m *Metrics) transfer(state string, download, nar uint64) {
	if m == nil {
		return
	}
	m.downloadBytes.WithLabelValues(state).Add(float64(download))
	m.narBytes.WithLabelValues(state).Add(float64(nar))
}

func (m *Metrics) buildTook(seconds float64) {
	if m != nil {
		m.buildDuration.Observe(seconds)
	}
}
