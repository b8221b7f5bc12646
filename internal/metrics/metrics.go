package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for manifest builds and archive queries.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Builds by outcome: built, hit, shared, failed
	Builds *prometheus.CounterVec

	// Duration of executed builds
	BuildDuration prometheus.Histogram

	// Archive query latencies by archive and outcome
	ArchiveQueryDuration *prometheus.HistogramVec

	// Archive failures by archive and error kind
	ArchiveFailures *prometheus.CounterVec

	// Cache lookups by result: hit, miss
	CacheLookups *prometheus.CounterVec
}

// New registers the collectors with reg. Passing nil uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Builds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewerhub_manifest_builds_total",
			Help: "Manifest requests by build outcome",
		}, []string{"outcome"}),

		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewerhub_manifest_build_duration_seconds",
			Help:    "Duration of executed manifest builds including archive fan-out",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		ArchiveQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "viewerhub_archive_query_duration_seconds",
			Help:    "Duration of archive queries by archive and outcome",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"archive", "outcome"}), // outcome: "success", "failure"

		ArchiveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewerhub_archive_failures_total",
			Help: "Archive query failures by archive and error kind",
		}, []string{"archive", "kind"}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewerhub_cache_lookups_total",
			Help: "Manifest cache lookups by result",
		}, []string{"result"}),
	}
}

// IncrementBuild records the outcome of a manifest request.
func (m *Metrics) IncrementBuild(outcome string) {
	if m != nil {
		m.Builds.WithLabelValues(outcome).Inc()
	}
}

// ObserveBuild records the duration of an executed build.
func (m *Metrics) ObserveBuild(d time.Duration) {
	if m != nil {
		m.BuildDuration.Observe(d.Seconds())
	}
}

// ObserveArchiveQuery records one archive query. kind is empty on success.
func (m *Metrics) ObserveArchiveQuery(archive, kind string, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if kind != "" {
		outcome = "failure"
		m.ArchiveFailures.WithLabelValues(archive, kind).Inc()
	}
	m.ArchiveQueryDuration.WithLabelValues(archive, outcome).Observe(d.Seconds())
}

// IncrementCacheLookup records a cache hit or miss.
func (m *Metrics) IncrementCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
