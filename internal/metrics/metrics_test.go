package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementBuild("built")
	m.IncrementBuild("hit")
	m.IncrementBuild("hit")
	m.ObserveArchiveQuery("pacs", "", 10*time.Millisecond)
	m.ObserveArchiveQuery("pacs", "timeout", time.Second)
	m.IncrementCacheLookup(true)
	m.IncrementCacheLookup(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Builds.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveFailures.WithLabelValues("pacs", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ArchiveQueryDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.IncrementBuild("built")
		m.ObserveBuild(time.Second)
		m.ObserveArchiveQuery("pacs", "unreachable", time.Second)
		m.IncrementCacheLookup(true)
	})
}
