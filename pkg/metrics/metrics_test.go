package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DocsIndexed("shard-0", 3)
		m.Flushed("shard-0", "success", time.Second)
		m.Generation("shard-0", 4, 1)
		m.RefCountViolation("shard-0")
		m.SnapshotBytes("export", 10)
	})
}

func TestLifecycleCollectors(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.DocsIndexed("shard-0", 3)
	m.DocsIndexed("shard-0", 2)
	m.Flushed("shard-0", "success", 20*time.Millisecond)
	m.Flushed("shard-0", "error", 0)
	m.Generation("shard-0", 7, 2)
	m.RefCountViolation("shard-0")
	m.DeletesMarked("shard-0", "disk", 0)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.DocsIndexedTotal.WithLabelValues("shard-0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexFlushesTotal.WithLabelValues("shard-0", "error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ReaderGeneration.WithLabelValues("shard-0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PendingReaders.WithLabelValues("shard-0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefCountViolations.WithLabelValues("shard-0")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.DeletesMarkedTotal))
}
