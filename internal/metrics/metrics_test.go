package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/bryan-buckman/televore/internal/metrics"
)

func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics(prometheus.NewRegistry())

	m.RunStarted()
	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsInProgress), 0)

	m.EntityOutcome("WATERMARK_UPDATED")
	m.EntityOutcome("WATERMARK_UPDATED")
	m.EntityOutcome("INELIGIBLE")
	m.Inserted(3)
	m.Inserted(0)
	m.Discovered(2)
	m.Throttled(1500 * time.Millisecond)
	m.RunFinished("success", 2*time.Second)

	assert.InDelta(t, 0, testutil.ToFloat64(m.RunsInProgress), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.EntityOutcomesTotal.WithLabelValues("WATERMARK_UPDATED")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EntityOutcomesTotal.WithLabelValues("INELIGIBLE")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.MessagesInsertedTotal), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.EntitiesDiscovered), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ThrottleWaitsTotal), 0)
	assert.InDelta(t, 1.5, testutil.ToFloat64(m.ThrottleWaitSeconds), 0.0001)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RunStarted()
		m.EntityOutcome("FAILED")
		m.Inserted(1)
		m.Discovered(1)
		m.Throttled(time.Second)
		m.RunFinished("failed", time.Second)
	})
}
