package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/master/scheduler"
	"titan/pkg/model"
)

type staticStats model.PoolStats

func (s staticStats) Stats() model.PoolStats { return model.PoolStats(s) }

func TestRecordCountsEvents(t *testing.T) {
	sink := NewSink()
	sink.Record(scheduler.MetricsEvent{Event: scheduler.MetricAssignmentCreated, Strategy: model.StrategyRoundRobin})
	sink.Record(scheduler.MetricsEvent{Event: scheduler.MetricAssignmentCreated, Strategy: model.StrategyRoundRobin})
	sink.Record(scheduler.MetricsEvent{Event: scheduler.MetricAssignmentFailed, Reason: scheduler.ReasonNoContainers})

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues("assignment_created", "round-robin", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("assignment_failed", "", "no_containers")))
}

func TestCollectPoolStats(t *testing.T) {
	sink := NewSink()
	sink.Watch(staticStats{Total: 3, Ready: 1, Assigned: 1, Unhealthy: 1, Utilization: model.Utilization{CPU: 0.25}})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(sink))

	expected := `
# HELP titan_pool_containers Number of pooled containers by status bucket
# TYPE titan_pool_containers gauge
titan_pool_containers{status="assigned"} 1
titan_pool_containers{status="ready"} 1
titan_pool_containers{status="total"} 3
titan_pool_containers{status="unhealthy"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "titan_pool_containers"))

	count, err := testutil.GatherAndCount(reg, "titan_pool_utilization")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}
