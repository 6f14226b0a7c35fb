package metrics

import (
	"testing"

	"github.com/buddhike/changefeed/controller"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ controller.Metrics = (*Prometheus)(nil)

func TestPrometheusRecordsControllerEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "test")
	require.NoError(t, err)

	p.SetOwnedPartitions(3)
	p.LeaseAcquired()
	p.LeaseAcquired()
	p.LeaseReleased()
	p.PartitionSplit(2)
	p.TaskCompleted("split")
	p.TaskCompleted("error")
	p.TaskCompleted("error")

	assert.Equal(t, float64(3), testutil.ToFloat64(p.ownedPartitions))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.acquisitions))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.releases))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.splits))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.splitChildren))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.taskOutcomes.WithLabelValues("error")))
}

func TestPrometheusRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg, "test")
	require.NoError(t, err)

	_, err = NewPrometheus(reg, "test")
	assert.Error(t, err)
}
