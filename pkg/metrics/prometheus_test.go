package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Collects(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "n1")
	var errs []error
	p.OnError(func(err error) { errs = append(errs, err) })

	p.IncCounter(StorageOpsTotal, map[string]string{"op": "put"}, 1)
	p.IncCounter(StorageOpsTotal, map[string]string{"op": "put"}, 2)
	p.SetGauge(CommitIndex, map[string]string{"shard": "1"}, 42)
	p.ObserveHistogram(ApplyDurationSeconds, map[string]string{"shard": "1"}, 0.002)

	require.Empty(t, errs)
	require.Equal(t, float64(3), testutil.ToFloat64(p.counters[StorageOpsTotal].WithLabelValues("put")))
	require.Equal(t, float64(42), testutil.ToFloat64(p.gauges[CommitIndex].WithLabelValues("1")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestPrometheus_LabelMismatchReported(t *testing.T) {
	p := NewPrometheus(nil, "n1")
	var errs []error
	p.OnError(func(err error) { errs = append(errs, err) })

	p.SetGauge(IsLeader, map[string]string{"shard": "1"}, 1)
	p.SetGauge(IsLeader, map[string]string{"peer": "x"}, 1)
	require.Len(t, errs, 1)
}

func TestOrNop(t *testing.T) {
	c := OrNop(nil)
	c.IncCounter("x", nil, 1)
	require.Equal(t, float64(1), Bool(true))
}
