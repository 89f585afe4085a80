package metrics

import (
	"testing"

	"github.com/breez/field-sync/conflict"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveCycle(conflict.DirectionPush, ResultSuccess)
	c.ObserveCycle(conflict.DirectionPush, ResultSuccess)
	c.ObserveCycle(conflict.DirectionPull, ResultTimeout)
	require.Equal(t, 2.0, testutil.ToFloat64(c.Cycles.WithLabelValues("push", ResultSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(c.Cycles.WithLabelValues("pull", ResultTimeout)))

	conflict.NewClassifier(c).Report(conflict.DirectionPush, &conflict.MissingDataError{EntityType: "site"})
	require.Equal(t, 1.0, testutil.ToFloat64(c.Conflicts.WithLabelValues("missing_data")))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 5, count)
}
