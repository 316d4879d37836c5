package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("settlement:rebuild").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("settlement:rebuild").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("settlement:rebuild", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("settlement:rebuild", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("settlement:rebuild")))
}

func TestAddFindings(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddFindings("fifo_violation", 4, 3)
	m.AddFindings("fifo_violation", 4, 0)
	m.AddFindings("split_mismatch", 0, 1)

	require.Equal(t, 3.0, testutil.ToFloat64(m.findings.WithLabelValues("fifo_violation", "4")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.findings.WithLabelValues("split_mismatch", "0")))

	var nilMetrics *Metrics
	nilMetrics.AddFindings("x", 1, 1)
	require.NoError(t, nilMetrics.Track("noop").End(nil))
}
