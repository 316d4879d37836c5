package settlement

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/siteledger/siteledger/internal/platform/lock"
)

// Metrics records rebuild outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	rebuilds *prometheus.CounterVec
	duration prometheus.Histogram
	changed  prometheus.Counter
	findings *prometheus.CounterVec
}

// NewMetrics registers the settlement collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteledger_settlement_rebuilds_total",
			Help: "Waterfall rebuilds by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "siteledger_settlement_rebuild_duration_seconds",
			Help:    "Duration of committed waterfall rebuilds.",
			Buckets: prometheus.DefBuckets,
		}),
		changed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siteledger_settlement_items_changed_total",
			Help: "Entries and allocations whose paid state a rebuild rewrote.",
		}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteledger_settlement_findings_total",
			Help: "Post-rebuild findings by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.rebuilds, m.duration, m.changed, m.findings)
	}
	return m
}

// ObserveRebuild records one rebuild attempt.
func (m *Metrics) ObserveRebuild(result RebuildResult, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	switch {
	case errors.Is(err, lock.ErrConcurrencyConflict):
		m.rebuilds.WithLabelValues("conflict").Inc()
		return
	case err != nil:
		m.rebuilds.WithLabelValues("error").Inc()
		return
	case !result.Clean():
		m.rebuilds.WithLabelValues("findings").Inc()
	default:
		m.rebuilds.WithLabelValues("ok").Inc()
	}
	m.duration.Observe(elapsed.Seconds())
	m.changed.Add(float64(result.Changed))
	m.findings.WithLabelValues("violation").Add(float64(len(result.Violations)))
	m.findings.WithLabelValues("mismatch").Add(float64(len(result.Mismatches)))
}
