// Package metrics exposes ledger activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/points-ledger/points"
)

// Metrics holds all Prometheus metrics for the ledger. It implements
// points.Recorder.
type Metrics struct {
	PointsGranted     prometheus.Counter
	GrantsTotal       prometheus.Counter
	Deductions        *prometheus.CounterVec
	PointsDeducted    prometheus.Counter
	DeductionDuration prometheus.Histogram
	Conflicts         *prometheus.CounterVec
	GrantsExpired     prometheus.Counter
	PointsExpired     prometheus.Counter
	SweepSkipped      prometheus.Counter
	SweepFailed       prometheus.Counter
	SweepDuration     prometheus.Histogram
}

var _ points.Recorder = (*Metrics)(nil)

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PointsGranted: f.NewCounter(prometheus.CounterOpts{
			Name: "points_ledger_points_granted_total",
			Help: "Total points credited by EARN entries",
		}),
		GrantsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "points_ledger_grants_total",
			Help: "Total EARN entries created",
		}),
		Deductions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "points_ledger_deductions_total",
			Help: "Deduction attempts by outcome",
		}, []string{"outcome"}),
		PointsDeducted: f.NewCounter(prometheus.CounterOpts{
			Name: "points_ledger_points_deducted_total",
			Help: "Total points spent by successful deductions",
		}),
		DeductionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "points_ledger_deduction_duration_seconds",
			Help:    "Latency of deduction attempts",
			Buckets: prometheus.DefBuckets,
		}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "points_ledger_conditional_update_conflicts_total",
			Help: "Conditional updates that matched no row, by row type",
		}, []string{"row"}),
		GrantsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "points_ledger_grants_expired_total",
			Help: "Grants driven to zero by the expiration sweep",
		}),
		PointsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "points_ledger_points_expired_total",
			Help: "Points written off by the expiration sweep",
		}),
		SweepSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "points_ledger_sweep_skipped_total",
			Help: "Expired grants left for a later sweep after losing a race",
		}),
		SweepFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "points_ledger_sweep_failed_total",
			Help: "Expired grants whose sweep errored",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "points_ledger_sweep_duration_seconds",
			Help:    "Duration of expiration sweeps",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func (m *Metrics) GrantRecorded(amount int64) {
	m.GrantsTotal.Inc()
	m.PointsGranted.Add(float64(amount))
}

func (m *Metrics) DeductionRecorded(outcome string, amount int64, elapsed time.Duration) {
	m.Deductions.WithLabelValues(outcome).Inc()
	m.DeductionDuration.Observe(elapsed.Seconds())
	if outcome == points.OutcomeSuccess {
		m.PointsDeducted.Add(float64(amount))
	}
}

func (m *Metrics) ConflictRecorded(row string) {
	m.Conflicts.WithLabelValues(row).Inc()
}

func (m *Metrics) SweepRecorded(report points.SweepReport, elapsed time.Duration) {
	m.GrantsExpired.Add(float64(report.GrantsSwept))
	m.PointsExpired.Add(float64(report.PointsExpired))
	m.SweepSkipped.Add(float64(report.Skipped))
	m.SweepFailed.Add(float64(report.Failed))
	m.SweepDuration.Observe(elapsed.Seconds())
}
