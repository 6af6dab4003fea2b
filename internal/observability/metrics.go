// Package observability holds the Prometheus collectors exported by the
// scheduler.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/specialistvlad/gridtune/internal/statestore"
)

// Metrics bundles Prometheus collectors for the tuning scheduler. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	Combinations   *prometheus.GaugeVec
	Verdicts       *prometheus.CounterVec
	Submissions    *prometheus.CounterVec
	WorkerFailures *prometheus.CounterVec
	Rounds         prometheus.Counter
	RoundActive    prometheus.Gauge
}

// NewMetrics constructs a metrics registry with scheduler collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	combos := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridtune_combinations",
		Help: "Combinations by state (unassigned, assigned, finished)",
	}, []string{"state"})

	verdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtune_duplicate_verdicts_total",
		Help: "Duplicate check verdicts",
	}, []string{"verdict"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtune_submissions_total",
		Help: "Training submissions by kind (new, resume) and outcome",
	}, []string{"kind", "outcome"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtune_worker_failures_total",
		Help: "Failed worker turns by reason",
	}, []string{"reason"})

	rounds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridtune_rounds_total",
		Help: "Completed scheduling passes",
	})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridtune_round_active",
		Help: "1 while a round loop holds the session lease",
	})

	reg.MustRegister(combos, verdicts, submissions, failures, rounds, active)

	return &Metrics{
		registry:       reg,
		Combinations:   combos,
		Verdicts:       verdicts,
		Submissions:    submissions,
		WorkerFailures: failures,
		Rounds:         rounds,
		RoundActive:    active,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCounts sets the combination gauges from a state snapshot.
func (m *Metrics) RecordCounts(c statestore.Counts) {
	if m == nil {
		return
	}
	m.Combinations.WithLabelValues("unassigned").Set(float64(c.Unassigned))
	m.Combinations.WithLabelValues("assigned").Set(float64(c.Assigned))
	m.Combinations.WithLabelValues("finished").Set(float64(c.Finished))
}

// RecordVerdict counts a duplicate check outcome.
func (m *Metrics) RecordVerdict(verdict string) {
	if m == nil {
		return
	}
	if verdict == "" {
		verdict = "unknown"
	}
	m.Verdicts.WithLabelValues(verdict).Inc()
}

// RecordSubmission counts a finished training submission.
func (m *Metrics) RecordSubmission(kind, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(kind, outcome).Inc()
}

// RecordWorkerFailure counts a failed worker turn.
func (m *Metrics) RecordWorkerFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.WorkerFailures.WithLabelValues(reason).Inc()
}

// RecordRound counts a completed pass.
func (m *Metrics) RecordRound() {
	if m == nil {
		return
	}
	m.Rounds.Inc()
}

// SetRoundActive flips the round gauge.
func (m *Metrics) SetRoundActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.RoundActive.Set(1)
		return
	}
	m.RoundActive.Set(0)
}
