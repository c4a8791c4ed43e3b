// Package metrics records run outcomes in a private Prometheus registry and
// pushes them to a Pushgateway, since each process lives for a single run.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/septivank/counter-ingest-worker/internal/db"
)

const namespace = "counter_ingest"

// Run outcome label values
const (
	OutcomeOK         = "ok"
	OutcomeFailed     = "failed"
	OutcomeLockDenied = "lock_denied"
)

// Metrics holds all Prometheus metrics for the ingestion run
type Metrics struct {
	Runs           *prometheus.CounterVec
	Items          *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	Unprocessed    *prometheus.GaugeVec
	LastSuccess    *prometheus.GaugeVec
	TimedOut       *prometheus.GaugeVec
	registry       *prometheus.Registry
	pushgatewayURL string
	job            string
}

// New registers the metrics on a fresh registry. An empty pushgatewayURL
// makes Push a no-op.
func New(pushgatewayURL, job string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by terminal outcome",
			},
			[]string{"source", "outcome"},
		),
		Items: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Files or rows handled by outcome status",
			},
			[]string{"source", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of a run",
				Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 45, 60, 120},
			},
			[]string{"source"},
		),
		Unprocessed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unprocessed_items",
				Help:      "Eligible items left for the next run",
			},
			[]string{"source"},
		),
		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run",
			},
			[]string{"source"},
		),
		TimedOut: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timed_out",
				Help:      "1 when the last run stopped on the time budget",
			},
			[]string{"source"},
		),
		registry:       reg,
		pushgatewayURL: pushgatewayURL,
		job:            job,
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun records a finished run
func (m *Metrics) ObserveRun(run *db.RunAttempt) {
	src := run.Source

	outcome := OutcomeFailed
	switch {
	case run.State == db.StateLockDenied:
		outcome = OutcomeLockDenied
	case run.OK:
		outcome = OutcomeOK
	}
	m.Runs.WithLabelValues(src, outcome).Inc()

	for status, n := range map[string]int{
		db.ItemInserted:           run.Inserted,
		db.ItemUpdated:            run.Updated,
		db.ItemDuplicate:          run.Duplicates,
		db.ItemSkippedNonMatching: run.SkippedNonMatching,
		db.ItemSkipped:            run.Skipped,
		db.ItemError:              run.Errored,
	} {
		if n > 0 {
			m.Items.WithLabelValues(src, status).Add(float64(n))
		}
	}

	if run.FinishedAt != nil {
		m.RunDuration.WithLabelValues(src).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
		if run.OK && run.State != db.StateLockDenied {
			m.LastSuccess.WithLabelValues(src).Set(float64(run.FinishedAt.Unix()))
		}
	}

	m.Unprocessed.WithLabelValues(src).Set(float64(run.Unprocessed))
	timedOut := 0.0
	if run.TimedOut {
		timedOut = 1
	}
	m.TimedOut.WithLabelValues(src).Set(timedOut)
}

// Push sends the registry to the Pushgateway
func (m *Metrics) Push(ctx context.Context) error {
	if m.pushgatewayURL == "" {
		return nil
	}
	if err := push.New(m.pushgatewayURL, m.job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
