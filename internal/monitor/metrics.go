package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the committee node.
type Metrics struct {
	Registry *prometheus.Registry

	EventsIngested   *prometheus.CounterVec
	TransportState   prometheus.Gauge
	RunsCreated      prometheus.Counter
	PiecesSubmitted  *prometheus.CounterVec
	JobsProcessed    *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	ShardsDelivered  prometheus.Counter
	RunsApproved     prometheus.Counter
	ChainCalls       *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "committee",
				Name:      "events_ingested_total",
				Help:      "RunRequested logs processed, by transport and outcome.",
			},
			[]string{"transport", "outcome"},
		),

		TransportState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "committee",
				Name:      "event_transport_degraded",
				Help:      "1 when the event ingestor has downgraded to polling.",
			},
		),

		RunsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "committee",
				Name:      "runs_created_total",
				Help:      "Runs newly recorded in the run ledger.",
			},
		),

		PiecesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "committee",
				Name:      "pieces_submitted_total",
				Help:      "Piece submissions, by outcome (accepted, duplicate).",
			},
			[]string{"outcome"},
		),

		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "committee",
				Name:      "jobs_processed_total",
				Help:      "Queue jobs processed, by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "committee",
				Name:      "job_duration_seconds",
				Help:      "Handler duration for queue jobs.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"queue"},
		),

		ShardsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "committee",
				Name:      "shards_delivered_total",
				Help:      "Sealed shards published and submitted on-chain.",
			},
		),

		RunsApproved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "committee",
				Name:      "runs_approved_total",
				Help:      "Runs approved on-chain by this node.",
			},
		),

		ChainCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "committee",
				Name:      "chain_calls_total",
				Help:      "Outbound chain RPC calls, by method and outcome.",
			},
			[]string{"method", "outcome"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "committee",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.EventsIngested,
		m.TransportState,
		m.RunsCreated,
		m.PiecesSubmitted,
		m.JobsProcessed,
		m.JobDuration,
		m.ShardsDelivered,
		m.RunsApproved,
		m.ChainCalls,
		m.RequestsInFlight,
	)

	return m
}

// RecordJob records the outcome and duration of one queue job.
func (m *Metrics) RecordJob(queue, outcome string, durationSec float64) {
	m.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(durationSec)
}

// RecordEvent records one ingested event log.
func (m *Metrics) RecordEvent(transport, outcome string) {
	m.EventsIngested.WithLabelValues(transport, outcome).Inc()
}

// RecordChainCall records one outbound RPC call.
func (m *Metrics) RecordChainCall(method, outcome string) {
	m.ChainCalls.WithLabelValues(method, outcome).Inc()
}
