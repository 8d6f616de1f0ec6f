// Package metrics registers the Prometheus instruments for the trust core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the core exports.
type Metrics struct {
	// Ingest
	ReportsIngested *prometheus.CounterVec // outcome: accepted, rejected, quarantined, rate_limited
	IngestDuration  prometheus.Histogram

	// Scoring
	ScoringDuration  prometheus.Histogram
	DeepAnalysisRuns *prometheus.CounterVec // result: ok, failed, dead_letter
	QueueDepth       *prometheus.GaugeVec   // tier

	// Containment
	QuarantinesTriggered *prometheus.CounterVec // subject: device, principal
	QuarantinesLifted    *prometheus.CounterVec // trigger: auto, moderator

	// Detector
	DetectorSweeps        prometheus.Counter
	CoordinatedGroupsFlagged prometheus.Counter

	// Events
	EventsEmitted *prometheus.CounterVec // type
}

// New creates and registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		ReportsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsafe_reports_ingested_total",
				Help: "Report submissions by outcome",
			},
			[]string{"outcome"},
		),
		IngestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "civicsafe_ingest_duration_seconds",
				Help:    "End-to-end submission gate latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		ScoringDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "civicsafe_scoring_duration_seconds",
				Help:    "Fast-path scoring hook chain latency",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		DeepAnalysisRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsafe_deep_analysis_total",
				Help: "Deep-analysis task completions by result",
			},
			[]string{"result"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "civicsafe_analysis_queue_depth",
				Help: "Pending deep-analysis tasks per tier",
			},
			[]string{"tier"},
		),
		QuarantinesTriggered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsafe_quarantines_triggered_total",
				Help: "Auto-quarantines by subject kind",
			},
			[]string{"subject"},
		),
		QuarantinesLifted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsafe_quarantines_lifted_total",
				Help: "Quarantine releases by trigger",
			},
			[]string{"trigger"},
		),
		DetectorSweeps: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "civicsafe_detector_sweeps_total",
				Help: "Coordinated-attack detector sweep runs",
			},
		),
		CoordinatedGroupsFlagged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "civicsafe_coordinated_groups_flagged_total",
				Help: "Device groups flagged as likely campaigns",
			},
		),
		EventsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsafe_events_emitted_total",
				Help: "Logical events emitted to the notifier",
			},
			[]string{"type"},
		),
	}
}
