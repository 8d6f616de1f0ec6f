// Package scoring runs the two halves of the trust engine: the synchronous
// fast path lives in the entity save hooks; this package owns the
// asynchronous half — the deep-analysis priority queue, its worker pools,
// cross-device correlation, and the coordinated-attack detector.
package scoring

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/civicsafe/backend/internal/cache"
	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/metrics"
	"github.com/civicsafe/backend/internal/notify"
	"github.com/civicsafe/backend/internal/report"
)

// Tier names the four processing queues.
type Tier string

const (
	TierEmergency  Tier = "emergency"
	TierStandard   Tier = "standard"
	TierBackground Tier = "background"
	TierAnalytics  Tier = "analytics"
)

// Task kinds carried on the queues.
const (
	KindDeviceAnalysis   = "device_analysis"
	KindReportProcessing = "report_processing"
)

const deadLetterKey = "analysis:dead"
const deadLetterCap = 1000

// Task is one queued unit of background work.
type Task struct {
	Kind         string    `json:"kind"`
	ID           string    `json:"id"` // fingerprint or report id
	AnalysisType string    `json:"analysis_type,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Attempts     int       `json:"attempts"`
}

func queueKey(t Tier) string { return "analysis:queue:" + string(t) }

// tierBucket spaces the priority buckets far enough apart that enqueue
// timestamps only break ties within a bucket.
var tierBucket = map[Tier]float64{
	TierEmergency:  0,
	TierStandard:   1e12,
	TierBackground: 2e12,
	TierAnalytics:  3e12,
}

func queueScore(t Tier, enqueued time.Time) float64 {
	return tierBucket[t] + float64(enqueued.Unix())
}

// tierForPriority maps a device analysis priority onto a worker tier.
func tierForPriority(p device.AnalysisPriority) Tier {
	switch p {
	case device.PriorityCritical:
		return TierEmergency
	case device.PriorityHigh:
		return TierStandard
	case device.PriorityLow:
		return TierAnalytics
	default:
		return TierBackground
	}
}

// Engine owns the deep-analysis pipeline. Process-wide singleton with
// explicit construction; main wires exactly one.
type Engine struct {
	cache    *cache.Facade
	devices  *device.Repository
	reports  report.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics

	proximityRadiusM float64
}

// NewEngine wires the engine. proximityRadiusM bounds the geographic
// correlation query; zero means the 1 km default.
func NewEngine(c *cache.Facade, devices *device.Repository, reports report.Store, n notify.Notifier, m *metrics.Metrics, proximityRadiusM float64) *Engine {
	if proximityRadiusM == 0 {
		proximityRadiusM = 1000
	}
	return &Engine{
		cache:            c,
		devices:          devices,
		reports:          reports,
		notifier:         n,
		metrics:          m,
		proximityRadiusM: proximityRadiusM,
	}
}

// EnqueueDeviceAnalysis places a device on the deep-analysis queue. Errors
// never propagate: the next save marks the device again and retries.
func (e *Engine) EnqueueDeviceAnalysis(ctx context.Context, d *device.Device, now time.Time) {
	tier := tierForPriority(d.Anomaly.AnalysisPriority)
	task := Task{
		Kind:         KindDeviceAnalysis,
		ID:           d.FingerprintID,
		AnalysisType: string(d.Anomaly.AnalysisPriority),
		EnqueuedAt:   now,
	}
	member, err := json.Marshal(task)
	if err != nil {
		slog.Warn("scoring: unserializable task", "fingerprint", d.FingerprintID, "error", err)
		return
	}
	if !e.cache.ZAdd(ctx, queueKey(tier), string(member), queueScore(tier, now)) {
		slog.Warn("scoring: enqueue failed, will retry on next save", "fingerprint", d.FingerprintID, "tier", tier)
		return
	}
	d.Anomaly.QueuePosition = int(e.cache.ZCard(ctx, queueKey(tier)))
	if e.metrics != nil {
		e.metrics.QueueDepth.WithLabelValues(string(tier)).Set(float64(d.Anomaly.QueuePosition))
	}
}

// PlaceReport stamps the distributed-processing placement onto a report
// before its first save. Pure; the enqueue happens after the report is
// durable.
func PlaceReport(r *report.Report) {
	tier := Tier(r.DetermineProcessingTier())
	r.Processing.Distributed = report.DistributedProcessing{
		Tier:      report.ProcessingTier(tier),
		Priority:  int(tierBucket[tier] / 1e12),
		JobID:     uuid.NewString(),
		QueueName: queueKey(tier),
	}
	r.Processing.Overall = "queued"
	r.Processing.Mode = "distributed"
}

// EnqueueReportProcessing pushes a placed, saved report onto its queue.
func (e *Engine) EnqueueReportProcessing(ctx context.Context, r *report.Report, now time.Time) {
	tier := Tier(r.Processing.Distributed.Tier)
	if tier == "" {
		PlaceReport(r)
		tier = Tier(r.Processing.Distributed.Tier)
	}
	task := Task{Kind: KindReportProcessing, ID: r.ID, EnqueuedAt: now}
	member, err := json.Marshal(task)
	if err != nil {
		return
	}
	if !e.cache.ZAdd(ctx, queueKey(tier), string(member), queueScore(tier, now)) {
		slog.Warn("scoring: report enqueue failed", "report", r.ID, "tier", tier)
	}
}

// QueueDepths reports the pending task count per tier.
func (e *Engine) QueueDepths(ctx context.Context) map[Tier]int64 {
	out := make(map[Tier]int64, 4)
	for _, t := range []Tier{TierEmergency, TierStandard, TierBackground, TierAnalytics} {
		out[t] = e.cache.ZCard(ctx, queueKey(t))
	}
	return out
}

// emit records the metric and forwards the event.
func (e *Engine) emit(ctx context.Context, ev notify.Event) {
	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(ev.Type).Inc()
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, ev)
	}
}
