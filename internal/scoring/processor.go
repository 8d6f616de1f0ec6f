package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/report"
)

// ProcessorConfig tunes the background worker pools.
type ProcessorConfig struct {
	// Workers per tier. Zero values take the defaults below.
	Workers map[Tier]int
	// BatchSize is how many tasks a worker pops per poll.
	BatchSize int64
	// MaxAttempts before a task moves to the dead-letter list.
	MaxAttempts int
	// TaskTimeout bounds one device analysis.
	TaskTimeout time.Duration
	// PollInterval is the idle sleep between empty polls.
	PollInterval time.Duration
	// RetryPenalty pushes a failed task this far down its queue.
	RetryPenalty float64
}

func (c *ProcessorConfig) applyDefaults() {
	if c.Workers == nil {
		c.Workers = map[Tier]int{}
	}
	defaults := map[Tier]int{
		TierEmergency:  2,
		TierStandard:   3,
		TierBackground: 2,
		TierAnalytics:  1,
	}
	for tier, n := range defaults {
		if c.Workers[tier] == 0 {
			c.Workers[tier] = n
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.RetryPenalty == 0 {
		c.RetryPenalty = 60 // one minute deeper into the queue
	}
}

// Processor drains the deep-analysis queues with per-tier worker pools.
// Process-wide singleton with explicit Start/Shutdown.
type Processor struct {
	engine *Engine
	cfg    ProcessorConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool // fingerprints being analyzed right now
}

// NewProcessor builds the processor around an engine.
func NewProcessor(engine *Engine, cfg ProcessorConfig) *Processor {
	cfg.applyDefaults()
	return &Processor{
		engine:   engine,
		cfg:      cfg,
		inFlight: make(map[string]bool),
	}
}

// Start launches the worker pools. Call Shutdown to stop them.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, tier := range []Tier{TierEmergency, TierStandard, TierBackground, TierAnalytics} {
		for i := 0; i < p.cfg.Workers[tier]; i++ {
			p.wg.Add(1)
			go p.worker(ctx, tier)
		}
	}
	slog.Info("scoring: processor started",
		"emergency", p.cfg.Workers[TierEmergency],
		"standard", p.cfg.Workers[TierStandard],
		"background", p.cfg.Workers[TierBackground],
		"analytics", p.cfg.Workers[TierAnalytics],
	)
}

func (p *Processor) worker(ctx context.Context, tier Tier) {
	defer p.wg.Done()
	for {
		popped := p.engine.cache.ZPopMin(ctx, queueKey(tier), p.cfg.BatchSize)
		if p.engine.metrics != nil {
			p.engine.metrics.QueueDepth.WithLabelValues(string(tier)).Set(
				float64(p.engine.cache.ZCard(ctx, queueKey(tier))))
		}
		if len(popped) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
				continue
			}
		}

		for _, member := range popped {
			if ctx.Err() != nil {
				// Shutting down: put the batch back untouched.
				p.engine.cache.ZAdd(ctx, queueKey(tier), member.Member, member.Score)
				continue
			}
			p.runTask(ctx, tier, member.Member, member.Score)
		}
	}
}

func (p *Processor) runTask(ctx context.Context, tier Tier, member string, score float64) {
	var task Task
	if err := json.Unmarshal([]byte(member), &task); err != nil {
		slog.Warn("scoring: undecodable task dropped", "tier", tier, "error", err)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	var err error
	switch task.Kind {
	case KindDeviceAnalysis:
		p.track(task.ID, true)
		err = p.engine.AnalyzeDevice(taskCtx, task.ID, time.Now())
		p.track(task.ID, false)
	case KindReportProcessing:
		err = p.engine.processReport(taskCtx, task.ID, time.Now())
	default:
		slog.Warn("scoring: unknown task kind dropped", "kind", task.Kind)
		return
	}

	if err == nil {
		if p.engine.metrics != nil {
			p.engine.metrics.DeepAnalysisRuns.WithLabelValues("ok").Inc()
		}
		return
	}

	task.Attempts++
	if task.Attempts >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, task, err)
		return
	}
	retry, marshalErr := json.Marshal(task)
	if marshalErr != nil {
		return
	}
	p.engine.cache.ZAdd(ctx, queueKey(tier), string(retry), score+p.cfg.RetryPenalty)
	if p.engine.metrics != nil {
		p.engine.metrics.DeepAnalysisRuns.WithLabelValues("failed").Inc()
	}
	slog.Warn("scoring: task failed, requeued with penalty",
		"kind", task.Kind, "id", task.ID, "attempt", task.Attempts, "error", err)
}

func (p *Processor) deadLetter(ctx context.Context, task Task, cause error) {
	data, err := json.Marshal(task)
	if err != nil {
		return
	}
	p.engine.cache.LPush(ctx, deadLetterKey, string(data))
	p.engine.cache.LTrim(ctx, deadLetterKey, 0, deadLetterCap-1)
	if p.engine.metrics != nil {
		p.engine.metrics.DeepAnalysisRuns.WithLabelValues("dead_letter").Inc()
	}
	slog.Error("scoring: task moved to dead letter",
		"kind", task.Kind, "id", task.ID, "attempts", task.Attempts, "error", cause)
}

func (p *Processor) track(fingerprintID string, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if active {
		p.inFlight[fingerprintID] = true
	} else {
		delete(p.inFlight, fingerprintID)
	}
}

// Shutdown stops the pools and performs the handshake: in-flight devices
// get their processing flag cleared and a near-term reanalysis scheduled,
// and the processing cache patterns are dropped.
func (p *Processor) Shutdown(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	pending := make([]string, 0, len(p.inFlight))
	for fp := range p.inFlight {
		pending = append(pending, fp)
	}
	p.inFlight = make(map[string]bool)
	p.mu.Unlock()

	now := time.Now()
	for _, fp := range pending {
		if _, err := p.engine.devices.Update(ctx, fp, false, func(d *device.Device) error {
			d.Anomaly.ProcessingInProgress = false
			next := now.Add(5 * time.Minute)
			d.Anomaly.NextScheduledAnalysis = &next
			return nil
		}); err != nil {
			slog.Warn("scoring: shutdown handshake failed for device", "fingerprint", fp, "error", err)
		}
	}

	p.engine.cache.DeletePattern(ctx, "analysis:processing:*")
	p.engine.cache.DeletePattern(ctx, "correlation:*")
	slog.Info("scoring: processor stopped", "reclaimed", len(pending))
}

// processReport runs the async phases of a report: nothing heavier than
// confirming placement today, but the tier pipeline and its failure
// semantics are exercised end to end.
func (e *Engine) processReport(ctx context.Context, reportID string, now time.Time) error {
	r, err := e.reports.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if r.Processing.AllPhasesCompleted {
		return nil
	}
	r.Processing.Overall = "completed"
	r.Processing.AllPhasesCompleted = true
	r.UpdatedAt = now
	if err := e.reports.SaveReport(ctx, r); err != nil {
		if errors.Is(err, report.ErrConflict) {
			return nil // a concurrent moderation write wins; phases rerun later
		}
		return err
	}
	return nil
}
