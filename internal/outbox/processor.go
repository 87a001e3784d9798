package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/cartloop/notifier/internal/models"
)

// Default sweep configuration. All of it is overridable via ProcessorOpts;
// nothing below is baked into transition logic.
const (
	DefaultPollInterval    = 10 * time.Second
	DefaultRetryInterval   = 30 * time.Second
	DefaultStuckInterval   = time.Hour
	DefaultStuckThreshold  = time.Hour
	DefaultCleanupInterval = 24 * time.Hour
	DefaultBatchSize       = 20
	DefaultWorkerPoolSize  = 8
	DefaultRetentionDays   = 30
)

// EventProcessor is what the processor dispatches claimed events to.
// The notification orchestrator is the production implementation.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev *models.OutboxEvent) ([]models.ChannelResult, error)
}

// Scheduler runs a task repeatedly on a fixed period.
type Scheduler interface {
	RunEvery(interval time.Duration, task func())
}

// ProcessorOpts holds configuration options for the outbox processor.
type ProcessorOpts struct {
	PollInterval    time.Duration
	RetryInterval   time.Duration
	StuckInterval   time.Duration
	StuckThreshold  time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	WorkerPoolSize  int
	RetentionDays   int
	InstanceID      string
}

// ProcessorOption defines a configuration option for the outbox processor.
type ProcessorOption func(*ProcessorOpts)

// WithSweepIntervals sets the periods of the ready, retry, and stuck sweeps.
func WithSweepIntervals(poll, retry, stuck time.Duration) ProcessorOption {
	return func(o *ProcessorOpts) {
		o.PollInterval = poll
		o.RetryInterval = retry
		o.StuckInterval = stuck
	}
}

// WithStuckThreshold sets how long a claim may sit in PROCESSING before the
// stuck sweep assumes the owning worker crashed.
func WithStuckThreshold(d time.Duration) ProcessorOption {
	return func(o *ProcessorOpts) { o.StuckThreshold = d }
}

// WithBatchSize bounds how many records one sweep claims.
func WithBatchSize(n int) ProcessorOption {
	return func(o *ProcessorOpts) { o.BatchSize = n }
}

// WithWorkerPoolSize bounds concurrent provider dispatches.
func WithWorkerPoolSize(n int) ProcessorOption {
	return func(o *ProcessorOpts) { o.WorkerPoolSize = n }
}

// WithRetention sets the cleanup sweep period and retention window.
func WithRetention(interval time.Duration, days int) ProcessorOption {
	return func(o *ProcessorOpts) {
		o.CleanupInterval = interval
		o.RetentionDays = days
	}
}

// WithInstanceID overrides the generated processor instance id.
func WithInstanceID(id string) ProcessorOption {
	return func(o *ProcessorOpts) { o.InstanceID = id }
}

// Processor runs the scheduled sweeps that drive outbox delivery: claiming
// ready and retryable events, dispatching them to the orchestrator on a
// bounded pool, reclaiming stuck claims, and pruning old terminal records.
type Processor struct {
	svc            *Service
	orchestrator   EventProcessor
	instanceID     string
	pollInterval   time.Duration
	retryInterval  time.Duration
	stuckInterval  time.Duration
	stuckThreshold time.Duration
	cleanupEvery   time.Duration
	batchSize      int
	retentionDays  int
	pool           *dispatchPool
}

// NewProcessor creates an outbox processor over the given service and
// orchestrator.
func NewProcessor(svc *Service, orchestrator EventProcessor, opts ...ProcessorOption) *Processor {
	cfg := ProcessorOpts{
		PollInterval:    DefaultPollInterval,
		RetryInterval:   DefaultRetryInterval,
		StuckInterval:   DefaultStuckInterval,
		StuckThreshold:  DefaultStuckThreshold,
		CleanupInterval: DefaultCleanupInterval,
		BatchSize:       DefaultBatchSize,
		WorkerPoolSize:  DefaultWorkerPoolSize,
		RetentionDays:   DefaultRetentionDays,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = generateInstanceID()
	}
	return &Processor{
		svc:            svc,
		orchestrator:   orchestrator,
		instanceID:     cfg.InstanceID,
		pollInterval:   cfg.PollInterval,
		retryInterval:  cfg.RetryInterval,
		stuckInterval:  cfg.StuckInterval,
		stuckThreshold: cfg.StuckThreshold,
		cleanupEvery:   cfg.CleanupInterval,
		batchSize:      cfg.BatchSize,
		retentionDays:  cfg.RetentionDays,
		pool:           newDispatchPool(cfg.WorkerPoolSize),
	}
}

// generateInstanceID builds a claim owner id unique across restarts and
// across horizontally scaled instances.
func generateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

// InstanceID returns the id this processor claims records under.
func (p *Processor) InstanceID() string {
	return p.instanceID
}

// Start registers the sweeps with the scheduler. Each sweep is a short
// scheduled task, not a long-lived loop; overlap is safe because claims are
// version-guarded.
func (p *Processor) Start(ctx context.Context, sched Scheduler) {
	slog.Info("Processor.Start: starting outbox sweeps",
		"instanceID", p.instanceID,
		"pollInterval", p.pollInterval,
		"retryInterval", p.retryInterval,
		"stuckInterval", p.stuckInterval,
		"stuckThreshold", p.stuckThreshold,
		"batchSize", p.batchSize)
	sched.RunEvery(p.pollInterval, func() { p.SweepReady(ctx) })
	sched.RunEvery(p.retryInterval, func() { p.SweepRetries(ctx) })
	sched.RunEvery(p.stuckInterval, func() { p.SweepStuck(ctx) })
	sched.RunEvery(p.cleanupEvery, func() { p.SweepCleanup(ctx) })
}

// Drain blocks until in-flight dispatches finish. Called on shutdown.
func (p *Processor) Drain() {
	p.pool.wait()
}

// SweepReady claims a batch of PENDING events and dispatches them.
func (p *Processor) SweepReady(ctx context.Context) {
	events, err := p.svc.ReadyEvents(ctx, p.batchSize)
	if err != nil {
		slog.Error("Processor.SweepReady: list failed", "error", err)
		return
	}
	p.claimAndDispatch(ctx, events, "ready")
}

// SweepRetries claims FAILED events whose backoff has elapsed and
// dispatches them.
func (p *Processor) SweepRetries(ctx context.Context) {
	events, err := p.svc.DueRetryEvents(ctx, p.batchSize)
	if err != nil {
		slog.Error("Processor.SweepRetries: list failed", "error", err)
		return
	}
	p.claimAndDispatch(ctx, events, "retry")
}

// SweepStuck resets PROCESSING events whose claim expired back to PENDING.
// This is the crash-recovery path for at-least-once delivery; only this
// sweep ever touches PROCESSING records.
func (p *Processor) SweepStuck(ctx context.Context) {
	events, err := p.svc.StuckEvents(ctx, p.stuckThreshold, p.batchSize)
	if err != nil {
		slog.Error("Processor.SweepStuck: list failed", "error", err)
		return
	}
	reclaimed := 0
	for i := range events {
		ok, err := p.svc.ReclaimStuck(ctx, &events[i])
		if err != nil {
			slog.Error("Processor.SweepStuck: reclaim failed", "id", events[i].ID, "error", err)
			continue
		}
		if ok {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		slog.Info("Processor.SweepStuck: reclaimed stuck events", "count", reclaimed)
	}
}

// SweepCleanup prunes terminal records older than the retention window.
func (p *Processor) SweepCleanup(ctx context.Context) {
	n, err := p.svc.CleanupOlderThan(ctx, p.retentionDays)
	if err != nil {
		slog.Error("Processor.SweepCleanup: cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Processor.SweepCleanup: pruned terminal events", "count", n, "retentionDays", p.retentionDays)
	}
}

func (p *Processor) claimAndDispatch(ctx context.Context, events []models.OutboxEvent, sweep string) {
	for i := range events {
		ev := events[i]
		claimed, err := p.svc.ClaimForProcessing(ctx, ev.ID, p.instanceID)
		if err != nil {
			slog.Error("Processor.claimAndDispatch: claim failed", "sweep", sweep, "id", ev.ID, "error", err)
			continue
		}
		if !claimed {
			// Another instance won the version race; a later sweep picks
			// up whatever is left.
			continue
		}
		slog.Debug("Processor.claimAndDispatch: claimed event", "sweep", sweep, "id", ev.ID, "eventType", ev.EventType)
		p.pool.submit(func() { p.processClaimed(ctx, ev.ID) })
	}
}

func (p *Processor) processClaimed(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic during dispatch: %v", r)
			slog.Error("Processor.processClaimed: recovered panic", "id", id, "panic", r)
			if err := p.svc.MarkFailed(ctx, id, msg, string(debug.Stack())); err != nil {
				slog.Error("Processor.processClaimed: mark failed error after panic", "id", id, "error", err)
			}
		}
	}()

	ev, err := p.svc.GetEvent(ctx, id)
	if err != nil {
		slog.Error("Processor.processClaimed: reload failed", "id", id, "error", err)
		return
	}

	results, err := p.orchestrator.ProcessEvent(ctx, ev)
	if err != nil {
		if models.IsConfigError(err) {
			slog.Warn("Processor.processClaimed: configuration error", "id", id, "error", err)
			if err := p.svc.MarkFailedPermanent(ctx, id, err.Error()); err != nil {
				slog.Error("Processor.processClaimed: mark permanent failure error", "id", id, "error", err)
			}
			return
		}
		slog.Error("Processor.processClaimed: delivery failed", "id", id, "error", err)
		if err := p.svc.MarkFailed(ctx, id, err.Error(), ""); err != nil {
			slog.Error("Processor.processClaimed: mark failed error", "id", id, "error", err)
		}
		return
	}

	if err := p.svc.MarkCompleted(ctx, id); err != nil {
		slog.Error("Processor.processClaimed: mark completed error", "id", id, "error", err)
		return
	}
	slog.Debug("Processor.processClaimed: event delivered", "id", id, "channels", len(results))
}
