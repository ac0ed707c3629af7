// Package trigger is the single step both signal paths share: atomically
// claim a queued job in the ledger, then start one execution for it.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/jobtrigger/internal/engine"
	"github.com/terrpan/jobtrigger/internal/job"
	"github.com/terrpan/jobtrigger/internal/ledger"
	"github.com/terrpan/jobtrigger/internal/notify"
)

// DefaultCooldown is the window during which a triggered job id is not
// triggered again.
const DefaultCooldown = 300 * time.Second

const notifyTimeout = 10 * time.Second

// Source names the signal path that reported a job.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// Outcome is the result of one Dispatch.
type Outcome string

const (
	// Triggered means the job was claimed and an execution started.
	Triggered Outcome = "triggered"
	// AlreadyTriggered means the job was claimed within the cooldown
	// window by an earlier dispatch.
	AlreadyTriggered Outcome = "already_triggered"
	// Failed means the job was claimed but the execution did not start.
	// The claim is kept.
	Failed Outcome = "failed"
)

// Result describes one Dispatch.
type Result struct {
	Outcome Outcome
	RunID   string
	// Handle is set when Outcome is Triggered.
	Handle engine.Handle
}

// Executor starts one execution.
type Executor interface {
	Execute(ctx context.Context, runID string, blocking bool) engine.Handle
}

// Config holds the Dispatcher's collaborators.
type Config struct {
	Ledger   *ledger.Ledger
	Executor Executor
	Cooldown time.Duration
	// Notifier is optional.
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// Dispatcher triggers queued jobs at most once per cooldown window.
type Dispatcher struct {
	ledger   *ledger.Ledger
	executor Executor
	cooldown time.Duration
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	pending sync.WaitGroup

	tracer   trace.Tracer
	triggers metric.Int64Counter
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &Dispatcher{
		ledger:   cfg.Ledger,
		executor: cfg.Executor,
		cooldown: cfg.Cooldown,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      cfg.Now,
		tracer:   otel.Tracer("jobtrigger/trigger"),
	}

	var err error
	d.triggers, err = otel.Meter("jobtrigger/trigger").Int64Counter(
		"jobtrigger.triggers",
		metric.WithDescription("Trigger decisions by source and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create triggers counter", slog.String("error", err.Error()))
	}
	return d
}

// Cooldown returns the configured cooldown window.
func (d *Dispatcher) Cooldown() time.Duration { return d.cooldown }

// Dispatch claims q in the ledger and, if the claim succeeds, starts one
// execution.  blocking selects a confirmed or a submitted execution.
func (d *Dispatcher) Dispatch(ctx context.Context, q job.Queued, src Source, runID string, blocking bool) Result {
	ctx, span := d.tracer.Start(ctx, "trigger.Dispatch")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("job.id", q.ID),
		attribute.String("job.repo", q.Repo),
		attribute.String("trigger.source", string(src)),
		attribute.String("trigger.run_id", runID),
	)

	log := d.logger.With(
		slog.Int64("job_id", q.ID),
		slog.String("job_name", q.Name),
		slog.String("source", string(src)),
		slog.String("run_id", runID),
	)

	res := Result{RunID: runID}

	if !d.ledger.CheckAndMark(q.ID, d.cooldown) {
		res.Outcome = AlreadyTriggered
		log.Info("job already triggered, skipping")
		d.record(ctx, span, src, res)
		return res
	}

	log.Info("triggering execution", slog.String("repo", q.Repo))
	res.Handle = d.executor.Execute(ctx, runID, blocking)
	if res.Handle == nil {
		res.Outcome = Failed
		log.Warn("trigger failed, job stays claimed until cooldown expires")
	} else {
		res.Outcome = Triggered
	}

	d.record(ctx, span, src, res)
	d.notify(ctx, q, src, res)
	return res
}

func (d *Dispatcher) record(ctx context.Context, span trace.Span, src Source, res Result) {
	span.SetAttributes(attribute.String("trigger.outcome", string(res.Outcome)))
	if d.triggers != nil {
		d.triggers.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", string(src)),
			attribute.String("outcome", string(res.Outcome)),
		))
	}
}

func (d *Dispatcher) notify(ctx context.Context, q job.Queued, src Source, res Result) {
	if d.notifier == nil {
		return
	}
	e := notify.Event{
		JobID:   q.ID,
		JobName: q.Name,
		Repo:    q.Repo,
		RunID:   res.RunID,
		Source:  string(src),
		Outcome: string(res.Outcome),
		Time:    d.now().UTC(),
	}
	if res.Handle != nil {
		e.Execution = res.Handle.ID()
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, e); err != nil {
			d.logger.Warn("failed to publish trigger event",
				slog.Int64("job_id", q.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until pending trigger events have been published.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// WebhookRunID builds the run id for a job reported by a webhook
// delivery.
func WebhookRunID(jobID int64, deliveryID string) string {
	if deliveryID == "" {
		deliveryID = "unknown"
	}
	if len(deliveryID) > 8 {
		deliveryID = deliveryID[:8]
	}
	return fmt.Sprintf("%d-%s", jobID, deliveryID)
}

// PollRunID builds a unique run id for a job found by polling.
func PollRunID(jobID int64) string {
	return fmt.Sprintf("%d-poll-%s", jobID, uuid.NewString()[:8])
}
