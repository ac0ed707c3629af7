// Package poller periodically reconciles the job source against the
// trigger ledger: every queued job that carries the required labels and
// has not been triggered recently is triggered in non-blocking mode.
//
// The poller is the only recovery path for lost webhook deliveries, so a
// failing cycle is logged and retried at the next interval forever.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/jobtrigger/internal/errs"
	"github.com/terrpan/jobtrigger/internal/job"
	"github.com/terrpan/jobtrigger/internal/labels"
	"github.com/terrpan/jobtrigger/internal/trigger"
)

const (
	// DefaultInterval is the time between cycles.
	DefaultInterval = 60 * time.Second

	// DefaultMaxTriggers caps trigger attempts per cycle.
	DefaultMaxTriggers = 10
)

// TokenSource yields a bearer token for the job-source API.
type TokenSource interface {
	InstallationToken(ctx context.Context) (string, error)
}

// JobLister enumerates queued jobs visible to a token.
type JobLister interface {
	ListQueuedJobs(ctx context.Context, token string) ([]job.Queued, error)
}

// Dispatcher claims and triggers one job.
type Dispatcher interface {
	Dispatch(ctx context.Context, q job.Queued, src trigger.Source, runID string, blocking bool) trigger.Result
}

// Config holds poller settings and collaborators.
type Config struct {
	// Interval is how often a cycle runs.  Default: 60s.
	Interval time.Duration

	// MaxTriggers is the maximum number of trigger attempts per cycle.
	// Remaining jobs are left for the next cycle.  Default: 10.
	MaxTriggers int

	// Labels is the set every job must carry.
	Labels []string

	Tokens     TokenSource
	Lister     JobLister
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Found     int    `json:"found"`
	Matched   int    `json:"matched"`
	Triggered int    `json:"triggered"`
	Skipped   int    `json:"skipped"`
	Deferred  int    `json:"deferred"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Poller runs reconciliation cycles.
type Poller struct {
	interval    time.Duration
	maxTriggers int
	labels      []string
	tokens      TokenSource
	lister      JobLister
	dispatcher  Dispatcher
	logger      *slog.Logger

	// cycleMu serializes cycles between Run and on-demand RunOnce calls.
	cycleMu sync.Mutex

	tracer        trace.Tracer
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// New creates a Poller.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxTriggers <= 0 {
		cfg.MaxTriggers = DefaultMaxTriggers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Poller{
		interval:    cfg.Interval,
		maxTriggers: cfg.MaxTriggers,
		labels:      cfg.Labels,
		tokens:      cfg.Tokens,
		lister:      cfg.Lister,
		dispatcher:  cfg.Dispatcher,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("jobtrigger/poller"),
	}

	meter := otel.Meter("jobtrigger/poller")
	var err error
	p.cycles, err = meter.Int64Counter(
		"jobtrigger.poll.cycles",
		metric.WithDescription("Completed poll cycles by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cycles counter", slog.String("error", err.Error()))
	}
	p.cycleDuration, err = meter.Float64Histogram(
		"jobtrigger.poll.cycle.duration",
		metric.WithDescription("Duration of a poll cycle (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cycleDuration histogram", slog.String("error", err.Error()))
	}
	return p
}

// Interval returns the time between cycles.
func (p *Poller) Interval() time.Duration { return p.interval }

// Run runs a cycle immediately and then every interval until ctx is
// cancelled.  It never returns early because of a failed cycle.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started",
		slog.Duration("interval", p.interval),
		slog.Int("max_triggers", p.maxTriggers),
	)

	p.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce runs one reconciliation cycle.  Concurrent callers wait for
// the cycle in progress to finish before starting their own.
func (p *Poller) RunOnce(ctx context.Context) CycleResult {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx, span := p.tracer.Start(ctx, "poller.RunOnce")
	defer span.End()

	start := time.Now()
	res := p.cycle(ctx)

	span.SetAttributes(
		attribute.Int("poll.found", res.Found),
		attribute.Int("poll.matched", res.Matched),
		attribute.Int("poll.triggered", res.Triggered),
		attribute.Int("poll.deferred", res.Deferred),
	)
	result := "ok"
	if res.Error != "" {
		result = "aborted"
		span.SetStatus(codes.Error, res.Error)
	}
	if p.cycles != nil {
		p.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if p.cycleDuration != nil {
		p.cycleDuration.Record(ctx, time.Since(start).Seconds())
	}
	return res
}

func (p *Poller) cycle(ctx context.Context) CycleResult {
	var res CycleResult

	token, err := p.tokens.InstallationToken(ctx)
	if err != nil {
		p.abort(&res, "credential exchange failed", err)
		return res
	}

	jobs, err := p.lister.ListQueuedJobs(ctx, token)
	if err != nil {
		p.abort(&res, "listing queued jobs failed", err)
		return res
	}
	res.Found = len(jobs)

	attempts := 0
	for _, q := range jobs {
		if !labels.Match(q.Labels, p.labels) {
			continue
		}
		res.Matched++

		if attempts >= p.maxTriggers {
			res.Deferred++
			continue
		}
		if ctx.Err() != nil {
			res.Deferred++
			continue
		}

		r := p.dispatcher.Dispatch(ctx, q, trigger.SourcePoll, trigger.PollRunID(q.ID), false)
		switch r.Outcome {
		case trigger.AlreadyTriggered:
			res.Skipped++
		case trigger.Triggered:
			attempts++
			res.Triggered++
		case trigger.Failed:
			attempts++
			res.Failed++
		}
	}

	if res.Matched > 0 || res.Deferred > 0 {
		p.logger.Info("poll cycle completed",
			slog.Int("found", res.Found),
			slog.Int("matched", res.Matched),
			slog.Int("triggered", res.Triggered),
			slog.Int("skipped", res.Skipped),
			slog.Int("deferred", res.Deferred),
			slog.Int("failed", res.Failed),
		)
	} else {
		p.logger.Debug("poll cycle completed, no matching queued jobs", slog.Int("found", res.Found))
	}
	return res
}

func (p *Poller) abort(res *CycleResult, msg string, err error) {
	res.Error = err.Error()
	p.logger.Error(msg+", skipping cycle",
		slog.String("error_kind", errs.Kind(err)),
		slog.String("error", err.Error()),
	)
}
