// Package executor starts one execution of the configured runner job on
// the selected engine.  It bounds every call with a timeout, records
// metrics and converts failures into a nil handle plus a log entry so
// callers never see a platform error.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/jobtrigger/internal/engine"
	"github.com/terrpan/jobtrigger/internal/errs"
)

const (
	// DefaultBlockingTimeout bounds a blocking start, including the wait
	// for platform confirmation.
	DefaultBlockingTimeout = 60 * time.Second

	// DefaultSubmitTimeout bounds a non-blocking submission.
	DefaultSubmitTimeout = 15 * time.Second
)

var errNoHandle = errors.New("engine returned no execution handle")

// Config holds the executor's collaborators and timeouts.
type Config struct {
	Engine          engine.Engine
	Logger          *slog.Logger
	BlockingTimeout time.Duration
	SubmitTimeout   time.Duration
}

// Executor wraps an engine.Engine.
type Executor struct {
	engine          engine.Engine
	logger          *slog.Logger
	blockingTimeout time.Duration
	submitTimeout   time.Duration

	inFlight atomic.Int64

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	executions    metric.Int64Counter
	startDuration metric.Float64Histogram
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.BlockingTimeout <= 0 {
		cfg.BlockingTimeout = DefaultBlockingTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}

	x := &Executor{
		engine:          cfg.Engine,
		logger:          cfg.Logger,
		blockingTimeout: cfg.BlockingTimeout,
		submitTimeout:   cfg.SubmitTimeout,
		tracer:          otel.Tracer("jobtrigger/executor"),
		meter:           otel.Meter("jobtrigger/executor"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	x.executions, err = x.meter.Int64Counter(
		"jobtrigger.executions",
		metric.WithDescription("Execution start attempts by mode and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create executions counter", slog.String("error", err.Error()))
	}

	x.startDuration, err = x.meter.Float64Histogram(
		"jobtrigger.execution.start.duration",
		metric.WithDescription("Time to start an execution (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create startDuration histogram", slog.String("error", err.Error()))
	}

	_, err = x.meter.Int64ObservableGauge(
		"jobtrigger.executions.in_flight",
		metric.WithDescription("Execution starts currently waiting on the platform"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(x.inFlight.Load())
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create in-flight gauge", slog.String("error", err.Error()))
	}

	return x
}

// Target returns the engine's execution resource.
func (x *Executor) Target() string {
	if x.engine == nil {
		return ""
	}
	return x.engine.Target()
}

// Execute starts one execution.  A blocking call returns an
// engine.Confirmed handle; a non-blocking call returns an
// engine.Submitted handle.  Any failure yields nil and is logged.
func (x *Executor) Execute(ctx context.Context, runID string, blocking bool) engine.Handle {
	ctx, span := x.tracer.Start(ctx, "executor.Execute")
	defer span.End()

	mode := "submit"
	timeout := x.submitTimeout
	if blocking {
		mode = "blocking"
		timeout = x.blockingTimeout
	}
	span.SetAttributes(
		attribute.String("trigger.run_id", runID),
		attribute.String("execution.mode", mode),
	)

	log := x.logger.With(slog.String("run_id", runID), slog.String("mode", mode))

	if x.engine == nil {
		err := errs.Configuration("no execution engine configured")
		x.fail(ctx, span, log, mode, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	x.inFlight.Add(1)
	start := time.Now()
	h, err := x.engine.Start(ctx, runID, blocking)
	x.inFlight.Add(-1)

	if x.startDuration != nil {
		x.startDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("mode", mode)))
	}

	if err == nil && h == nil {
		err = errs.Platform(errNoHandle)
	}
	if err != nil {
		if errs.Kind(err) == "unknown" {
			if ctx.Err() != nil {
				err = errs.Network(err)
			} else {
				err = errs.Platform(err)
			}
		}
		x.fail(ctx, span, log, mode, err)
		return nil
	}

	span.SetAttributes(
		attribute.String("execution.id", h.ID()),
		attribute.String("execution.state", h.State()),
	)
	if x.executions != nil {
		x.executions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", h.State()),
		))
	}
	log.Info("execution started",
		slog.String("target", x.engine.Target()),
		slog.String("execution", h.ID()),
		slog.String("state", h.State()),
	)
	return h
}

func (x *Executor) fail(ctx context.Context, span trace.Span, log *slog.Logger, mode string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if x.executions != nil {
		x.executions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", "failed"),
		))
	}
	log.Error("execution start failed",
		slog.String("error_kind", errs.Kind(err)),
		slog.String("error", err.Error()),
	)
}
