// Package cloudrun implements the engine.Engine interface with Cloud Run
// Jobs: every Start runs one execution of a pre-deployed runner job.
//
// Authentication uses Application Default Credentials (ADC).
package cloudrun

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	run "cloud.google.com/go/run/apiv2"
	runpb "cloud.google.com/go/run/apiv2/runpb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/jobtrigger/internal/engine"
	"github.com/terrpan/jobtrigger/internal/errs"
)

// RunIDEnv is the container environment variable carrying the run id.
const RunIDEnv = "TRIGGER_RUN_ID"

// Config holds Cloud Run specific settings.
type Config struct {
	// Project is the GCP project ID hosting the job.
	Project string
	// Region is the Cloud Run region.  Default: "us-central1".
	Region string
	// Job is the Cloud Run job name.  Default: "github-runner".
	Job string
	// PollInterval is how often a blocking Start re-reads the operation
	// while waiting for the execution to be created.  Default: 500ms.
	PollInterval time.Duration
}

// jobsAPI is the subset of run.JobsClient the engine uses.
type jobsAPI interface {
	RunJob(ctx context.Context, req *runpb.RunJobRequest) (runOperation, error)
	Close() error
}

// runOperation is the subset of run.RunJobOperation the engine uses.
type runOperation interface {
	Metadata() (*runpb.Execution, error)
	Poll(ctx context.Context, opts ...gax.CallOption) (*runpb.Execution, error)
	Done() bool
	Name() string
}

type jobsClient struct {
	c *run.JobsClient
}

func (j jobsClient) RunJob(ctx context.Context, req *runpb.RunJobRequest) (runOperation, error) {
	op, err := j.c.RunJob(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (j jobsClient) Close() error { return j.c.Close() }

// Engine starts Cloud Run job executions.
type Engine struct {
	client jobsAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Cloud Run engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := run.NewJobsClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud run jobs client: %w", err)
	}
	e := newEngine(jobsClient{c: client}, cfg, logger)

	logger.Info("cloud run engine initialized",
		slog.String("project", e.cfg.Project),
		slog.String("region", e.cfg.Region),
		slog.String("job", e.cfg.Job),
	)
	return e, nil
}

func newEngine(client jobsAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Region == "" {
		cfg.Region = "us-central1"
	}
	if cfg.Job == "" {
		cfg.Job = "github-runner"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("jobtrigger/engine/cloudrun"),
	}
}

// Target returns the fully qualified job resource name.
func (e *Engine) Target() string {
	return fmt.Sprintf("projects/%s/locations/%s/jobs/%s", e.cfg.Project, e.cfg.Region, e.cfg.Job)
}

// Start runs one execution of the configured job.  A blocking Start returns
// once Cloud Run has created the execution resource and assigned its name.
func (e *Engine) Start(ctx context.Context, runID string, wait bool) (engine.Handle, error) {
	ctx, span := e.tracer.Start(ctx, "engine.cloudrun.Start")
	defer span.End()

	if e.cfg.Project == "" {
		return nil, errs.Configuration("gcp project id is not set")
	}

	name := e.Target()
	span.SetAttributes(
		attribute.String("cloudrun.job", name),
		attribute.String("trigger.run_id", runID),
		attribute.Bool("trigger.wait", wait),
	)

	e.logger.Info("running job", slog.String("job", name), slog.String("runID", runID))

	op, err := e.client.RunJob(ctx, &runpb.RunJobRequest{
		Name: name,
		Overrides: &runpb.RunJobRequest_Overrides{
			ContainerOverrides: []*runpb.RunJobRequest_Overrides_ContainerOverride{{
				Env: []*runpb.EnvVar{{
					Name:   RunIDEnv,
					Values: &runpb.EnvVar_Value{Value: runID},
				}},
			}},
		},
	})
	if err != nil {
		return nil, errs.Platform(fmt.Errorf("run job %s: %w", name, err))
	}

	if !wait {
		span.AddEvent("submission acknowledged")
		return engine.NewSubmitted(runID), nil
	}

	span.AddEvent("waiting for execution")
	execution, err := e.awaitExecution(ctx, op)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("cloudrun.execution", execution))
	e.logger.Info("job execution started",
		slog.String("execution", execution),
		slog.String("runID", runID),
	)
	return engine.Confirmed{ExecutionID: execution}, nil
}

// awaitExecution polls op until its metadata names the execution.
func (e *Engine) awaitExecution(ctx context.Context, op runOperation) (string, error) {
	for {
		if md, err := op.Metadata(); err == nil && md.GetName() != "" {
			return md.GetName(), nil
		}
		if op.Done() {
			return "", errs.Platform(fmt.Errorf("operation %s finished without an execution", op.Name()))
		}

		select {
		case <-ctx.Done():
			return "", errs.Network(fmt.Errorf("waiting for execution of %s: %w", op.Name(), ctx.Err()))
		case <-time.After(e.cfg.PollInterval):
		}

		if _, err := op.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return "", errs.Network(fmt.Errorf("waiting for execution of %s: %w", op.Name(), ctx.Err()))
			}
			return "", errs.Platform(fmt.Errorf("polling operation %s: %w", op.Name(), err))
		}
	}
}

// Close closes the Cloud Run client.
func (e *Engine) Close() error {
	return e.client.Close()
}
