// Package docker implements the engine.Engine interface using the local
// Docker daemon.  Each Start launches one auto-removed runner container
// from a pre-built image; the container registers itself with GitHub,
// services one job and exits.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/jobtrigger/internal/engine"
	"github.com/terrpan/jobtrigger/internal/errs"
)

// RunIDEnv is the container environment variable carrying the run id.
const RunIDEnv = "TRIGGER_RUN_ID"

// DefaultImage is used when Config.Image is empty.
const DefaultImage = "ghcr.io/actions/actions-runner:latest"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for runners.
	Image string

	// Dind bind-mounts the host's Docker socket into each runner
	// container so workflows can run docker commands.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.
	Dind bool
}

// containerAPI is the subset of the daemon client the engine uses.
type containerAPI interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Close() error
}

type daemonClient struct {
	c *dockerclient.Client
}

func (d daemonClient) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := d.c.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d daemonClient) Start(ctx context.Context, id string) error {
	return d.c.ContainerStart(ctx, id, container.StartOptions{})
}

func (d daemonClient) Remove(ctx context.Context, id string) error {
	return d.c.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (d daemonClient) Close() error { return d.c.Close() }

// Engine starts runner executions as Docker containers.
type Engine struct {
	client containerAPI
	image  string
	dind   bool
	logger *slog.Logger
	tracer trace.Tracer

	// pending tracks background starts for non-blocking requests.
	pending sync.WaitGroup
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New connects to the daemon and pulls the runner image so it is
// available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	e := newEngine(daemonClient{c: client}, cfg, logger)

	logger.Info("pulling runner image", slog.String("image", e.image))
	pull, err := client.ImagePull(ctx, e.image, image.PullOptions{})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("image pull %s: %w", e.image, err)
	}
	defer pull.Close()
	if _, err := io.Copy(io.Discard, pull); err != nil {
		client.Close()
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}

	logger.Info("runner image ready", slog.String("image", e.image))
	return e, nil
}

func newEngine(client containerAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	return &Engine{
		client: client,
		image:  cfg.Image,
		dind:   cfg.Dind,
		logger: logger,
		tracer: otel.Tracer("jobtrigger/engine/docker"),
	}
}

// Target names the image runner containers are created from.
func (e *Engine) Target() string {
	return "docker://" + e.image
}

// Start creates a runner container.  A blocking Start also starts it and
// returns the container id; a non-blocking Start returns as soon as the
// container exists and starts it in the background.
func (e *Engine) Start(ctx context.Context, runID string, wait bool) (engine.Handle, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Start")
	defer span.End()

	name := "runner-" + runID
	span.SetAttributes(
		attribute.String("runner.name", name),
		attribute.String("trigger.run_id", runID),
		attribute.String("docker.image", e.image),
	)

	cfg, host := e.containerSpec(runID)
	id, err := e.client.Create(ctx, cfg, host, name)
	if err != nil {
		return nil, errs.Platform(fmt.Errorf("container create %s: %w", name, err))
	}

	if !wait {
		e.pending.Add(1)
		go func() {
			defer e.pending.Done()
			// Detached from the request so the start outlives it.
			if err := e.start(context.WithoutCancel(ctx), name, id); err != nil {
				e.logger.Error("background container start failed",
					slog.String("name", name),
					slog.String("error", err.Error()),
				)
			}
		}()
		return engine.NewSubmitted(runID), nil
	}

	if err := e.start(ctx, name, id); err != nil {
		return nil, errs.Platform(err)
	}
	return engine.Confirmed{ExecutionID: id}, nil
}

func (e *Engine) start(ctx context.Context, name, id string) error {
	if err := e.client.Start(ctx, id); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.Remove(ctx, id)
		return fmt.Errorf("container start %s: %w", name, err)
	}
	e.logger.Info("runner container started",
		slog.String("name", name),
		slog.String("container_id", id),
	)
	return nil
}

func (e *Engine) containerSpec(runID string) (*container.Config, *container.HostConfig) {
	env := []string{RunIDEnv + "=" + runID}
	host := &container.HostConfig{AutoRemove: true}

	// With DinD the runner runs as root; only the socket owner can
	// write to it on Docker Desktop.
	user := ""
	if e.dind {
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		host.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
	}

	return &container.Config{
		Image:  e.image,
		User:   user,
		Env:    env,
		Labels: map[string]string{"managed-by": "jobtrigger", "jobtrigger.run-id": runID},
	}, host
}

// Close waits for background starts and closes the daemon client.
func (e *Engine) Close() error {
	e.pending.Wait()
	return e.client.Close()
}
