//go:build integration

package docker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/jobtrigger/internal/engine"
)

// DockerIntegrationSuite runs the engine against a real Docker daemon.
// Gated behind the "integration" build tag:
//
//	go test ./internal/engine/docker/ -tags integration -v
type DockerIntegrationSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client
	engine *Engine
}

func TestDockerIntegrationSuite(t *testing.T) {
	suite.Run(t, new(DockerIntegrationSuite))
}

func (s *DockerIntegrationSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	_, err = cli.Ping(context.Background())
	require.NoError(s.T(), err, "Docker daemon must be reachable")

	// alpine's default command exits immediately, which exercises AutoRemove.
	s.engine, err = New(context.Background(), Config{Image: "alpine:latest"}, s.logger)
	require.NoError(s.T(), err)
}

func (s *DockerIntegrationSuite) TearDownSuite() {
	if s.engine != nil {
		s.engine.Close()
	}
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *DockerIntegrationSuite) TearDownTest() {
	s.cancel()
}

func (s *DockerIntegrationSuite) TestBlockingStartConfirmsAndAutoRemoves() {
	h, err := s.engine.Start(s.ctx, "it-blocking", true)
	s.Require().NoError(err)

	confirmed, ok := h.(engine.Confirmed)
	s.Require().True(ok)
	s.NotEmpty(confirmed.ExecutionID)

	s.Eventually(func() bool {
		_, err := s.docker.ContainerInspect(s.ctx, confirmed.ExecutionID)
		return err != nil
	}, 30*time.Second, 250*time.Millisecond, "container should be auto-removed after exit")
}

func (s *DockerIntegrationSuite) TestNonBlockingStartReturnsPlaceholder() {
	h, err := s.engine.Start(s.ctx, "it-submitted", false)
	s.Require().NoError(err)
	_, ok := h.(engine.Submitted)
	s.True(ok, "expected submitted handle, got %T", h)
}
