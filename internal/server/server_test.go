package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/jobtrigger/internal/poller"
)

type mockPoller struct {
	mu    sync.Mutex
	calls int
}

func (m *mockPoller) RunOnce(context.Context) poller.CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return poller.CycleResult{Found: 12, Matched: 12, Triggered: 10, Deferred: 2}
}

type ServerSuite struct {
	suite.Suite
	poller  *mockPoller
	webhook http.HandlerFunc
	handler http.Handler
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.poller = &mockPoller{}
	s.webhook = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}
	s.handler = Router(Config{
		Webhook: s.webhook,
		Poller:  s.poller,
		Health: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		RequestLogging: true,
	})
}

func (s *ServerSuite) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func (s *ServerSuite) TestPollRunsOneCycle() {
	w := s.do(http.MethodPost, "/poll")

	s.Equal(http.StatusOK, w.Code)
	var resp map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("poll_completed", resp["status"])
	s.Equal(float64(10), resp["triggered"])
	s.Equal(float64(2), resp["deferred"])
	s.NotContains(resp, "error")
	s.Equal(1, s.poller.calls)
}

func (s *ServerSuite) TestRoutes() {
	s.Equal(http.StatusAccepted, s.do(http.MethodPost, "/webhook").Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/health").Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/metrics").Code)
}

func (s *ServerSuite) TestMethodNotAllowed() {
	s.Equal(http.StatusMethodNotAllowed, s.do(http.MethodGet, "/webhook").Code)
	s.Equal(http.StatusMethodNotAllowed, s.do(http.MethodGet, "/poll").Code)
	s.Zero(s.poller.calls)
}

func (s *ServerSuite) TestRoot() {
	w := s.do(http.MethodGet, "/")

	s.Equal(http.StatusOK, w.Code)
	var resp rootResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("jobtrigger", resp.Service)
	s.Contains(resp.Endpoints, "/webhook")
	s.Contains(resp.Endpoints, "/poll")
}

func (s *ServerSuite) TestPanicRecovered() {
	h := Router(Config{
		Webhook: http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", nil))
	s.Equal(http.StatusInternalServerError, w.Code)
}

func TestStartStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
