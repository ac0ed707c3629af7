// Package server exposes the HTTP surface: the webhook receiver, the
// on-demand poll trigger, health, service info and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/jobtrigger/internal/buildinfo"
	"github.com/terrpan/jobtrigger/internal/poller"
)

// shutdownTimeout is the time given for outstanding requests, including
// blocking webhook triggers, to finish before shutdown.
const shutdownTimeout = 10 * time.Second

// PollRunner runs one reconciliation cycle on demand.
type PollRunner interface {
	RunOnce(ctx context.Context) poller.CycleResult
}

// Config holds the handlers to mount.
type Config struct {
	Webhook http.Handler
	Poller  PollRunner
	Health  http.Handler
	Logger  *slog.Logger

	// RequestLogging logs every request with its status and duration.
	RequestLogging bool
}

// Server is the HTTP server.
type Server struct {
	logger *slog.Logger
	server *http.Server
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		logger: cfg.Logger,
		server: &http.Server{
			Handler:           Router(cfg),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Router returns the instrumented handler tree.
func Router(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := mux.NewRouter()

	// Catch panics and return 500s
	r.Use(gorillaHandlers.RecoveryHandler(
		gorillaHandlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
	))

	r.HandleFunc("/", rootHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if cfg.Health != nil {
		r.Handle("/health", cfg.Health).Methods(http.MethodGet)
	}
	if cfg.Webhook != nil {
		r.Handle("/webhook", cfg.Webhook).Methods(http.MethodPost)
	}
	if cfg.Poller != nil {
		r.HandleFunc("/poll", pollHandler(cfg.Poller)).Methods(http.MethodPost)
	}

	if cfg.RequestLogging {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				m := httpsnoop.CaptureMetrics(next, w, r)
				logger.Info("request",
					slog.Int64("duration_ms", m.Duration.Milliseconds()),
					slog.Int("status", m.Code),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
			})
		})
	}

	return otelhttp.NewHandler(r, buildinfo.ServiceName)
}

type pollResponse struct {
	Status string `json:"status"`
	poller.CycleResult
}

func pollHandler(p PollRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := p.RunOnce(r.Context())
		writeJSON(w, http.StatusOK, pollResponse{Status: "poll_completed", CycleResult: res})
	}
}

type rootResponse struct {
	Service     string            `json:"service"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Endpoints   map[string]string `json:"endpoints"`
}

func rootHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Service:     buildinfo.ServiceName,
		Description: "Triggers ephemeral runner executions for queued GitHub Actions jobs",
		Version:     buildinfo.Version,
		Endpoints: map[string]string{
			"/webhook": "POST - GitHub webhook receiver",
			"/poll":    "POST - run one reconciliation cycle",
			"/health":  "GET - health check",
			"/metrics": "GET - Prometheus metrics",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves on ln until ctx is cancelled, then drains outstanding
// requests.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	errch := make(chan error, 1)
	go func() {
		errch <- s.server.Serve(ln)
	}()

	s.logger.Info("started server", slog.String("address", ln.Addr().String()))

	select {
	case err := <-errch:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("gracefully shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return s.server.Close()
		}
		return nil
	}
}
