// Package webhook receives GitHub workflow_job deliveries and triggers a
// runner execution, synchronously, for every queued job this instance is
// responsible for.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v65/github"

	"github.com/terrpan/jobtrigger/internal/errs"
	"github.com/terrpan/jobtrigger/internal/job"
	"github.com/terrpan/jobtrigger/internal/labels"
	"github.com/terrpan/jobtrigger/internal/signature"
	"github.com/terrpan/jobtrigger/internal/trigger"
)

const (
	eventWorkflowJob = "workflow_job"
	actionQueued     = "queued"

	// GitHub caps webhook payloads at 25 MB.
	maxBodyBytes = 25 << 20
)

// Dispatcher claims and triggers one job.
type Dispatcher interface {
	Dispatch(ctx context.Context, q job.Queued, src trigger.Source, runID string, blocking bool) trigger.Result
}

// Config holds the handler's collaborators.
type Config struct {
	Verifier   *signature.Verifier
	Labels     []string
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Handler serves POST /webhook.
type Handler struct {
	verifier   *signature.Verifier
	labels     []string
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates a Handler.  It logs a warning when no webhook secret is
// configured.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = signature.NewVerifier("")
	}
	if cfg.Labels == nil {
		cfg.Labels = []string{}
	}
	if !cfg.Verifier.Enabled() {
		cfg.Logger.Warn("no webhook secret configured, signatures will not be verified")
	}
	return &Handler{
		verifier:   cfg.Verifier,
		labels:     cfg.Labels,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
	}
}

type labelEcho struct {
	JobLabels      []string `json:"job_labels"`
	RequiredLabels []string `json:"required_labels"`
}

type response struct {
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Action    string `json:"action,omitempty"`
	JobID     *int64 `json:"job_id,omitempty"`
	Execution string `json:"execution,omitempty"`
	Error     string `json:"error,omitempty"`
	*labelEcho
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, response{Error: "Invalid request body"})
		return
	}

	if !h.verifier.Verify(body, r.Header.Get(github.SHA256SignatureHeader)) {
		h.logger.Warn("invalid webhook signature", slog.String("error_kind", "validation"))
		writeJSON(w, http.StatusUnauthorized, response{Error: "Invalid signature"})
		return
	}
	if !h.verifier.Enabled() {
		h.logger.Warn("accepting unverified webhook delivery")
	}

	event := github.WebHookType(r)
	delivery := github.DeliveryID(r)
	if delivery == "" {
		delivery = "unknown"
	}
	log := h.logger.With(slog.String("event", event), slog.String("delivery", delivery))
	log.Info("received webhook")

	if event != eventWorkflowJob {
		log.Debug("ignoring event type")
		writeJSON(w, http.StatusOK, response{
			Status: "ignored",
			Reason: fmt.Sprintf("event type %s not handled", event),
		})
		return
	}

	q, action, err := parse(body, delivery)
	if err != nil {
		log.Warn("failed to parse payload",
			slog.String("error_kind", errs.Kind(err)),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, response{Error: "Invalid JSON payload"})
		return
	}

	log = log.With(slog.Int64("job_id", q.ID), slog.String("action", action))
	log.Info("workflow_job event",
		slog.String("job_name", q.Name),
		slog.String("repo", q.Repo),
		slog.Any("labels", q.Labels),
	)

	if action != actionQueued {
		log.Debug("ignoring action")
		res := response{
			Status: "ignored",
			Reason: fmt.Sprintf("action %s not handled", action),
		}
		if q.ID != 0 {
			res.JobID = &q.ID
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if q.ID == 0 {
		log.Warn("queued event without a job id", slog.String("error_kind", "validation"))
		writeJSON(w, http.StatusBadRequest, response{Error: "Invalid JSON payload"})
		return
	}

	if !labels.Match(q.Labels, h.labels) {
		log.Info("job labels do not match required labels",
			slog.Any("job_labels", q.Labels),
			slog.Any("required_labels", h.labels),
		)
		writeJSON(w, http.StatusOK, response{
			Status:    "ignored",
			Reason:    "labels do not match",
			JobID:     &q.ID,
			labelEcho: &labelEcho{JobLabels: q.Labels, RequiredLabels: h.labels},
		})
		return
	}

	res := h.dispatcher.Dispatch(r.Context(), q, trigger.SourceWebhook, trigger.WebhookRunID(q.ID, delivery), true)
	switch res.Outcome {
	case trigger.AlreadyTriggered:
		writeJSON(w, http.StatusOK, response{
			Status: "skipped",
			Reason: "already triggered",
			JobID:  &q.ID,
		})
	case trigger.Triggered:
		log.Info("runner execution started", slog.String("execution", res.Handle.ID()))
		writeJSON(w, http.StatusOK, response{
			Status:    "processed",
			Action:    action,
			JobID:     &q.ID,
			Execution: res.Handle.ID(),
		})
	default:
		log.Error("failed to start runner for workflow job")
		writeJSON(w, http.StatusInternalServerError, response{
			Status: "error",
			Error:  "Failed to execute runner job",
			JobID:  &q.ID,
		})
	}
}

var errNotWorkflowJob = errors.New("payload is not a workflow_job event")

func parse(body []byte, delivery string) (job.Queued, string, error) {
	raw, err := github.ParseWebHook(eventWorkflowJob, body)
	if err != nil {
		return job.Queued{}, "", errs.Validation(err)
	}
	ev, ok := raw.(*github.WorkflowJobEvent)
	if !ok {
		return job.Queued{}, "", errs.Validation(errNotWorkflowJob)
	}

	// A missing workflow_job yields ID 0; only queued events need one.
	wj := ev.GetWorkflowJob()
	jobLabels := []string{}
	if wj != nil && wj.Labels != nil {
		jobLabels = wj.Labels
	}
	name := wj.GetName()
	if name == "" {
		name = "unknown"
	}
	return job.Queued{
		ID:         wj.GetID(),
		Name:       name,
		Repo:       ev.GetRepo().GetFullName(),
		RunID:      wj.GetRunID(),
		Labels:     jobLabels,
		DeliveryID: delivery,
	}, ev.GetAction(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
