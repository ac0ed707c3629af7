// Package source enumerates queued workflow jobs visible to the GitHub App
// installation.
//
// There is no "list queued jobs" endpoint, so enumeration fans out:
// repositories, then queued workflow runs per repository, then jobs per
// run.  Every listing is paginated to the end and each call carries its own
// timeout.  A failing repository or run is logged and skipped.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v65/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/jobtrigger/internal/errs"
	"github.com/terrpan/jobtrigger/internal/ghclient"
	"github.com/terrpan/jobtrigger/internal/job"
)

const (
	statusQueued   = "queued"
	defaultPerPage = 100
)

// Config configures a Lister.
type Config struct {
	// BaseURL is the GitHub REST endpoint.  Default: ghclient.DefaultBaseURL.
	BaseURL string
	// Org restricts enumeration to one organization's repositories.  When
	// empty every repository granted to the installation is listed.
	Org string
	// HTTPClient performs the calls.  Default: ghclient.NewHTTPClient.
	HTTPClient *http.Client
	// CallTimeout bounds each listing call.  Default: 10s.
	CallTimeout time.Duration
	// PerPage is the page size for every listing.  Default: 100.
	PerPage int
	Logger  *slog.Logger
}

// Lister enumerates queued jobs.
type Lister struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Lister.
func New(cfg Config) *Lister {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = ghclient.NewHTTPClient(ghclient.HTTPConfig{Logger: cfg.Logger})
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = ghclient.DefaultTimeout
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Lister{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("jobtrigger/source"),
	}
}

type repoRef struct {
	owner, name string
}

func (r repoRef) String() string { return r.owner + "/" + r.name }

// ListQueuedJobs returns every queued job across every visible repository,
// in enumeration order.  Only a failure to list repositories is returned as
// an error.
func (l *Lister) ListQueuedJobs(ctx context.Context, token string) ([]job.Queued, error) {
	ctx, span := l.tracer.Start(ctx, "source.ListQueuedJobs")
	defer span.End()

	client, err := ghclient.New(l.cfg.HTTPClient, l.cfg.BaseURL, token)
	if err != nil {
		return nil, errs.Configuration("%v", err)
	}

	repos, err := l.listRepos(ctx, client)
	if err != nil {
		return nil, errs.Network(fmt.Errorf("listing repositories: %w", err))
	}
	span.SetAttributes(attribute.Int("source.repos", len(repos)))

	var queued []job.Queued
	for _, repo := range repos {
		if ctx.Err() != nil {
			return queued, ctx.Err()
		}

		runs, err := l.listQueuedRuns(ctx, client, repo)
		if err != nil {
			l.logger.Warn("skipping repository: listing queued runs failed",
				slog.String("repo", repo.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, run := range runs {
			jobs, err := l.listRunJobs(ctx, client, repo, run)
			if err != nil {
				l.logger.Warn("skipping run: listing jobs failed",
					slog.String("repo", repo.String()),
					slog.Int64("runID", run.GetID()),
					slog.String("error", err.Error()),
				)
				continue
			}
			queued = append(queued, jobs...)
		}
	}

	span.SetAttributes(attribute.Int("source.queued_jobs", len(queued)))
	l.logger.Debug("enumerated queued jobs",
		slog.Int("repos", len(repos)),
		slog.Int("queued", len(queued)),
	)
	return queued, nil
}

func (l *Lister) listRepos(ctx context.Context, client *github.Client) ([]repoRef, error) {
	var refs []repoRef
	add := func(repos []*github.Repository) {
		for _, r := range repos {
			if r.GetArchived() {
				continue
			}
			refs = append(refs, repoRef{owner: r.GetOwner().GetLogin(), name: r.GetName()})
		}
	}

	if l.cfg.Org != "" {
		opts := &github.RepositoryListByOrgOptions{
			Type:        "all",
			ListOptions: github.ListOptions{PerPage: l.cfg.PerPage},
		}
		for {
			cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
			repos, resp, err := client.Repositories.ListByOrg(cctx, l.cfg.Org, opts)
			cancel()
			if err != nil {
				return nil, err
			}
			add(repos)
			if resp.NextPage == 0 {
				return refs, nil
			}
			opts.Page = resp.NextPage
		}
	}

	opts := &github.ListOptions{PerPage: l.cfg.PerPage}
	for {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		list, resp, err := client.Apps.ListRepos(cctx, opts)
		cancel()
		if err != nil {
			return nil, err
		}
		add(list.Repositories)
		if resp.NextPage == 0 {
			return refs, nil
		}
		opts.Page = resp.NextPage
	}
}

func (l *Lister) listQueuedRuns(ctx context.Context, client *github.Client, repo repoRef) ([]*github.WorkflowRun, error) {
	opts := &github.ListWorkflowRunsOptions{
		Status:      statusQueued,
		ListOptions: github.ListOptions{PerPage: l.cfg.PerPage},
	}
	var runs []*github.WorkflowRun
	for {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		page, resp, err := client.Actions.ListRepositoryWorkflowRuns(cctx, repo.owner, repo.name, opts)
		cancel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, page.WorkflowRuns...)
		if resp.NextPage == 0 {
			return runs, nil
		}
		opts.Page = resp.NextPage
	}
}

func (l *Lister) listRunJobs(ctx context.Context, client *github.Client, repo repoRef, run *github.WorkflowRun) ([]job.Queued, error) {
	opts := &github.ListWorkflowJobsOptions{
		ListOptions: github.ListOptions{PerPage: l.cfg.PerPage},
	}
	var out []job.Queued
	for {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		page, resp, err := client.Actions.ListWorkflowJobs(cctx, repo.owner, repo.name, run.GetID(), opts)
		cancel()
		if err != nil {
			return nil, err
		}
		for _, j := range page.Jobs {
			if j.GetStatus() != statusQueued {
				continue
			}
			out = append(out, job.Queued{
				ID:     j.GetID(),
				Name:   j.GetName(),
				Repo:   repo.String(),
				RunID:  run.GetID(),
				Labels: j.Labels,
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}
