// Package ghclient builds GitHub REST clients for the job-source API.
//
// Every client shares one bounded-timeout HTTP transport that retries
// transient failures (connection errors, 429, 5xx) a small number of times.
// Non-2xx responses that survive the retries are handed back to go-github so
// callers see a *github.ErrorResponse.
package ghclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v65/github"
	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/terrpan/jobtrigger/internal/buildinfo"
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com/"

// DefaultTimeout bounds a single outbound attempt.
const DefaultTimeout = 10 * time.Second

// HTTPConfig configures NewHTTPClient.
type HTTPConfig struct {
	// Timeout bounds each attempt.  Default: 10s.
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt.
	RetryMax int
	// Logger receives retry diagnostics.  Optional.
	Logger *slog.Logger
}

// NewHTTPClient returns an *http.Client backed by go-retryablehttp.
func NewHTTPClient(cfg HTTPConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if cfg.Logger != nil {
		rc.Logger = cfg.Logger
	}
	return rc.StandardClient()
}

// New returns a go-github client rooted at baseURL that authenticates every
// request with token as a bearer credential.  An empty token yields an
// unauthenticated client.
func New(httpClient *http.Client, baseURL, token string) (*github.Client, error) {
	client := github.NewClient(httpClient)
	client.UserAgent = buildinfo.ServiceName + "/" + buildinfo.Version

	if baseURL != "" && baseURL != DefaultBaseURL {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing github api url %q: %w", baseURL, err)
		}
		client.BaseURL = u
	}

	if token != "" {
		client = client.WithAuthToken(token)
	}
	return client, nil
}
