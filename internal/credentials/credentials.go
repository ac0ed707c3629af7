// Package credentials produces short-lived installation tokens for the
// GitHub App that reads queued jobs.
//
// A token is obtained in two steps: an RS256-signed app assertion (JWT) is
// built from the app's private key, then exchanged for an installation token
// with one call to the installation access-token endpoint.  Exchanged tokens
// are cached until shortly before they expire.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v65/github"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/terrpan/jobtrigger/internal/errs"
	"github.com/terrpan/jobtrigger/internal/ghclient"
)

const (
	// clockSkew backdates the assertion's issued-at claim.
	clockSkew = 60 * time.Second
	// assertionTTL is the assertion lifetime measured from now.  GitHub
	// rejects assertions that live longer than ten minutes.
	assertionTTL = 540 * time.Second
	// refreshBefore discards a cached token this long before it expires.
	refreshBefore = 60 * time.Second
)

// Config configures a Provider.
type Config struct {
	// AppID is the GitHub App identifier used as the assertion issuer.
	AppID string
	// PrivateKey is the app's PEM-encoded RSA private key.
	PrivateKey string
	// InstallationID selects the installation whose token is issued.
	InstallationID int64
	// BaseURL is the GitHub REST endpoint.  Default: ghclient.DefaultBaseURL.
	BaseURL string
	// HTTPClient performs the exchange.  Default: ghclient.NewHTTPClient.
	HTTPClient *http.Client
	// Timeout bounds the exchange.  Default: 10s.
	Timeout time.Duration
	Logger  *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Credential is an exchanged installation token.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Provider hands out installation tokens.  It is safe for concurrent use.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	cached *Credential
}

// New creates a Provider.  Missing identity settings are not reported here;
// they surface as configuration errors from InstallationToken.
func New(cfg Config) *Provider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = ghclient.NewHTTPClient(ghclient.HTTPConfig{Logger: cfg.Logger})
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = ghclient.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Provider{cfg: cfg}
}

// InstallationToken returns a bearer token scoped to the configured
// installation, exchanging a fresh assertion when no usable token is cached.
func (p *Provider) InstallationToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.cfg.Now().Before(p.cached.ExpiresAt.Add(-refreshBefore)) {
		return p.cached.Token, nil
	}

	cred, err := p.exchange(ctx)
	if err != nil {
		p.cached = nil
		return "", err
	}
	p.cached = cred

	p.cfg.Logger.Debug("installation token issued",
		slog.Int64("installationID", p.cfg.InstallationID),
		slog.Time("expiresAt", cred.ExpiresAt),
	)
	return cred.Token, nil
}

// Assertion builds a signed app identity assertion: issuer is the app id,
// issued-at is backdated for clock skew and the expiry is nine minutes out.
func (p *Provider) Assertion() ([]byte, error) {
	if p.cfg.AppID == "" {
		return nil, errs.Configuration("github app id is not set")
	}
	if p.cfg.PrivateKey == "" {
		return nil, errs.Configuration("github app private key is not set")
	}

	key, err := jwk.ParseKey([]byte(p.cfg.PrivateKey), jwk.WithPEM(true))
	if err != nil {
		return nil, errs.Configuration("parsing github app private key: %v", err)
	}

	now := p.cfg.Now()
	token, err := jwt.NewBuilder().
		Issuer(p.cfg.AppID).
		IssuedAt(now.Add(-clockSkew)).
		Expiration(now.Add(assertionTTL)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building app assertion: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		return nil, errs.Configuration("signing app assertion: %v", err)
	}
	return signed, nil
}

func (p *Provider) exchange(ctx context.Context) (*Credential, error) {
	assertion, err := p.Assertion()
	if err != nil {
		return nil, err
	}
	if p.cfg.InstallationID == 0 {
		return nil, errs.Configuration("github app installation id is not set")
	}

	client, err := ghclient.New(p.cfg.HTTPClient, p.cfg.BaseURL, string(assertion))
	if err != nil {
		return nil, errs.Configuration("%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	tok, resp, err := client.Apps.CreateInstallationToken(ctx, p.cfg.InstallationID, nil)
	if err != nil {
		if rejected(resp, err) {
			return nil, errs.Auth(fmt.Errorf("installation token exchange: %w", err))
		}
		return nil, errs.Network(fmt.Errorf("installation token exchange: %w", err))
	}
	if tok.GetToken() == "" {
		return nil, errs.Auth(errors.New("installation token exchange returned an empty token"))
	}

	return &Credential{
		Token:     tok.GetToken(),
		ExpiresAt: tok.GetExpiresAt().Time,
	}, nil
}

// rejected reports whether the token endpoint answered with a non-2xx
// status, including primary and secondary rate limits.  Failures without
// a response are transport errors.
func rejected(resp *github.Response, err error) bool {
	var (
		ghErr    *github.ErrorResponse
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
	)
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr), errors.As(err, &ghErr):
		return true
	case resp != nil && resp.Response != nil && resp.StatusCode != 0:
		return resp.StatusCode < 200 || resp.StatusCode > 299
	default:
		return false
	}
}
