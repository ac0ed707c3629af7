// Package config handles loading, validating, and applying configuration
// for jobtrigger.  Settings are read from an optional YAML file, then from
// the environment, then from CLI flags.
//
// Settings an individual operation needs (project id, GitHub App identity)
// are not required here: the process starts without them and the affected
// operation fails with a configuration error instead.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/jobtrigger/internal/credentials"
	"github.com/terrpan/jobtrigger/internal/engine"
	"github.com/terrpan/jobtrigger/internal/engine/cloudrun"
	"github.com/terrpan/jobtrigger/internal/engine/docker"
	"github.com/terrpan/jobtrigger/internal/engine/gcp"
	"github.com/terrpan/jobtrigger/internal/health"
	"github.com/terrpan/jobtrigger/internal/labels"
	"github.com/terrpan/jobtrigger/internal/notify"
	"github.com/terrpan/jobtrigger/internal/otel"
	"github.com/terrpan/jobtrigger/internal/source"
)

// Engine types.
const (
	EngineCloudRun = "cloudrun"
	EngineGCP      = "gcp"
	EngineDocker   = "docker"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Runner  RunnerConfig  `yaml:"runner"`
	Engine  EngineConfig  `yaml:"engine"`
	Poll    PollConfig    `yaml:"poll"`
	Trigger TriggerConfig `yaml:"trigger"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig holds the webhook secret and the App identity used to list
// queued jobs.
type GitHubConfig struct {
	// APIURL is the REST endpoint.  Default: https://api.github.com/.
	APIURL string `yaml:"api_url"`

	// Org restricts polling to one organization.  When empty every
	// repository granted to the installation is polled.
	Org string `yaml:"org"`

	// WebhookSecret is the shared HMAC secret.  Empty disables signature
	// verification.
	WebhookSecret string `yaml:"webhook_secret"`

	App GitHubAppConfig `yaml:"app"`
}

// GitHubAppConfig identifies the GitHub App installation.
type GitHubAppConfig struct {
	AppID          string `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// PrivateKey can be set directly.  If both PrivateKeyPath and
	// PrivateKey are set, PrivateKey wins.
	PrivateKey string `yaml:"private_key"`
}

// RunnerConfig describes the jobs this instance is responsible for.
type RunnerConfig struct {
	// Labels every handled job must carry.  Default: self-hosted, cloud-run.
	Labels []string `yaml:"labels"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the execution platform.
type EngineConfig struct {
	// Type selects the backend: "cloudrun" (default), "gcp" or "docker".
	Type string `yaml:"type"`

	// Project is the GCP project id, shared by the cloudrun and gcp backends.
	Project string `yaml:"project"`

	// Region is the Cloud Run region.  Default: us-central1.
	Region string `yaml:"region"`

	CloudRun CloudRunEngineConfig `yaml:"cloudrun"`
	GCP      GCPEngineConfig      `yaml:"gcp"`
	Docker   DockerEngineConfig   `yaml:"docker"`
}

// CloudRunEngineConfig holds Cloud Run Jobs settings.
type CloudRunEngineConfig struct {
	// Job is the Cloud Run job name.  Default: github-runner.
	Job string `yaml:"job"`
}

// GCPEngineConfig holds Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`
	// Image is the full self-link or family URL of the runner image.
	Image      string `yaml:"image"`
	DiskSizeGB int64  `yaml:"disk_size_gb"`
	Network    string `yaml:"network"`
	Subnet     string `yaml:"subnet"`
	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" from false.
	PublicIP       *bool  `yaml:"public_ip"`
	ServiceAccount string `yaml:"service_account"`
}

// DockerEngineConfig holds Docker settings.
type DockerEngineConfig struct {
	// Image is the runner container image.
	// Default: "ghcr.io/actions/actions-runner:latest"
	Image string `yaml:"image"`
	// Dind bind-mounts the host's Docker socket into each runner.
	Dind bool `yaml:"dind"`
}

// ---------------------------------------------------------------------------
// Poll / trigger / server
// ---------------------------------------------------------------------------

// PollConfig controls the reconciliation poller.
type PollConfig struct {
	// Enabled starts the background loop.  Default: true.  POST /poll
	// works either way.
	Enabled *bool `yaml:"enabled"`
	// IntervalSeconds between cycles.  Default: 60.
	IntervalSeconds int `yaml:"interval_seconds"`
	// MaxConcurrentTriggers caps trigger attempts per cycle.  Default: 10.
	MaxConcurrentTriggers int `yaml:"max_concurrent_triggers"`
}

// TriggerConfig controls deduplication and trigger events.
type TriggerConfig struct {
	// CooldownSeconds a job id stays claimed.  Default: 300.
	CooldownSeconds int `yaml:"cooldown_seconds"`
	// LedgerCapacity is the number of retained trigger records.  Default: 1000.
	LedgerCapacity int `yaml:"ledger_capacity"`
	// EventsTopic is an optional gcppubsub://<project>/<topic> URL.
	EventsTopic string `yaml:"events_topic"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Port to listen on.  Default: 8080.
	Port int `yaml:"port"`
	// RequestLogging logs every request.
	RequestLogging bool `yaml:"request_logging"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls OTLP push.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP collector, "localhost:4318" or
	// "http://collector:4318".  Empty defers to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string `yaml:"endpoint"`

	// Insecure sends OTLP over plain HTTP to a host:port endpoint.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus serves metrics on /metrics.  Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config; the environment and flags can
// supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.  lookup is usually
// os.LookupEnv.  Malformed numeric or boolean values are reported.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, v)
		}
		*dst = n
		return nil
	}

	str("GCP_PROJECT_ID", &c.Engine.Project)
	str("GCP_REGION", &c.Engine.Region)
	str("RUNNER_JOB_NAME", &c.Engine.CloudRun.Job)
	str("ENGINE_TYPE", &c.Engine.Type)
	str("GITHUB_WEBHOOK_SECRET", &c.GitHub.WebhookSecret)
	str("GITHUB_ORG", &c.GitHub.Org)
	str("GITHUB_API_URL", &c.GitHub.APIURL)
	str("GITHUB_APP_ID", &c.GitHub.App.AppID)
	str("GITHUB_APP_PRIVATE_KEY", &c.GitHub.App.PrivateKey)
	str("GITHUB_APP_PRIVATE_KEY_PATH", &c.GitHub.App.PrivateKeyPath)
	str("TRIGGER_EVENTS_TOPIC", &c.Trigger.EventsTopic)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("RUNNER_LABELS"); ok && v != "" {
		c.Runner.Labels = labels.Parse(v)
	}

	if v, ok := lookup("GITHUB_APP_INSTALLATION_ID"); ok && v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("GITHUB_APP_INSTALLATION_ID: invalid integer %q", v)
		}
		c.GitHub.App.InstallationID = id
	}

	if v, ok := lookup("POLL_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("POLL_ENABLED: invalid boolean %q", v)
		}
		c.Poll.Enabled = &b
	}

	for key, dst := range map[string]*int{
		"POLL_INTERVAL_SECONDS":    &c.Poll.IntervalSeconds,
		"MAX_CONCURRENT_TRIGGERS":  &c.Poll.MaxConcurrentTriggers,
		"TRIGGER_COOLDOWN_SECONDS": &c.Trigger.CooldownSeconds,
		"LEDGER_CAPACITY":          &c.Trigger.LedgerCapacity,
		"PORT":                     &c.Server.Port,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = "https://api.github.com/"
	}
	if c.Runner.Labels == nil {
		c.Runner.Labels = []string{"self-hosted", "cloud-run"}
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineCloudRun
	}
	if c.Engine.Region == "" {
		c.Engine.Region = "us-central1"
	}
	if c.Engine.CloudRun.Job == "" {
		c.Engine.CloudRun.Job = "github-runner"
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = docker.DefaultImage
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Poll.Enabled == nil {
		t := true
		c.Poll.Enabled = &t
	}
	if c.Poll.IntervalSeconds == 0 {
		c.Poll.IntervalSeconds = 60
	}
	if c.Poll.MaxConcurrentTriggers == 0 {
		c.Poll.MaxConcurrentTriggers = 10
	}
	if c.Trigger.CooldownSeconds == 0 {
		c.Trigger.CooldownSeconds = 300
	}
	if c.Trigger.LedgerCapacity == 0 {
		c.Trigger.LedgerCapacity = 1000
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
}

// Validate applies defaults and rejects malformed values.  Absent
// operation settings are not errors.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	for i, l := range c.Runner.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("runner.labels[%d] is empty", i)
		}
	}

	switch c.Engine.Type {
	case EngineCloudRun, EngineGCP, EngineDocker:
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: cloudrun, gcp, docker)", c.Engine.Type)
	}

	if c.Poll.IntervalSeconds < 0 {
		return fmt.Errorf("poll.interval_seconds must be positive, got %d", c.Poll.IntervalSeconds)
	}
	if c.Poll.MaxConcurrentTriggers < 0 {
		return fmt.Errorf("poll.max_concurrent_triggers must be positive, got %d", c.Poll.MaxConcurrentTriggers)
	}
	if c.Trigger.CooldownSeconds < 0 {
		return fmt.Errorf("trigger.cooldown_seconds must be positive, got %d", c.Trigger.CooldownSeconds)
	}
	if c.Trigger.LedgerCapacity < 0 {
		return fmt.Errorf("trigger.ledger_capacity must be positive, got %d", c.Trigger.LedgerCapacity)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Trigger.EventsTopic != "" {
		if _, _, err := notify.ParseTopicURL(c.Trigger.EventsTopic); err != nil {
			return fmt.Errorf("trigger.events_topic: %w", err)
		}
	}

	return nil
}

// PollEnabled reports whether the background poller should run.
func (c *Config) PollEnabled() bool {
	return c.Poll.Enabled == nil || *c.Poll.Enabled
}

// PollInterval returns the time between poll cycles.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// Cooldown returns the trigger cooldown window.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Trigger.CooldownSeconds) * time.Second
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OTelConfig converts the telemetry settings.
func (c *Config) OTelConfig() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus == nil || *c.OTel.Prometheus,
	}
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.App.PrivateKey != "" || c.GitHub.App.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.App.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.App.PrivateKeyPath, err)
	}
	c.GitHub.App.PrivateKey = string(data)
	return nil
}

// NewCredentialProvider creates the installation-token provider.  An
// unreadable key file is logged; the provider then reports a configuration
// error on every exchange.
func (c *Config) NewCredentialProvider(httpClient *http.Client, logger *slog.Logger) *credentials.Provider {
	if err := c.resolvePrivateKey(); err != nil {
		logger.Warn("github app private key unavailable", slog.String("error", err.Error()))
	}
	return credentials.New(credentials.Config{
		AppID:          c.GitHub.App.AppID,
		PrivateKey:     c.GitHub.App.PrivateKey,
		InstallationID: c.GitHub.App.InstallationID,
		BaseURL:        c.GitHub.APIURL,
		HTTPClient:     httpClient,
		Logger:         logger,
	})
}

// NewLister creates the queued-job lister.
func (c *Config) NewLister(httpClient *http.Client, logger *slog.Logger) *source.Lister {
	return source.New(source.Config{
		BaseURL:    c.GitHub.APIURL,
		Org:        c.GitHub.Org,
		HTTPClient: httpClient,
		Logger:     logger,
	})
}

// NewEngine creates the execution engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case EngineCloudRun:
		return cloudrun.New(ctx, cloudrun.Config{
			Project: c.Engine.Project,
			Region:  c.Engine.Region,
			Job:     c.Engine.CloudRun.Job,
		}, logger.WithGroup("engine.cloudrun"))
	case EngineGCP:
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       c.Engine.GCP.PublicIP == nil || *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
		}, logger.WithGroup("engine.gcp"))
	case EngineDocker:
		return docker.New(ctx, docker.Config{
			Image: c.Engine.Docker.Image,
			Dind:  c.Engine.Docker.Dind,
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// EngineTarget describes the configured execution resource without
// connecting to it.
func (c *Config) EngineTarget() string {
	switch c.Engine.Type {
	case EngineCloudRun:
		return fmt.Sprintf("projects/%s/locations/%s/jobs/%s", c.Engine.Project, c.Engine.Region, c.Engine.CloudRun.Job)
	case EngineGCP:
		return fmt.Sprintf("projects/%s/zones/%s/instances", c.Engine.Project, c.Engine.GCP.Zone)
	default:
		return "docker://" + c.Engine.Docker.Image
	}
}

// HealthSnapshot returns the configuration reported by /health.
func (c *Config) HealthSnapshot(target string) health.Snapshot {
	return health.Snapshot{
		Project:             c.Engine.Project,
		Region:              c.Engine.Region,
		RunnerJob:           c.Engine.CloudRun.Job,
		Engine:              c.Engine.Type,
		Target:              target,
		Labels:              c.Runner.Labels,
		PollingEnabled:      c.PollEnabled(),
		PollIntervalSeconds: c.Poll.IntervalSeconds,
	}
}
