package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/jobtrigger/internal/buildinfo"
	"github.com/terrpan/jobtrigger/internal/config"
	"github.com/terrpan/jobtrigger/internal/engine"
	"github.com/terrpan/jobtrigger/internal/executor"
	"github.com/terrpan/jobtrigger/internal/ghclient"
	"github.com/terrpan/jobtrigger/internal/health"
	"github.com/terrpan/jobtrigger/internal/ledger"
	"github.com/terrpan/jobtrigger/internal/notify"
	"github.com/terrpan/jobtrigger/internal/otel"
	"github.com/terrpan/jobtrigger/internal/poller"
	"github.com/terrpan/jobtrigger/internal/server"
	"github.com/terrpan/jobtrigger/internal/signature"
	"github.com/terrpan/jobtrigger/internal/trigger"
	"github.com/terrpan/jobtrigger/internal/webhook"
)

var (
	cfgPath       string
	flagOverrides config.Config
	flagNoPoll    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jobtrigger",
	Short: "Trigger one ephemeral runner execution per queued GitHub Actions job",
	Long: `jobtrigger receives GitHub workflow_job webhooks and periodically polls
for queued jobs, starting exactly one runner execution (Cloud Run job,
Compute Engine VM or Docker container) for every queued job that carries
the configured labels.

Configuration is read from an optional YAML file (--config), then from
environment variables, then from CLI flags.`,
	Version:      buildinfo.Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "", "Path to YAML configuration file (optional)")

	// Execution platform overrides
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Execution engine (cloudrun, gcp, docker)")
	f.StringVar(&flagOverrides.Engine.Project, "project", "", "GCP project ID")
	f.StringVar(&flagOverrides.Engine.Region, "region", "", "Cloud Run region")
	f.StringVar(&flagOverrides.Engine.CloudRun.Job, "job", "", "Cloud Run job name")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Org, "org", "", "GitHub organization to poll")
	f.StringVar(&flagOverrides.GitHub.App.AppID, "app-id", "", "GitHub App ID")
	f.Int64Var(&flagOverrides.GitHub.App.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")
	f.StringSliceVar(&flagOverrides.Runner.Labels, "labels", nil, "Required runner labels")

	// Polling / server overrides
	f.BoolVar(&flagNoPoll, "no-poll", false, "Disable the background poller")
	f.IntVar(&flagOverrides.Poll.IntervalSeconds, "poll-interval", 0, "Seconds between poll cycles")
	f.IntVar(&flagOverrides.Server.Port, "port", 0, "HTTP listen port")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Engine.Type, flagOverrides.Engine.Type)
	set(&cfg.Engine.Project, flagOverrides.Engine.Project)
	set(&cfg.Engine.Region, flagOverrides.Engine.Region)
	set(&cfg.Engine.CloudRun.Job, flagOverrides.Engine.CloudRun.Job)
	set(&cfg.GitHub.Org, flagOverrides.GitHub.Org)
	set(&cfg.GitHub.App.AppID, flagOverrides.GitHub.App.AppID)
	set(&cfg.GitHub.App.PrivateKeyPath, flagOverrides.GitHub.App.PrivateKeyPath)
	set(&cfg.Logging.Level, flagOverrides.Logging.Level)
	set(&cfg.Logging.Format, flagOverrides.Logging.Format)

	if flagOverrides.GitHub.App.InstallationID != 0 {
		cfg.GitHub.App.InstallationID = flagOverrides.GitHub.App.InstallationID
	}
	if len(flagOverrides.Runner.Labels) > 0 {
		cfg.Runner.Labels = flagOverrides.Runner.Labels
	}
	if flagOverrides.Poll.IntervalSeconds != 0 {
		cfg.Poll.IntervalSeconds = flagOverrides.Poll.IntervalSeconds
	}
	if flagOverrides.Server.Port != 0 {
		cfg.Server.Port = flagOverrides.Server.Port
	}
	if flagNoPoll {
		f := false
		cfg.Poll.Enabled = &f
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.String("project", cfg.Engine.Project),
		slog.String("region", cfg.Engine.Region),
		slog.Any("labels", cfg.Runner.Labels),
		slog.Bool("pollEnabled", cfg.PollEnabled()),
	)

	shutdownOTel, err := otel.SetupOTelSDK(ctx, buildinfo.ServiceName, cfg.OTelConfig())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Execution engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		// Keep serving: every trigger reports the failure instead.
		logger.Error("engine unavailable, triggers will fail until restart",
			slog.String("engine", cfg.Engine.Type),
			slog.String("error", err.Error()),
		)
		eng = engine.Unavailable(cfg.EngineTarget(), err)
	}
	defer eng.Close()

	exec := executor.New(executor.Config{
		Engine: eng,
		Logger: logger.WithGroup("executor"),
	})

	// ---------------------------------------------------------------
	// 4. Ledger, trigger events, dispatcher
	// ---------------------------------------------------------------
	l := ledger.New(cfg.Trigger.LedgerCapacity)

	var notifier notify.Notifier
	if cfg.Trigger.EventsTopic != "" {
		ps, err := notify.NewPubSub(ctx, cfg.Trigger.EventsTopic, logger.WithGroup("notify"))
		if err != nil {
			logger.Error("trigger events disabled", slog.String("error", err.Error()))
		} else {
			notifier = ps
			defer ps.Close()
		}
	}

	dispatcher := trigger.New(trigger.Config{
		Ledger:   l,
		Executor: exec,
		Cooldown: cfg.Cooldown(),
		Notifier: notifier,
		Logger:   logger.WithGroup("trigger"),
	})
	defer dispatcher.Wait()

	// ---------------------------------------------------------------
	// 5. Job source and poller
	// ---------------------------------------------------------------
	httpClient := ghclient.NewHTTPClient(ghclient.HTTPConfig{RetryMax: 2, Logger: logger.WithGroup("github")})

	p := poller.New(poller.Config{
		Interval:    cfg.PollInterval(),
		MaxTriggers: cfg.Poll.MaxConcurrentTriggers,
		Labels:      cfg.Runner.Labels,
		Tokens:      cfg.NewCredentialProvider(httpClient, logger.WithGroup("credentials")),
		Lister:      cfg.NewLister(httpClient, logger.WithGroup("source")),
		Dispatcher:  dispatcher,
		Logger:      logger.WithGroup("poller"),
	})

	// ---------------------------------------------------------------
	// 6. HTTP server
	// ---------------------------------------------------------------
	srv := server.New(server.Config{
		Webhook: webhook.New(webhook.Config{
			Verifier:   signature.NewVerifier(cfg.GitHub.WebhookSecret),
			Labels:     cfg.Runner.Labels,
			Dispatcher: dispatcher,
			Logger:     logger.WithGroup("webhook"),
		}),
		Poller:         p,
		Health:         health.Handler(cfg.HealthSnapshot(eng.Target()), l),
		Logger:         logger.WithGroup("server"),
		RequestLogging: cfg.Server.RequestLogging,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}

	// ---------------------------------------------------------------
	// 7. Run
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx, ln)
	})
	if cfg.PollEnabled() {
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutting down gracefully")
	return err
}
