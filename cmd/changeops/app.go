package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/changeops/audit"
	"github.com/c360studio/changeops/config"
	"github.com/c360studio/changeops/draft"
	"github.com/c360studio/changeops/env"
	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/httpapi"
	"github.com/c360studio/changeops/llm"
	"github.com/c360studio/changeops/override"
	"github.com/c360studio/changeops/promotion"
	"github.com/c360studio/changeops/store"
	"github.com/c360studio/changeops/tenant"
	"github.com/c360studio/changeops/trigger"
	"github.com/c360studio/changeops/workflow"
)

func run(configPath, httpAddr, logLevel string) error {
	logger := newLogger(logLevel)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	ctx := context.Background()

	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	if err := ensureStreams(ctx, natsClient, logger); err != nil {
		return err
	}

	app, err := newApp(ctx, cfg, natsClient, logger)
	if err != nil {
		return err
	}

	slog.Info("ChangeOps ready", "version", Version, "addr", cfg.HTTP.Addr)

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	return app.serve(signalCtx, cfg)
}

// app holds the wired engines behind the HTTP surface and the
// background loops that drive trigger dispatch.
type app struct {
	server     *httpapi.Server
	dispatcher *trigger.Dispatcher
	scheduler  *trigger.Scheduler
	tenants    *tenant.Registry
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) (*app, error) {
	st := store.NewJetStream(natsClient)

	tenants, err := tenant.NewRegistry(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("create tenant registry: %w", err)
	}

	changes, err := governance.NewChangeStore(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("create change store: %w", err)
	}

	recorder, err := audit.NewRecorder(ctx, st, natsClient, audit.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create audit recorder: %w", err)
	}

	envs, err := env.NewStore(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("create environment store: %w", err)
	}

	producer := llm.NewClient(
		llm.NewEndpoints(cfg.Model.Endpoints...),
		llm.WithLogger(logger),
		llm.WithCallLog(llm.NewCallLog(natsClient, logger)),
		llm.WithDefaultTemperature(cfg.Model.Temperature),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.Model.Timeout}),
	)

	composer, err := override.NewComposer(ctx, st, envs, recorder, override.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create override composer: %w", err)
	}

	drafts, err := draft.NewEngine(ctx, st, producer, envs, recorder,
		draft.WithLogger(logger),
		draft.WithInstallHook(composer),
	)
	if err != nil {
		return nil, fmt.Errorf("create draft engine: %w", err)
	}

	workflows, err := workflow.NewEngine(ctx, st, changes, recorder, workflow.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create workflow engine: %w", err)
	}

	triggers, err := trigger.NewService(ctx, st, recorder, trigger.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create trigger service: %w", err)
	}

	dispatcher := trigger.NewDispatcher(triggers, workflows,
		trigger.WithWorkers(cfg.Dispatcher.Workers),
		trigger.WithRescanHorizon(cfg.Dispatcher.RescanHorizon),
		trigger.WithDispatcherLogger(logger),
	)

	scheduler := trigger.NewScheduler(triggers, tenants.IDs,
		trigger.WithPollInterval(cfg.Scheduler.PollInterval),
		trigger.WithSchedulerLogger(logger),
	)

	promotions, err := promotion.NewService(ctx, st, envs, composer, recorder, promotion.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create promotion service: %w", err)
	}

	server := httpapi.NewServer(tenants, drafts, composer, workflows, triggers, promotions, envs, recorder,
		httpapi.WithLogger(logger),
		httpapi.WithStrictFrames(cfg.Draft.StrictFrames),
	)

	return &app{
		server:     server,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		tenants:    tenants,
		logger:     logger,
	}, nil
}

// serve runs the HTTP server and background loops until ctx is canceled.
func (a *app) serve(ctx context.Context, cfg *config.Config) error {
	tenantIDs, err := a.tenants.IDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants for dispatch: %w", err)
	}

	go a.dispatcher.Run(ctx, tenantIDs)
	go a.scheduler.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping HTTP server", "error", err)
	}

	slog.Info("ChangeOps shutdown complete")
	return nil
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

// ensureStreams creates the JetStream streams that audit events and
// producer call records publish into.
func ensureStreams(ctx context.Context, natsClient *natsclient.Client, logger *slog.Logger) error {
	js, err := natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}

	streams := []jetstream.StreamConfig{
		{
			Name:     "CHANGEOPS_AUDIT",
			Subjects: []string{"changeops.audit.>"},
			MaxAge:   30 * 24 * time.Hour,
			Storage:  jetstream.FileStorage,
			Replicas: 1,
		},
		{
			Name:     "CHANGEOPS_LLM",
			Subjects: []string{"changeops.llm.>"},
			MaxAge:   7 * 24 * time.Hour,
			Storage:  jetstream.FileStorage,
			Replicas: 1,
		},
	}

	for _, sc := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
		logger.Debug("JetStream stream ready", "name", sc.Name)
	}

	return nil
}
