// Package server wires configuration into a running orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/api"
	"github.com/JakeFAU/crawl-orchestrator/internal/archive"
	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/frontier"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/ingest"
	"github.com/JakeFAU/crawl-orchestrator/internal/lifecycle"
	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/outbox"
	kafkapublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-orchestrator/internal/quota"
	"github.com/JakeFAU/crawl-orchestrator/internal/signature"
	gcsstorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/crawl-orchestrator/internal/summary"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

// Repository is everything the orchestrator persists.
type Repository interface {
	crawl.JobStore
	crawl.PageStore
	crawl.UserStore
	crawl.ProjectStore
	crawl.OutboxStore
}

type closablePublisher interface {
	crawl.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	repo      Repository
	apiServer *api.Server
	relay     *outbox.Relay
	loops     *worker.Group

	postgres       *pgstore.Store
	redis          *frontier.Redis
	publisher      closablePublisher
	gcs            *gcsstorage.BlobStore
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. On error everything opened so
// far is released.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, terr := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if terr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", terr)
		}
		app.tracerShutdown = tp.Shutdown
	}

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("publisher", cfg.Outbox.Publisher),
		zap.String("archive", cfg.Archive.Backend),
	)

	if err = app.setupRepository(ctx); err != nil {
		return nil, err
	}
	seen, err := app.setupFrontier(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	archiver, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()

	var notifier outbox.Notifier
	if cfg.Outbox.NotifyInline {
		notifier = outbox.NewPublisherNotifier(app.publisher, cfg.Outbox.Topic)
	}
	events := outbox.NewEmitter(app.repo, ids, clock, notifier, logger.Named("outbox"))
	machine := lifecycle.NewMachine(app.repo, clock, ids, events, logger.Named("lifecycle"))

	dispatch := dispatcher.New(dispatcher.Config{
		WorkerURL:   cfg.Worker.URL,
		Secret:      []byte(cfg.Worker.Secret),
		Timeout:     cfg.WorkerTimeout(),
		CallbackURL: cfg.Worker.CallbackURL,
	}, &http.Client{}, machine, clock, logger.Named("dispatcher"))

	service := orchestrator.NewService(
		app.repo,
		app.repo,
		app.repo,
		quota.NewGuard(app.repo, logger.Named("quota")),
		machine,
		dispatch,
		orchestrator.Options{
			PlanLimits:              cfg.PlanLimits(),
			RefundOnDispatchFailure: cfg.Quota.RefundOnDispatchFailure,
		},
		logger.Named("orchestrator"),
	)

	deps := ingest.Deps{
		Jobs:        app.repo,
		Pages:       app.repo,
		Frontier:    seen,
		Transitions: machine,
		Summarizer:  summary.NewAggregator(app.repo, cfg.Summary.LowScoreThreshold, cfg.Summary.MaxQuickWins),
		Events:      events,
		Drops:       outbox.NewScoreDropDetector(app.repo, events, logger.Named("score_drop")),
		Clock:       clock,
		Logger:      logger.Named("ingest"),
	}
	if archiver != nil {
		deps.Archive = archiver
	}
	ingestor := ingest.New(deps)

	tokens, err := cfg.AuthTokens()
	if err != nil {
		return nil, err
	}
	app.apiServer = api.NewServer(service, ingestor, api.Config{
		Tokens:         tokens,
		Verifier:       signature.NewVerifier(cfg.IngestSecret(), cfg.MaxSkew(), clock.Now),
		MaxBodyBytes:   cfg.Ingest.MaxBodyBytes,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		ReadyChecks:    app.readyChecks(),
	}, logger.Named("api"))

	app.relay = outbox.NewRelay(app.repo, app.publisher, clock, outbox.RelayConfig{
		Topic:         cfg.Outbox.Topic,
		BatchSize:     cfg.Outbox.BatchSize,
		PollInterval:  cfg.PollInterval(),
		MaxPublishRPS: cfg.Outbox.MaxPublishRPS,
	}, logger.Named("relay"))

	return app, nil
}

func (a *App) setupRepository(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.postgres = store
		a.repo = store
		a.logger.Info("using postgres repository")
	default:
		store := memorystorage.NewStore()
		for _, user := range a.cfg.SeedUsers() {
			store.PutUser(user)
		}
		for _, project := range a.cfg.Dev.Projects {
			store.PutProject(project)
		}
		a.repo = store
		a.logger.Warn("using in-memory repository; state is lost on restart",
			zap.Int("seed_users", len(a.cfg.Dev.Users)),
			zap.Int("seed_projects", len(a.cfg.Dev.Projects)),
		)
	}
	return nil
}

func (a *App) setupFrontier(ctx context.Context) (crawl.Frontier, error) {
	if a.cfg.Frontier.Backend != "redis" {
		return frontier.NewMemory(), nil
	}
	a.redis = frontier.NewRedis(a.cfg.Frontier.RedisAddr, a.cfg.Frontier.RedisPrefix, a.cfg.FrontierTTL())
	if err := a.redis.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis frontier init failed: %w", err)
	}
	a.logger.Info("using redis frontier", zap.String("addr", a.cfg.Frontier.RedisAddr))
	return a.redis, nil
}

type nopCloser struct{ crawl.Publisher }

func (nopCloser) Close() error { return nil }

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Outbox.Publisher {
	case "pubsub":
		pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.Outbox.Topic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.Outbox.Topic),
		)
	case "kafka":
		a.publisher = kafkapublisher.New(a.cfg.Kafka.Brokers)
		a.logger.Info("Kafka publisher initialized", zap.String("brokers", a.cfg.Kafka.Brokers))
	default:
		a.publisher = nopCloser{memorypublisher.New()}
		a.logger.Warn("No broker configured, using in-memory publisher")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	var blobs crawl.BlobStore
	switch a.cfg.Archive.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, a.cfg.Archive.Bucket, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.gcs = store
		blobs = store
	case "file":
		store, err := localstorage.New(a.cfg.Archive.Dir)
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		blobs = store
	case "memory":
		blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Info("raw batch archiving disabled")
		return nil, nil
	}
	return archive.New(blobs, a.cfg.Archive.Prefix, system.New(), a.logger.Named("archive")), nil
}

func (a *App) readyChecks() map[string]api.ReadyCheck {
	checks := map[string]api.ReadyCheck{}
	if a.postgres != nil {
		checks["postgres"] = a.postgres.Ping
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	return checks
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Repository exposes the backing store.
func (a *App) Repository() Repository {
	return a.repo
}

// Run serves HTTP and, when enabled, relays the outbox until the context is
// cancelled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.loops = worker.NewGroup(ctx, a.logger)
	if a.cfg.Outbox.RelayEnabled {
		a.loops.Go("outbox-relay", a.relay.Run)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// RunRelay drains the outbox without serving HTTP.
func (a *App) RunRelay(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.loops = worker.NewGroup(ctx, a.logger)
	a.loops.Go("outbox-relay", a.relay.Run)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var loopErr error
	if a.loops != nil {
		loopErr = a.loops.Wait(ctx)
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return loopErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on a console sink returns EINVAL; nothing useful to do with it.
	_ = a.logger.Sync()
}
