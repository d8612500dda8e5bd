// Package app builds the long-lived services from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsclient "cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/edgar-index/internal/api"
	"github.com/JakeFAU/edgar-index/internal/clock/system"
	"github.com/JakeFAU/edgar-index/internal/config"
	"github.com/JakeFAU/edgar-index/internal/crawler"
	collyfetcher "github.com/JakeFAU/edgar-index/internal/fetcher/colly"
	"github.com/JakeFAU/edgar-index/internal/hash/sha256"
	"github.com/JakeFAU/edgar-index/internal/id/uuid"
	"github.com/JakeFAU/edgar-index/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/edgar-index/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/edgar-index/internal/publisher/pubsub"
	"github.com/JakeFAU/edgar-index/internal/resolver"
	"github.com/JakeFAU/edgar-index/internal/storage"
	gcsstorage "github.com/JakeFAU/edgar-index/internal/storage/gcs"
	localstorage "github.com/JakeFAU/edgar-index/internal/storage/local"
	memorystorage "github.com/JakeFAU/edgar-index/internal/storage/memory"
	"github.com/JakeFAU/edgar-index/internal/storage/postgres"
	s3store "github.com/JakeFAU/edgar-index/internal/storage/s3"
	"github.com/JakeFAU/edgar-index/internal/storage/snapshot"
	"github.com/JakeFAU/edgar-index/internal/storage/sqlite"
	"github.com/JakeFAU/edgar-index/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	checkpointer crawler.Checkpointer
	recorder     crawler.RunRecorder
	publisher    crawler.Publisher

	gcsClient      *gcsclient.Client
	pgStore        *postgres.Store
	sqliteStore    *sqlite.Store
	pubsub         *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}

	var traceOpts []sdktrace.TracerProviderOption
	if cfg.Telemetry.OTLPEndpoint != "" {
		exporter, err := telemetry.OTLPExporter(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure)
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, exporter)
		logger.Info("exporting spans", zap.String("otlp_endpoint", cfg.Telemetry.OTLPEndpoint))
	}
	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.setupStorage(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	sc := a.cfg.Storage
	var (
		blobs storage.BlobStore
		err   error
	)
	switch sc.Backend {
	case config.BackendPostgres:
		a.logger.Info("using postgres checkpoint backend")
		a.pgStore, err = postgres.NewStore(ctx, postgres.Config{DSN: sc.Postgres.DSN, MaxConns: sc.Postgres.MaxConns})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.checkpointer, a.recorder = a.pgStore, a.pgStore
		return nil
	case config.BackendSQLite:
		a.logger.Info("using sqlite checkpoint backend", zap.String("path", sc.SQLite.Path))
		a.sqliteStore, err = sqlite.Open(ctx, sqlite.Config{Path: sc.SQLite.Path})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.checkpointer, a.recorder = a.sqliteStore, a.sqliteStore
		return nil
	case config.BackendGCS:
		a.logger.Info("using GCS snapshot backend", zap.String("bucket", sc.GCS.Bucket))
		a.gcsClient, err = gcsclient.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: sc.GCS.Bucket, Prefix: sc.GCS.Prefix})
	case config.BackendS3:
		a.logger.Info("using S3 snapshot backend", zap.String("bucket", sc.S3.Bucket))
		blobs, err = s3store.New(ctx, s3store.Config{
			Bucket:   sc.S3.Bucket,
			Region:   sc.S3.Region,
			Endpoint: sc.S3.Endpoint,
			Prefix:   sc.S3.Prefix,
		})
	case config.BackendLocal:
		a.logger.Info("using local snapshot backend", zap.String("dir", sc.Local.Dir))
		blobs, err = localstorage.New(localstorage.Config{BaseDir: sc.Local.Dir})
	case config.BackendMemory:
		a.logger.Warn("using in-memory snapshot backend, the index is lost on exit")
		blobs = memorystorage.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
	if err != nil {
		return fmt.Errorf("%s blob store init failed: %w", sc.Backend, err)
	}
	a.checkpointer, err = snapshot.New(blobs, snapshot.Config{})
	if err != nil {
		return fmt.Errorf("snapshot store init failed: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, run summaries stay in memory")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsub, err = gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = a.pubsub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

// Checkpointer returns the configured persistence backend.
func (a *App) Checkpointer() crawler.Checkpointer {
	return a.checkpointer
}

// Engine wires the fetcher, limiter and resolver into a pipeline engine.
// One limiter is shared by both phases.
func (a *App) Engine() (*crawler.Engine, error) {
	cc := a.cfg.Crawler
	start, err := a.cfg.StartDate()
	if err != nil {
		return nil, err
	}
	end, err := a.cfg.EndDate()
	if err != nil {
		return nil, err
	}
	policy, err := a.cfg.LinePolicy()
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{Requests: cc.RateLimit, Window: cc.RateWindow})
	fetcher := collyfetcher.New(
		collyfetcher.Config{UserAgent: cc.UserAgent, Timeout: cc.RequestTimeout},
		limiter,
		a.logger.Named("fetcher"),
	)
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", cc.UserAgent),
		zap.Int("rate_limit", cc.RateLimit),
		zap.Duration("rate_window", cc.RateWindow),
	)

	deps := crawler.Deps{
		Fetcher:      fetcher,
		Checkpointer: a.checkpointer,
		Publisher:    a.publisher,
		Recorder:     a.recorder,
		Hasher:       sha256.New(),
		Clock:        system.New(),
		IDs:          uuid.New(),
	}
	if a.cfg.Resolver.Enabled {
		deps.Resolver = resolver.New(resolver.Config{
			ArchiveBaseURL: cc.ArchiveBaseURL,
			FormTypes:      a.cfg.Resolver.FormTypes,
			Concurrency:    a.cfg.Resolver.Concurrency,
		}, fetcher, a.logger.Named("resolver"))
	}

	engine, err := crawler.New(crawler.Config{
		StartDate:      start,
		EndDate:        end,
		ListingBaseURL: cc.ListingBaseURL,
		Concurrency:    cc.Concurrency,
		LinePolicy:     policy,
		ResolveEnabled: a.cfg.Resolver.Enabled,
	}, deps, a.logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	return engine, nil
}

// RunOnce builds an engine and runs the pipeline a single time.
func (a *App) RunOnce(ctx context.Context) (crawler.Summary, error) {
	engine, err := a.Engine()
	if err != nil {
		return crawler.Summary{}, err
	}
	return engine.Run(ctx)
}

// Serve loads the index, starts the lookup API and blocks until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	server := api.NewServer(a.checkpointer, a.logger.Named("api"))
	if err := server.Reload(ctx); err != nil {
		return fmt.Errorf("initial index load: %w", err)
	}
	go server.Watch(ctx, a.cfg.Server.ReloadInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.sqliteStore != nil {
		if err := a.sqliteStore.Close(); err != nil {
			a.logger.Warn("sqlite store close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
