// Package app initializes and holds the long-lived services of a harvester
// process and runs the harvest on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pom-harvester/internal/clock/system"
	"github.com/JakeFAU/pom-harvester/internal/config"
	"github.com/JakeFAU/pom-harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/pom-harvester/internal/fetcher/colly"
	gcsfetcher "github.com/JakeFAU/pom-harvester/internal/fetcher/gcs"
	s3fetcher "github.com/JakeFAU/pom-harvester/internal/fetcher/s3"
	"github.com/JakeFAU/pom-harvester/internal/harvest"
	"github.com/JakeFAU/pom-harvester/internal/id/uuid"
	"github.com/JakeFAU/pom-harvester/internal/logging"
	"github.com/JakeFAU/pom-harvester/internal/pipeline"
	"github.com/JakeFAU/pom-harvester/internal/progress"
	memorypublisher "github.com/JakeFAU/pom-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pom-harvester/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/pom-harvester/internal/queue/memory"
	"github.com/JakeFAU/pom-harvester/internal/server"
	pgstore "github.com/JakeFAU/pom-harvester/internal/storage/postgres"
	"github.com/JakeFAU/pom-harvester/internal/telemetry"
)

const (
	serviceName = "pom-harvester"
	tracerName  = "github.com/JakeFAU/pom-harvester/internal/app"
	// defaultTopic names the in-memory topic used when notify is not configured.
	defaultTopic = "harvest-runs"
)

// Admin is the maintenance surface of the relational store.
type Admin interface {
	EnsureSchema(ctx context.Context) error
	Stats(ctx context.Context) (pgstore.Stats, error)
}

// Deps are the services an App runs on. Build fills them from config;
// tests supply fakes.
type Deps struct {
	Store     harvest.Store
	Admin     Admin
	Fetcher   harvest.Fetcher
	Publisher harvest.Publisher
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
	Tracing   trace.TracerProvider
}

// App holds the shared services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	layout *harvest.Layout
	deps   Deps

	closers []func(context.Context) error
}

// New assembles an App from already-built dependencies.
func New(cfg config.Config, logger *zap.Logger, deps Deps) (*App, error) {
	if deps.Store == nil || deps.Fetcher == nil {
		return nil, errors.New("app requires a store and a fetcher")
	}
	layout, err := harvest.NewLayout(cfg.Source.BaseURL, cfg.Source.Extension)
	if err != nil {
		return nil, fmt.Errorf("source layout: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = memorypublisher.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Tracing == nil {
		deps.Tracing = otel.GetTracerProvider()
	}
	return &App{cfg: cfg, logger: logger, layout: layout, deps: deps}, nil
}

// Build creates the logger and every backing service from cfg. On error,
// anything already opened is closed.
func Build(ctx context.Context, cfg config.Config) (app *App, err error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	var closers []func(context.Context) error
	defer func() {
		if err != nil {
			runClosers(ctx, logger, closers)
		}
	}()

	var traceOpts []sdktrace.TracerProviderOption
	if cfg.Tracing.Enabled() {
		exporter, err := telemetry.WithCloudTrace(cfg.Tracing.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("trace exporter init failed: %w", err)
		}
		traceOpts = append(traceOpts, exporter)
		logger.Info("exporting traces to Cloud Trace", zap.String("project", cfg.Tracing.ProjectID))
	}
	tp, err := telemetry.InitTracerProvider(ctx, serviceName, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	closers = append(closers, tp.Shutdown)

	store, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             cfg.Database.DSN,
		DocumentsTable:  cfg.Database.DocumentsTable,
		MaxConns:        cfg.PoolMaxConns(),
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("document store init failed: %w", err)
	}
	closers = append(closers, func(context.Context) error { store.Close(); return nil })
	logger.Info("document store initialized",
		zap.String("table", store.DocumentsTable()),
		zap.Int32("max_conns", cfg.PoolMaxConns()),
	)

	mux, fetchClosers, err := setupFetchers(ctx, cfg, logger)
	closers = append(closers, fetchClosers...)
	if err != nil {
		return nil, err
	}

	publisher, pubClosers, err := setupPublisher(ctx, cfg, logger)
	closers = append(closers, pubClosers...)
	if err != nil {
		return nil, err
	}

	app, err = New(cfg, logger, Deps{
		Store:     store,
		Admin:     store,
		Fetcher:   mux,
		Publisher: publisher,
		Tracing:   tp,
	})
	if err != nil {
		return nil, err
	}
	app.closers = closers
	return app, nil
}

// setupFetchers registers HTTP(S) always, plus the object store matching the
// base URL scheme.
func setupFetchers(ctx context.Context, cfg config.Config, logger *zap.Logger) (*fetcher.Mux, []func(context.Context) error, error) {
	mux := fetcher.NewMux()
	mux.Handle(collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Source.UserAgent,
		Timeout:      cfg.Source.Timeout,
		MaxBodyBytes: int(cfg.Source.MaxBodyBytes),
	}), "http", "https")

	layout, err := harvest.NewLayout(cfg.Source.BaseURL, cfg.Source.Extension)
	if err != nil {
		return nil, nil, fmt.Errorf("source layout: %w", err)
	}

	var closers []func(context.Context) error
	switch layout.Base().Scheme {
	case gcsfetcher.Scheme:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		closers = append(closers, func(context.Context) error { return client.Close() })
		f, err := gcsfetcher.New(client, gcsfetcher.Config{MaxBodyBytes: cfg.Source.MaxBodyBytes})
		if err != nil {
			return nil, closers, fmt.Errorf("gcs fetcher init failed: %w", err)
		}
		mux.Handle(f, gcsfetcher.Scheme)
	case s3fetcher.Scheme:
		f, err := s3fetcher.New(s3fetcher.Config{
			Endpoint:     cfg.Source.S3.Endpoint,
			AccessKey:    cfg.Source.S3.AccessKey,
			SecretKey:    cfg.Source.S3.SecretKey,
			Region:       cfg.Source.S3.Region,
			UseSSL:       cfg.Source.S3.UseSSL,
			MaxBodyBytes: cfg.Source.MaxBodyBytes,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 fetcher init failed: %w", err)
		}
		mux.Handle(f, s3fetcher.Scheme)
	}
	logger.Info("fetchers initialized",
		zap.String("base_url", layout.Base().String()),
		zap.Strings("schemes", mux.Schemes()),
	)
	return mux, closers, nil
}

func setupPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.Publisher, []func(context.Context) error, error) {
	if !cfg.Notify.Enabled() {
		logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := gcppublisher.New(client)
	logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.Notify.ProjectID),
		zap.String("topic", cfg.Notify.Topic),
	)
	closers := []func(context.Context) error{
		func(context.Context) error { return client.Close() },
		func(context.Context) error { publisher.Stop(); return nil },
	}
	return publisher, closers, nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Harvest runs one complete harvest and returns its summary. The summary is
// logged and published whether or not the run failed; a publish failure is
// logged but does not fail the run. One span covers the pipeline and the
// publish.
func (a *App) Harvest(ctx context.Context) (summary harvest.RunSummary, err error) {
	runID, err := a.deps.IDs.NewID()
	if err != nil {
		return harvest.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	ctx, span := a.deps.Tracing.Tracer(tracerName).Start(ctx, "harvest.run",
		trace.WithAttributes(attribute.String("harvest.run_id", runID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := logging.ForRun(a.logger, runID)
	summary = harvest.RunSummary{RunID: runID, StartedAt: a.deps.Clock.Now()}

	tracker := progress.NewTracker()
	reporter := progress.NewReporter(tracker, a.deps.Clock, a.cfg.Progress.Interval, logger.Named("progress"))
	queue := queuememory.NewQueue(a.cfg.Harvester.QueueDepth)
	p, err := pipeline.New(a.deps.Store, queue, a.deps.Fetcher, a.layout, tracker, pipeline.Config{
		Workers:                 a.cfg.Harvester.Workers,
		BatchSize:               a.cfg.Harvester.BatchSize,
		Retry:                   a.cfg.RetryPolicy(),
		AbortOnUnexpectedStatus: a.cfg.Harvester.AbortOnUnexpectedStatus,
	}, logger)
	if err != nil {
		return harvest.RunSummary{}, fmt.Errorf("build pipeline: %w", err)
	}

	logger.Info("harvest started",
		zap.String("base_url", a.layout.Base().String()),
		zap.Int("workers", a.cfg.Harvester.Workers),
		zap.Int("batch_size", a.cfg.Harvester.BatchSize),
		zap.Int("queue_depth", a.cfg.Harvester.QueueDepth),
	)

	auxCtx, stopAux := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Run(auxCtx)
	}()
	if addr := a.cfg.Metrics.Addr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv := server.New(reporter, logger.Named("http"))
			if err := srv.ListenAndServe(auxCtx, addr); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	result, runErr := p.Run(ctx)
	stopAux()
	wg.Wait()

	summary.FinishedAt = a.deps.Clock.Now()
	summary.Pending = result.Pending
	summary.Considered = result.Considered
	summary.Persisted = result.Persisted
	summary.Skipped = result.Skipped
	summary.FallbackBatches = result.FallbackBatches
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	fields := []zap.Field{
		zap.Int64("pending", summary.Pending),
		zap.Int64("considered", summary.Considered),
		zap.Int64("persisted", summary.Persisted),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("write_failed", result.WriteFailed),
		zap.Int64("fallback_batches", summary.FallbackBatches),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if runErr != nil {
		// The caller reports the error itself; this line only carries the counts.
		logger.Info("harvest aborted", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("harvest finished", fields...)
	}

	a.publishSummary(ctx, logger, summary)
	return summary, runErr
}

func (a *App) publishSummary(ctx context.Context, logger *zap.Logger, summary harvest.RunSummary) {
	topic := a.cfg.Notify.Topic
	if topic == "" {
		topic = defaultTopic
	}
	// The run context may already be canceled; the summary is still worth sending.
	msgID, err := a.deps.Publisher.Publish(context.WithoutCancel(ctx), topic, summary)
	if err != nil {
		logger.Warn("publish run summary failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	logger.Debug("run summary published", zap.String("topic", topic), zap.String("message_id", msgID))
}

// Status reports harvesting coverage.
func (a *App) Status(ctx context.Context) (pgstore.Stats, error) {
	if a.deps.Admin == nil {
		return pgstore.Stats{}, errors.New("store does not support status")
	}
	stats, err := a.deps.Admin.Stats(ctx)
	if err != nil {
		return pgstore.Stats{}, fmt.Errorf("read status: %w", err)
	}
	return stats, nil
}

// EnsureSchema creates the documents table if it is missing.
func (a *App) EnsureSchema(ctx context.Context) error {
	if a.deps.Admin == nil {
		return errors.New("store does not support schema management")
	}
	if err := a.deps.Admin.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.logger.Info("documents table ready", zap.String("table", a.cfg.Database.DocumentsTable))
	return nil
}

// Close shuts down every service opened by Build, newest first, and flushes
// the logger.
func (a *App) Close(ctx context.Context) {
	runClosers(ctx, a.logger, a.closers)
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		// stdout/stderr sync fails on some platforms; nothing more to do.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func runClosers(ctx context.Context, logger *zap.Logger, closers []func(context.Context) error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			logger.Warn("service close failed", zap.Error(err))
		}
	}
}
