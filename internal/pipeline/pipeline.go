// Package pipeline runs one producer and a fixed pool of workers as a single
// structured-concurrency group.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
	"github.com/JakeFAU/pom-harvester/internal/producer"
	"github.com/JakeFAU/pom-harvester/internal/worker"
)

const tracerName = "github.com/JakeFAU/pom-harvester/internal/pipeline"

// Config controls the pool.
type Config struct {
	Workers                 int
	BatchSize               int
	Retry                   harvest.RetryPolicy
	AbortOnUnexpectedStatus bool
}

// Result aggregates producer and worker counters for one run.
type Result struct {
	Pending         int64
	Considered      int64
	Persisted       int64
	Skipped         int64
	WriteFailed     int64
	FallbackBatches int64
}

// Pipeline wires a producer and N workers around one queue. The queue is
// closed by the run, so a Pipeline is good for a single Run.
type Pipeline struct {
	store    harvest.Store
	queue    harvest.Queue
	fetcher  harvest.Fetcher
	layout   *harvest.Layout
	progress harvest.Progress
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Pipeline.
func New(
	store harvest.Store,
	queue harvest.Queue,
	fetcher harvest.Fetcher,
	layout *harvest.Layout,
	progress harvest.Progress,
	cfg Config,
	logger *zap.Logger,
) (*Pipeline, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0, got %d", cfg.Workers)
	}
	if store == nil || queue == nil || fetcher == nil || layout == nil || progress == nil {
		return nil, errors.New("pipeline requires a store, queue, fetcher, layout and progress sink")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    store,
		queue:    queue,
		fetcher:  fetcher,
		layout:   layout,
		progress: progress,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Run starts the producer and every worker and waits for all of them. The
// first failure cancels the others; its error is the one returned. The
// Result is filled in either way.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	tracer := otel.Tracer(tracerName)
	if parent := trace.SpanFromContext(ctx); parent.SpanContext().IsValid() {
		tracer = parent.TracerProvider().Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "harvest.pipeline")
	defer span.End()
	span.SetAttributes(
		attribute.Int("harvest.workers", p.cfg.Workers),
		attribute.Int("harvest.batch_size", p.cfg.BatchSize),
	)

	prod := producer.New(p.store, p.queue, p.progress,
		producer.Config{BatchSize: p.cfg.BatchSize},
		p.logger.Named("producer"),
	)
	workers := make([]*worker.Worker, p.cfg.Workers)
	for i := range workers {
		workers[i] = worker.New(p.store, p.queue, p.fetcher, p.layout, p.progress,
			worker.Config{
				Index:                   i,
				Retry:                   p.cfg.Retry,
				AbortOnUnexpectedStatus: p.cfg.AbortOnUnexpectedStatus,
			},
			p.logger.Named("worker"),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return prod.Run(gctx)
	})
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	result := Result{Pending: prod.Stats().Pending}
	for _, w := range workers {
		s := w.Stats()
		result.Considered += s.Considered
		result.Persisted += s.Persisted
		result.Skipped += s.Skipped
		result.WriteFailed += s.WriteFailed
		result.FallbackBatches += s.FallbackBatches
	}
	span.SetAttributes(
		attribute.Int64("harvest.pending", result.Pending),
		attribute.Int64("harvest.persisted", result.Persisted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("harvest run: %w", err)
	}
	return result, nil
}
