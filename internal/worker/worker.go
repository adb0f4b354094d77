// Package worker implements the harvest execution loop: dequeue a batch,
// fetch each document with retry, persist the successes, advance progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
	"github.com/JakeFAU/pom-harvester/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	Index int
	Retry harvest.RetryPolicy
	// AbortOnUnexpectedStatus turns any status other than 2xx or 404 into a
	// run-aborting error. When false such items are skipped.
	AbortOnUnexpectedStatus bool
}

// Stats counts what a worker did. Read it only after Run has returned.
type Stats struct {
	Considered      int64
	Persisted       int64
	Skipped         int64
	WriteFailed     int64
	FallbackBatches int64
}

// Worker consumes batches from the queue until it is closed and drained.
type Worker struct {
	store    harvest.Store
	queue    harvest.Queue
	fetcher  harvest.Fetcher
	layout   *harvest.Layout
	progress harvest.Progress
	cfg      Config
	logger   *zap.Logger
	stats    Stats
}

// New constructs a Worker.
func New(
	store harvest.Store,
	queue harvest.Queue,
	fetcher harvest.Fetcher,
	layout *harvest.Layout,
	progress harvest.Progress,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    store,
		queue:    queue,
		fetcher:  fetcher,
		layout:   layout,
		progress: progress,
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker", cfg.Index)),
	}
}

// Stats returns the worker's counters.
func (w *Worker) Stats() Stats {
	return w.stats
}

// Run holds one session for its lifetime and processes batches until the
// queue reports closed. It returns an error only when the session cannot be
// acquired, when an item is fatal, or when ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	session, err := w.store.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
	}
	defer session.Release()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
		}
		batch, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, harvest.ErrQueueClosed) {
				w.logger.Debug("queue drained, worker exiting")
				return nil
			}
			return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
		}
		if err := w.processBatch(ctx, session, batch); err != nil {
			return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, session harvest.Session, batch harvest.Batch) error {
	docs := make([]harvest.FetchedDocument, 0, len(batch))
	for _, item := range batch {
		// Another task may have failed; drop the rest of the batch unflushed.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch interrupted before %s: %w", item, err)
		}
		outcome := w.Process(ctx, item)
		w.stats.Considered++
		switch outcome.Kind {
		case harvest.OutcomeFetched:
			metrics.ObserveOutcome(harvest.OutcomeFetched.String())
			docs = append(docs, outcome.Document)
		case harvest.OutcomeSkipped:
			metrics.ObserveOutcome(string(outcome.Reason))
			w.stats.Skipped++
		case harvest.OutcomeFatal:
			metrics.ObserveOutcome(harvest.OutcomeFatal.String())
			return fmt.Errorf("harvest %s: %w", item, outcome.Err)
		}
	}

	result := Flush(ctx, session, docs, w.logger)
	w.stats.Persisted += int64(result.Persisted)
	w.stats.WriteFailed += int64(result.Failed)
	if result.Fallback {
		w.stats.FallbackBatches++
	}
	w.progress.Add(int64(len(batch)))
	return nil
}

// Process resolves, fetches, and classifies a single item.
func (w *Worker) Process(ctx context.Context, item harvest.WorkItem) harvest.Outcome {
	u := w.layout.URL(item)
	logger := w.logger.With(zap.Stringer("item", item), zap.String("url", u.String()))

	resp, err := harvest.Retry(ctx, w.cfg.Retry,
		func(ctx context.Context) (harvest.FetchResponse, error) {
			return w.fetcher.Fetch(ctx, u)
		},
		func(attempt int, err error, wait time.Duration) {
			logger.Debug("fetch failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return harvest.Fatal(item, ctxErr)
		}
		logger.Error("fetch failed, skipping item", zap.Error(err))
		return harvest.Skipped(item, harvest.SkipFetchFailed, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return harvest.Fetched(item, resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		logger.Debug("document not found")
		return harvest.Skipped(item, harvest.SkipNotFound, nil)
	default:
		statusErr := &harvest.StatusError{URL: u.String(), StatusCode: resp.StatusCode}
		if w.cfg.AbortOnUnexpectedStatus {
			return harvest.Fatal(item, statusErr)
		}
		logger.Warn("unexpected status, skipping item", zap.Int("status", resp.StatusCode))
		return harvest.Skipped(item, harvest.SkipUnexpectedStatus, statusErr)
	}
}
