// Package producer streams pending work from storage onto the bounded queue.
package producer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

const defaultBatchSize = 512

// Config controls Producer behavior.
type Config struct {
	BatchSize int
}

// Stats counts what the producer published. Read it only after Run has returned.
type Stats struct {
	Pending int64
	Batches int64
	Items   int64
}

// Producer reads pending versions and enqueues them in batches.
type Producer struct {
	store    harvest.Store
	queue    harvest.Queue
	progress harvest.Progress
	cfg      Config
	logger   *zap.Logger
	stats    Stats
}

// New constructs a Producer.
func New(store harvest.Store, queue harvest.Queue, progress harvest.Progress, cfg Config, logger *zap.Logger) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		store:    store,
		queue:    queue,
		progress: progress,
		cfg:      cfg,
		logger:   logger,
	}
}

// Stats returns the producer's counters.
func (p *Producer) Stats() Stats {
	return p.stats
}

// Run counts pending work, publishes the total, then streams every pending
// item onto the queue. Enqueue blocks while the queue is full, which holds
// the database cursor back. The queue is closed when Run returns, so
// workers drain what was published and exit.
func (p *Producer) Run(ctx context.Context) error {
	defer p.queue.Close()

	session, err := p.store.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	defer session.Release()

	pending, err := session.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	p.stats.Pending = pending
	p.progress.SetTotal(pending)
	p.logger.Info("pending versions counted", zap.Int64("pending", pending))

	err = session.StreamPending(ctx, p.cfg.BatchSize, func(batch harvest.Batch) error {
		if err := p.queue.Enqueue(ctx, batch); err != nil {
			return err
		}
		p.stats.Batches++
		p.stats.Items += int64(len(batch))
		return nil
	})
	if err != nil {
		if errors.Is(err, harvest.ErrQueueClosed) {
			return fmt.Errorf("producer: queue closed before stream finished: %w", err)
		}
		return fmt.Errorf("producer: %w", err)
	}

	p.logger.Info("all pending versions enqueued",
		zap.Int64("items", p.stats.Items),
		zap.Int64("batches", p.stats.Batches),
	)
	return nil
}
