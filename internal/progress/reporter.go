package progress

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

const defaultInterval = 5 * time.Second

// Snapshot is a point-in-time view of progress.
type Snapshot struct {
	Total   int64
	Done    int64
	Percent float64
	Rate    float64 // items per second
	ETA     time.Duration
	Elapsed time.Duration
}

// Reporter logs tracker snapshots on an interval.
type Reporter struct {
	tracker  *Tracker
	clock    harvest.Clock
	logger   *zap.Logger
	interval time.Duration
	started  time.Time
}

// NewReporter builds a Reporter. The start time is taken from clock now.
func NewReporter(tracker *Tracker, clock harvest.Clock, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		tracker:  tracker,
		clock:    clock,
		logger:   logger,
		interval: interval,
		started:  clock.Now(),
	}
}

// Run logs a snapshot every interval until ctx is done, then logs a final one.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log("harvest progress final", r.Snapshot())
			return
		case <-ticker.C:
			r.log("harvest progress", r.Snapshot())
		}
	}
}

// Snapshot computes the current progress figures.
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{
		Total:   r.tracker.Total(),
		Done:    r.tracker.Done(),
		Elapsed: r.clock.Now().Sub(r.started),
	}
	if s.Total > 0 {
		s.Percent = float64(s.Done) / float64(s.Total) * 100
	}
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.Rate = float64(s.Done) / secs
	}
	if remaining := s.Total - s.Done; remaining > 0 && s.Rate > 0 {
		s.ETA = time.Duration(float64(remaining) / s.Rate * float64(time.Second)).Round(time.Second)
	}
	return s
}

func (r *Reporter) log(msg string, s Snapshot) {
	r.logger.Info(msg,
		zap.Int64("done", s.Done),
		zap.Int64("total", s.Total),
		zap.Float64("percent", s.Percent),
		zap.Float64("items_per_sec", s.Rate),
		zap.Duration("eta", s.ETA),
		zap.Duration("elapsed", s.Elapsed.Round(time.Second)),
	)
}
