package progress

import (
	"sync/atomic"

	"github.com/JakeFAU/pom-harvester/internal/metrics"
)

// Tracker implements harvest.Progress. It is safe for concurrent use.
type Tracker struct {
	total atomic.Int64
	done  atomic.Int64
}

// NewTracker returns a zeroed Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// SetTotal records the expected number of items.
func (t *Tracker) SetTotal(total int64) {
	t.total.Store(total)
	metrics.SetProgress(total, t.done.Load())
}

// Add advances the completed count by delta.
func (t *Tracker) Add(delta int64) {
	done := t.done.Add(delta)
	metrics.SetProgress(t.total.Load(), done)
}

// Total returns the expected number of items.
func (t *Tracker) Total() int64 {
	return t.total.Load()
}

// Done returns the number of items processed so far.
func (t *Tracker) Done() int64 {
	return t.done.Load()
}
