package harvest

import (
	"fmt"
	"time"
)

// WorkItem identifies one artifact version that still lacks a document.
type WorkItem struct {
	VersionID  int64
	GroupID    string
	ArtifactID string
	Version    string
}

// String renders the item as Maven coordinates.
func (w WorkItem) String() string {
	return fmt.Sprintf("%s:%s:%s", w.GroupID, w.ArtifactID, w.Version)
}

// Batch is a bounded group of work items moved through the queue together.
type Batch []WorkItem

// FetchedDocument is a successfully fetched document awaiting persistence.
type FetchedDocument struct {
	VersionID int64
	Content   []byte
}

// FetchResponse is the result returned by a Fetcher implementation. Non-2xx
// statuses are reported here rather than as errors.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// OutcomeKind tags the result of processing a single work item.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeFetched OutcomeKind = iota
	OutcomeSkipped
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFetched:
		return "fetched"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// SkipReason explains why an item was skipped.
type SkipReason string

// Skip reasons recorded for items that are left unpersisted.
const (
	SkipNotFound         SkipReason = "not_found"
	SkipFetchFailed      SkipReason = "fetch_failed"
	SkipUnexpectedStatus SkipReason = "unexpected_status"
)

// Outcome is the tagged per-item result folded by the worker loop.
type Outcome struct {
	Kind     OutcomeKind
	Item     WorkItem
	Document FetchedDocument
	Reason   SkipReason
	Err      error
}

// Fetched builds an outcome carrying a fetched document.
func Fetched(item WorkItem, content []byte) Outcome {
	return Outcome{
		Kind:     OutcomeFetched,
		Item:     item,
		Document: FetchedDocument{VersionID: item.VersionID, Content: content},
	}
}

// Skipped builds an outcome for an item left unpersisted. err may be nil.
func Skipped(item WorkItem, reason SkipReason, err error) Outcome {
	return Outcome{Kind: OutcomeSkipped, Item: item, Reason: reason, Err: err}
}

// Fatal builds an outcome that aborts the whole run.
func Fatal(item WorkItem, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Item: item, Err: err}
}

// RunSummary describes a finished harvest run.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Pending         int64     `json:"pending"`
	Considered      int64     `json:"considered"`
	Persisted       int64     `json:"persisted"`
	Skipped         int64     `json:"skipped"`
	FallbackBatches int64     `json:"fallback_batches"`
	Error           string    `json:"error,omitempty"`
}

// Succeeded reports whether the run completed without a fatal error.
func (s RunSummary) Succeeded() bool {
	return s.Error == ""
}
