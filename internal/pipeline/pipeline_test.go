package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/pom-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/pom-harvester/internal/harvest"
	"github.com/JakeFAU/pom-harvester/internal/progress"
	queueMemory "github.com/JakeFAU/pom-harvester/internal/queue/memory"
	memoryStorage "github.com/JakeFAU/pom-harvester/internal/storage/memory"
)

var fastRetry = harvest.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestPipeline_EndToEndOverHTTP(t *testing.T) {
	t.Parallel()

	items := seed(20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every fifth version was never published.
		if strings.HasSuffix(r.URL.Path, "0.pom") || strings.HasSuffix(r.URL.Path, "5.pom") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<project>" + r.URL.Path + "</project>"))
	}))
	defer srv.Close()

	store := memoryStorage.NewStore(items...)
	layout, err := harvest.NewLayout(srv.URL+"/maven2", "pom")
	require.NoError(t, err)
	tracker := progress.NewTracker()

	p, err := New(store, queueMemory.NewQueue(4),
		collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}),
		layout, tracker,
		Config{Workers: 4, BatchSize: 3, Retry: fastRetry, AbortOnUnexpectedStatus: true},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Pending: 20, Considered: 20, Persisted: 16, Skipped: 4}, result)
	require.Equal(t, int64(20), tracker.Total())
	require.Equal(t, int64(20), tracker.Done())
	require.Equal(t, 16, store.DocumentCount())

	doc, ok := store.Document(1)
	require.True(t, ok)
	require.Equal(t, "<project>/maven2/org/acme/widget/1.1/widget-1.1.pom</project>", string(doc))

	// A second run only considers what is still missing.
	p, err = New(store, queueMemory.NewQueue(4),
		collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}),
		layout, progress.NewTracker(),
		Config{Workers: 2, BatchSize: 3, Retry: fastRetry, AbortOnUnexpectedStatus: true},
		zap.NewNop(),
	)
	require.NoError(t, err)
	result, err = p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4), result.Pending)
	require.Equal(t, int64(0), result.Persisted)
}

func TestPipeline_TransientFailuresRecover(t *testing.T) {
	t.Parallel()

	items := seed(3)
	store := memoryStorage.NewStore(items...)
	fetcher := &flakyFetcher{failuresLeft: map[string]int{}}
	layout := testLayout(t)
	fetcher.failuresLeft[layout.URL(items[1]).String()] = 2

	p, err := New(store, queueMemory.NewQueue(2), fetcher, layout, progress.NewTracker(),
		Config{Workers: 2, BatchSize: 2, Retry: fastRetry, AbortOnUnexpectedStatus: true},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Persisted)
	require.Equal(t, int64(5), fetcher.calls.Load())
}

func TestPipeline_UnexpectedStatusAbortsRun(t *testing.T) {
	t.Parallel()

	items := seed(30)
	store := memoryStorage.NewStore(items...)
	layout := testLayout(t)
	fetcher := &flakyFetcher{
		failuresLeft: map[string]int{},
		statuses:     map[string]int{layout.URL(items[4]).String(): http.StatusInternalServerError},
	}

	p, err := New(store, queueMemory.NewQueue(2), fetcher, layout, progress.NewTracker(),
		Config{Workers: 3, BatchSize: 2, Retry: fastRetry, AbortOnUnexpectedStatus: true},
		zap.NewNop(),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		var statusErr *harvest.StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not abort")
	}
	_, ok := store.Document(items[4].VersionID)
	require.False(t, ok)
}

func TestPipeline_AbortStopsSiblingWorkersMidBatch(t *testing.T) {
	t.Parallel()

	items := seed(10)
	store := memoryStorage.NewStore(items...)
	layout := testLayout(t)
	fetcher := &stallingFetcher{fatal: layout.URL(items[5]).String()}

	p, err := New(store, queueMemory.NewQueue(2), fetcher, layout, progress.NewTracker(),
		Config{Workers: 2, BatchSize: 5, Retry: fastRetry, AbortOnUnexpectedStatus: true},
		zap.NewNop(),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		var statusErr *harvest.StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not abort")
	}
	// One fetch per batch at most: the remaining items of the stalled batch
	// are dropped once the run is canceled.
	require.LessOrEqual(t, fetcher.calls.Load(), int64(2))
	require.Equal(t, 0, store.DocumentCount())
}

// stallingFetcher fails one URL with 502 and holds every other fetch until
// the run is canceled, then answers 200 anyway.
type stallingFetcher struct {
	fatal string
	calls atomic.Int64
}

func (f *stallingFetcher) Fetch(ctx context.Context, u *url.URL) (harvest.FetchResponse, error) {
	f.calls.Add(1)
	key := u.String()
	if key == f.fatal {
		return harvest.FetchResponse{URL: key, StatusCode: http.StatusBadGateway}, nil
	}
	<-ctx.Done()
	return harvest.FetchResponse{URL: key, StatusCode: http.StatusOK, Body: []byte(key)}, nil
}

func TestPipeline_UnexpectedStatusSkippedWhenLenient(t *testing.T) {
	t.Parallel()

	items := seed(4)
	store := memoryStorage.NewStore(items...)
	layout := testLayout(t)
	fetcher := &flakyFetcher{
		failuresLeft: map[string]int{},
		statuses:     map[string]int{layout.URL(items[0]).String(): http.StatusForbidden},
	}

	p, err := New(store, queueMemory.NewQueue(2), fetcher, layout, progress.NewTracker(),
		Config{Workers: 1, BatchSize: 4, Retry: fastRetry},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Persisted)
	require.Equal(t, int64(1), result.Skipped)
}

func TestPipeline_BulkFailureFallsBackPerRow(t *testing.T) {
	t.Parallel()

	items := seed(5)
	store := memoryStorage.NewStore(items...)
	store.FailWrites(3, errors.New("value too long for type"))

	p, err := New(store, queueMemory.NewQueue(2), &flakyFetcher{failuresLeft: map[string]int{}}, testLayout(t),
		progress.NewTracker(),
		Config{Workers: 1, BatchSize: 5, Retry: fastRetry, AbortOnUnexpectedStatus: true},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4), result.Persisted)
	require.Equal(t, int64(1), result.WriteFailed)
	require.Equal(t, int64(1), result.FallbackBatches)

	batch, single := store.WriteCalls()
	require.Equal(t, 1, batch)
	require.Equal(t, 5, single)
	_, ok := store.Document(3)
	require.False(t, ok)
}

func TestPipeline_Backpressure(t *testing.T) {
	t.Parallel()

	items := seed(12)
	store := memoryStorage.NewStore(items...)
	queue := &watchedQueue{Queue: queueMemory.NewQueue(2)}
	fetcher := &flakyFetcher{failuresLeft: map[string]int{}, delay: 10 * time.Millisecond}

	p, err := New(store, queue, fetcher, testLayout(t), progress.NewTracker(),
		Config{Workers: 1, BatchSize: 1, Retry: fastRetry, AbortOnUnexpectedStatus: true},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(12), result.Persisted)
	// Capacity plus one batch the worker may have taken but not yet counted.
	require.LessOrEqual(t, queue.maxOutstanding.Load(), int64(3))
	require.Equal(t, int64(12), queue.enqueued.Load())
}

func TestPipeline_AcquireFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := memoryStorage.NewStore(seed(2)...)
	store.FailAcquire(errors.New("pool exhausted"))

	p, err := New(store, queueMemory.NewQueue(2), &flakyFetcher{}, testLayout(t), progress.NewTracker(),
		Config{Workers: 2, BatchSize: 1}, zap.NewNop())
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.ErrorContains(t, err, "pool exhausted")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(memoryStorage.NewStore(), queueMemory.NewQueue(1), &flakyFetcher{}, testLayout(t),
		progress.NewTracker(), Config{Workers: 0}, nil)
	require.Error(t, err)

	_, err = New(nil, queueMemory.NewQueue(1), &flakyFetcher{}, testLayout(t), progress.NewTracker(),
		Config{Workers: 1}, nil)
	require.Error(t, err)
}

func seed(n int) []harvest.WorkItem {
	items := make([]harvest.WorkItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, harvest.WorkItem{
			VersionID:  int64(i),
			GroupID:    "org.acme",
			ArtifactID: "widget",
			Version:    fmt.Sprintf("1.%d", i),
		})
	}
	return items
}

func testLayout(t *testing.T) *harvest.Layout {
	t.Helper()
	layout, err := harvest.NewLayout("https://repo.example.com/maven2", "pom")
	require.NoError(t, err)
	return layout
}

// flakyFetcher answers 200 unless a URL has remaining transport failures or a
// fixed status.
type flakyFetcher struct {
	mu           sync.Mutex
	failuresLeft map[string]int
	statuses     map[string]int
	delay        time.Duration
	calls        atomic.Int64
}

func (f *flakyFetcher) Fetch(ctx context.Context, u *url.URL) (harvest.FetchResponse, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return harvest.FetchResponse{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := u.String()
	if f.failuresLeft[key] > 0 {
		f.failuresLeft[key]--
		return harvest.FetchResponse{}, errors.New("connection reset by peer")
	}
	if status, ok := f.statuses[key]; ok {
		return harvest.FetchResponse{URL: key, StatusCode: status}, nil
	}
	return harvest.FetchResponse{URL: key, StatusCode: http.StatusOK, Body: []byte(key)}, nil
}

// watchedQueue tracks how far the producer runs ahead of the workers.
type watchedQueue struct {
	*queueMemory.Queue
	enqueued       atomic.Int64
	dequeued       atomic.Int64
	maxOutstanding atomic.Int64
}

func (q *watchedQueue) Enqueue(ctx context.Context, batch harvest.Batch) error {
	if err := q.Queue.Enqueue(ctx, batch); err != nil {
		return err //nolint:wrapcheck // passthrough
	}
	outstanding := q.enqueued.Add(1) - q.dequeued.Load()
	for {
		current := q.maxOutstanding.Load()
		if outstanding <= current || q.maxOutstanding.CompareAndSwap(current, outstanding) {
			return nil
		}
	}
}

func (q *watchedQueue) Dequeue(ctx context.Context) (harvest.Batch, error) {
	batch, err := q.Queue.Dequeue(ctx)
	if err == nil {
		q.dequeued.Add(1)
	}
	return batch, err //nolint:wrapcheck // passthrough
}
