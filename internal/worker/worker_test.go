package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
	"github.com/JakeFAU/pom-harvester/internal/progress"
	queueMemory "github.com/JakeFAU/pom-harvester/internal/queue/memory"
	memoryStorage "github.com/JakeFAU/pom-harvester/internal/storage/memory"
)

var fastRetry = harvest.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestWorker_Process_NotFoundIsSkipped(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	w, _ := newTestWorker(t, fetcher, memoryStorage.NewStore(), true)
	item := testItem(1)

	outcome := w.Process(context.Background(), item)
	require.Equal(t, harvest.OutcomeSkipped, outcome.Kind)
	require.Equal(t, harvest.SkipNotFound, outcome.Reason)
	require.Equal(t, 1, fetcher.callsFor(w.layout.URL(item)))
}

func TestWorker_Process_TransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	w, _ := newTestWorker(t, fetcher, memoryStorage.NewStore(), true)
	item := testItem(1)
	u := w.layout.URL(item)
	fetcher.script(u,
		fetchResult{err: errors.New("connection reset by peer")},
		fetchResult{err: errors.New("connection reset by peer")},
		fetchResult{status: http.StatusOK, body: "<project/>"},
	)

	outcome := w.Process(context.Background(), item)
	require.Equal(t, harvest.OutcomeFetched, outcome.Kind)
	require.Equal(t, []byte("<project/>"), outcome.Document.Content)
	require.Equal(t, item.VersionID, outcome.Document.VersionID)
	require.Equal(t, 3, fetcher.callsFor(u))
}

func TestWorker_Process_RetryExhausted(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	w, _ := newTestWorker(t, fetcher, memoryStorage.NewStore(), true)
	item := testItem(1)
	u := w.layout.URL(item)
	fetcher.script(u, fetchResult{err: errors.New("i/o timeout")})

	outcome := w.Process(context.Background(), item)
	require.Equal(t, harvest.OutcomeSkipped, outcome.Kind)
	require.Equal(t, harvest.SkipFetchFailed, outcome.Reason)
	var retryErr *harvest.RetryError
	require.ErrorAs(t, outcome.Err, &retryErr)
	require.Equal(t, 3, retryErr.Attempts)
	require.Equal(t, 3, fetcher.callsFor(u))
}

func TestWorker_Process_UnexpectedStatus(t *testing.T) {
	t.Parallel()

	item := testItem(1)

	fetcher := newScriptedFetcher()
	abort, _ := newTestWorker(t, fetcher, memoryStorage.NewStore(), true)
	fetcher.script(abort.layout.URL(item), fetchResult{status: http.StatusInternalServerError})

	outcome := abort.Process(context.Background(), item)
	require.Equal(t, harvest.OutcomeFatal, outcome.Kind)
	var statusErr *harvest.StatusError
	require.ErrorAs(t, outcome.Err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.Equal(t, 1, fetcher.callsFor(abort.layout.URL(item)), "statuses are not retried")

	lenient, _ := newTestWorker(t, fetcher, memoryStorage.NewStore(), false)
	outcome = lenient.Process(context.Background(), item)
	require.Equal(t, harvest.OutcomeSkipped, outcome.Kind)
	require.Equal(t, harvest.SkipUnexpectedStatus, outcome.Reason)
}

func TestWorker_Run_PersistsAndAdvancesProgress(t *testing.T) {
	t.Parallel()

	items := []harvest.WorkItem{testItem(1), testItem(2), testItem(3), testItem(4)}
	store := memoryStorage.NewStore(items...)
	fetcher := newScriptedFetcher()
	w, tracker := newTestWorker(t, fetcher, store, true)
	for _, item := range []harvest.WorkItem{items[0], items[1], items[3]} {
		fetcher.script(w.layout.URL(item), fetchResult{status: http.StatusOK, body: item.String()})
	}

	queue := w.queue.(*queueMemory.Queue)
	require.NoError(t, queue.Enqueue(context.Background(), harvest.Batch{items[0], items[1]}))
	require.NoError(t, queue.Enqueue(context.Background(), harvest.Batch{items[2], items[3]}))
	queue.Close()

	require.NoError(t, w.Run(context.Background()))

	require.Equal(t, int64(4), tracker.Done())
	require.Equal(t, 3, store.DocumentCount())
	_, ok := store.Document(items[2].VersionID)
	require.False(t, ok)
	doc, ok := store.Document(items[3].VersionID)
	require.True(t, ok)
	require.Equal(t, items[3].String(), string(doc))
	require.Equal(t, Stats{Considered: 4, Persisted: 3, Skipped: 1}, w.Stats())
}

func TestWorker_Run_FatalStatusAbortsWithoutFlushing(t *testing.T) {
	t.Parallel()

	items := []harvest.WorkItem{testItem(1), testItem(2)}
	store := memoryStorage.NewStore(items...)
	fetcher := newScriptedFetcher()
	w, tracker := newTestWorker(t, fetcher, store, true)
	fetcher.script(w.layout.URL(items[0]), fetchResult{status: http.StatusOK, body: "ok"})
	fetcher.script(w.layout.URL(items[1]), fetchResult{status: http.StatusServiceUnavailable})

	queue := w.queue.(*queueMemory.Queue)
	require.NoError(t, queue.Enqueue(context.Background(), harvest.Batch(items)))
	queue.Close()

	err := w.Run(context.Background())
	var statusErr *harvest.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	require.Equal(t, 0, store.DocumentCount())
	require.Equal(t, int64(0), tracker.Done())
}

func TestWorker_Run_AcquireFailure(t *testing.T) {
	t.Parallel()

	store := memoryStorage.NewStore()
	store.FailAcquire(errors.New("too many clients"))
	w, _ := newTestWorker(t, newScriptedFetcher(), store, true)

	err := w.Run(context.Background())
	require.ErrorContains(t, err, "too many clients")
}

func TestWorker_Run_StopsOnCancel(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorker(t, newScriptedFetcher(), memoryStorage.NewStore(), true)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_Run_CancelMidBatchStopsBeforeNextItem(t *testing.T) {
	t.Parallel()

	items := []harvest.WorkItem{testItem(1), testItem(2), testItem(3)}
	store := memoryStorage.NewStore(items...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &cancelingFetcher{cancel: cancel}
	w, tracker := newTestWorker(t, fetcher, store, true)

	queue := w.queue.(*queueMemory.Queue)
	require.NoError(t, queue.Enqueue(context.Background(), harvest.Batch(items)))
	require.NoError(t, queue.Enqueue(context.Background(), harvest.Batch{testItem(4)}))

	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, fetcher.calls)
	require.Equal(t, 0, store.DocumentCount())
	require.Equal(t, int64(0), tracker.Done())
}

// cancelingFetcher answers 200 but cancels the run on its first call, like a
// sibling worker failing while this one is mid-batch.
type cancelingFetcher struct {
	cancel context.CancelFunc
	calls  int
}

func (f *cancelingFetcher) Fetch(_ context.Context, u *url.URL) (harvest.FetchResponse, error) {
	f.calls++
	f.cancel()
	return harvest.FetchResponse{URL: u.String(), StatusCode: http.StatusOK, Body: []byte("<project/>")}, nil
}

func newTestWorker(t *testing.T, fetcher harvest.Fetcher, store harvest.Store, abort bool) (*Worker, *progress.Tracker) {
	t.Helper()
	layout, err := harvest.NewLayout("https://repo.example.com/maven2", "pom")
	require.NoError(t, err)
	tracker := progress.NewTracker()
	w := New(
		store,
		queueMemory.NewQueue(4),
		fetcher,
		layout,
		tracker,
		Config{Index: 0, Retry: fastRetry, AbortOnUnexpectedStatus: abort},
		zap.NewNop(),
	)
	return w, tracker
}

func testItem(id int64) harvest.WorkItem {
	return harvest.WorkItem{
		VersionID:  id,
		GroupID:    "com.example",
		ArtifactID: "lib",
		Version:    fmt.Sprintf("1.0.%d", id),
	}
}

type fetchResult struct {
	status int
	body   string
	err    error
}

// scriptedFetcher replays per-URL results; the last result repeats and
// unknown URLs answer 404.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fetchResult
	calls   map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[string][]fetchResult),
		calls:   make(map[string]int),
	}
}

func (f *scriptedFetcher) script(u *url.URL, results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[u.String()] = results
}

func (f *scriptedFetcher) callsFor(u *url.URL) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u.String()]
}

func (f *scriptedFetcher) Fetch(_ context.Context, u *url.URL) (harvest.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := u.String()
	n := f.calls[key]
	f.calls[key]++

	steps := f.scripts[key]
	r := fetchResult{status: http.StatusNotFound}
	switch {
	case n < len(steps):
		r = steps[n]
	case len(steps) > 0:
		r = steps[len(steps)-1]
	}
	if r.err != nil {
		return harvest.FetchResponse{}, r.err
	}
	return harvest.FetchResponse{URL: key, StatusCode: r.status, Body: []byte(r.body)}, nil
}
