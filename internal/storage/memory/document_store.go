// Package memory provides an in-memory harvest.Store for development and testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

var (
	// ErrDuplicateDocument mirrors a unique violation on version_id.
	ErrDuplicateDocument = errors.New("document already exists")
	// ErrUnknownVersion mirrors a foreign key violation on version_id.
	ErrUnknownVersion = errors.New("version does not exist")
)

// Store keeps versions and harvested documents in maps guarded by a mutex.
// Batch writes are all-or-nothing, like a single INSERT statement.
type Store struct {
	mu         sync.RWMutex
	versions   map[int64]harvest.WorkItem
	docs       map[int64][]byte
	failures   map[int64]error
	acquireErr error
	batchCalls int
	oneCalls   int
}

// NewStore creates a store seeded with the given versions.
func NewStore(items ...harvest.WorkItem) *Store {
	s := &Store{
		versions: make(map[int64]harvest.WorkItem),
		docs:     make(map[int64][]byte),
		failures: make(map[int64]error),
	}
	s.AddVersions(items...)
	return s
}

// AddVersions registers versions as harvestable.
func (s *Store) AddVersions(items ...harvest.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.versions[item.VersionID] = item
	}
}

// FailWrites makes every write touching versionID fail with err.
func (s *Store) FailWrites(versionID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[versionID] = err
}

// FailAcquire makes Acquire return err.
func (s *Store) FailAcquire(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquireErr = err
}

// Document returns a copy of the stored document for versionID.
func (s *Store) Document(versionID int64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[versionID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), doc...), true
}

// DocumentCount returns how many documents are stored.
func (s *Store) DocumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// WriteCalls reports how many batch and single-row writes were attempted.
func (s *Store) WriteCalls() (batch, single int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batchCalls, s.oneCalls
}

// Acquire returns a session over the shared maps.
func (s *Store) Acquire(ctx context.Context) (harvest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.acquireErr != nil {
		return nil, fmt.Errorf("acquire session: %w", s.acquireErr)
	}
	return &session{store: s}, nil
}

type session struct {
	store *Store
}

func (*session) Release() {}

func (s *session) CountPending(context.Context) (int64, error) {
	return int64(len(s.store.pending())), nil
}

func (s *session) StreamPending(ctx context.Context, batchSize int, fn func(harvest.Batch) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}
	pending := s.store.pending()
	for start := 0; start < len(pending); start += batchSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stream pending versions: %w", err)
		}
		end := min(start+batchSize, len(pending))
		batch := make(harvest.Batch, end-start)
		copy(batch, pending[start:end])
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) WriteBatch(_ context.Context, docs []harvest.FetchedDocument) error {
	if len(docs) == 0 {
		return nil
	}
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	st.batchCalls++

	seen := make(map[int64]struct{}, len(docs))
	for _, doc := range docs {
		if err := st.checkLocked(doc.VersionID); err != nil {
			return fmt.Errorf("insert %d documents: %w", len(docs), err)
		}
		if _, dup := seen[doc.VersionID]; dup {
			return fmt.Errorf("insert %d documents: %w", len(docs), ErrDuplicateDocument)
		}
		seen[doc.VersionID] = struct{}{}
	}
	for _, doc := range docs {
		st.docs[doc.VersionID] = append([]byte(nil), doc.Content...)
	}
	return nil
}

func (s *session) WriteOne(_ context.Context, doc harvest.FetchedDocument) error {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	st.oneCalls++

	if err := st.checkLocked(doc.VersionID); err != nil {
		return fmt.Errorf("insert document for version %d: %w", doc.VersionID, err)
	}
	st.docs[doc.VersionID] = append([]byte(nil), doc.Content...)
	return nil
}

func (s *Store) checkLocked(versionID int64) error {
	if err, ok := s.failures[versionID]; ok {
		return err
	}
	if _, ok := s.versions[versionID]; !ok {
		return ErrUnknownVersion
	}
	if _, ok := s.docs[versionID]; ok {
		return ErrDuplicateDocument
	}
	return nil
}

// pending returns versions without a document ordered by version ID.
func (s *Store) pending() []harvest.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.WorkItem, 0, len(s.versions))
	for id, item := range s.versions {
		if _, done := s.docs[id]; !done {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionID < out[j].VersionID })
	return out
}
