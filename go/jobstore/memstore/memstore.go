// Package memstore is an in-process Store used by the `--store memory`
// development mode and by scheduler tests. Documents are held as raw
// JSON and patched with RFC 7386 merge patches, and a single mutex
// spans every transaction, which trivially satisfies the
// serializability contract of the Store interface.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/scribehq/scribe/go/jobs"
	"github.com/scribehq/scribe/go/jobstore"
)

// Store implements jobstore.Store in memory.
type Store struct {
	mu   sync.Mutex
	docs map[string]json.RawMessage
	now  func() time.Time
}

var _ jobstore.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock substitutes the clock used to resolve ServerNow patches
// and assign creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	var s = &Store{
		docs: make(map[string]json.RawMessage),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put inserts or replaces a job document verbatim, assigning
// created_at and updated_at only when unset. It's the seeding
// counterpart of the Firestore adapter's Create.
func (s *Store) Put(ctx context.Context, job *jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var clone = *job
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now().UTC()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	var raw, err = json.Marshal(&clone)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	s.docs[job.ID] = raw
	return nil
}

func (s *Store) Get(_ context.Context, jobID string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(jobID)
}

func (s *Store) Update(_ context.Context, jobID string, patch jobs.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(jobID, patch)
}

func (s *Store) CountByStatus(_ context.Context, status jobs.Status, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var listed, err = s.listByStatus(status, limit)
	return len(listed), err
}

func (s *Store) ListByStatus(_ context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listByStatus(status, limit)
}

// RunTransaction holds the store lock for the duration of fn. Writes
// are buffered and applied only if fn returns nil.
func (s *Store) RunTransaction(_ context.Context, fn func(txn jobstore.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var txn = &memTxn{store: s}
	if err := fn(txn); err != nil {
		return err
	}
	for _, w := range txn.writes {
		if err := s.apply(w.jobID, w.patch); err != nil {
			return err
		}
	}
	return nil
}

type bufferedWrite struct {
	jobID string
	patch jobs.Patch
}

type memTxn struct {
	store  *Store
	writes []bufferedWrite
}

var _ jobstore.Txn = (*memTxn)(nil)

func (t *memTxn) Get(jobID string) (*jobs.Job, error) {
	return t.store.get(jobID)
}

func (t *memTxn) CountByStatus(status jobs.Status, limit int) (int, error) {
	var listed, err = t.store.listByStatus(status, limit)
	return len(listed), err
}

func (t *memTxn) ListByStatus(status jobs.Status, limit int) ([]*jobs.Job, error) {
	return t.store.listByStatus(status, limit)
}

func (t *memTxn) Update(jobID string, patch jobs.Patch) error {
	if _, ok := t.store.docs[jobID]; !ok {
		return jobstore.ErrNotFound
	}
	t.writes = append(t.writes, bufferedWrite{jobID: jobID, patch: patch})
	return nil
}

// Callers must hold s.mu for all methods below.

func (s *Store) get(jobID string) (*jobs.Job, error) {
	var raw, ok = s.docs[jobID]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	var job = new(jobs.Job)
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *Store) apply(jobID string, patch jobs.Patch) error {
	var raw, ok = s.docs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	var resolved = make(map[string]interface{}, len(patch))
	for field, value := range patch {
		if value == jobs.ServerNow {
			value = s.now().UTC()
		}
		resolved[field] = value
	}
	var patchJSON, err = json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("encoding patch for job %s: %w", jobID, err)
	}
	merged, err := jsonpatch.MergePatch(raw, patchJSON)
	if err != nil {
		return fmt.Errorf("patching job %s: %w", jobID, err)
	}
	s.docs[jobID] = merged
	return nil
}

func (s *Store) listByStatus(status jobs.Status, limit int) ([]*jobs.Job, error) {
	var out []*jobs.Job
	for id := range s.docs {
		var job, err = s.get(id)
		if err != nil {
			return nil, err
		}
		if job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
