// Package jobstore provides transactional access to the job
// collection. The Store interface is the orchestrator's only view of
// the backing document store; the production implementation is
// Firestore, and memstore provides the same contract in-process.
package jobstore

import (
	"context"
	"errors"

	"github.com/scribehq/scribe/go/jobs"
)

// ErrNotFound is returned by Get when no document exists for the job ID.
var ErrNotFound = errors.New("job not found")

// Txn is the handle passed to a RunTransaction body. Reads observe a
// consistent snapshot, writes are buffered, and the commit applies all
// writes or none. Backends must abort the transaction if a document
// read (or listed) within it is concurrently modified; the queue
// controller's admission ceiling depends on exactly this.
type Txn interface {
	// Get reads a single job, or returns ErrNotFound.
	Get(jobID string) (*jobs.Job, error)
	// CountByStatus counts jobs with the given status, reading at most
	// limit documents. A streamed, capped count is sufficient: callers
	// only ever need to know whether there is room under a small ceiling.
	CountByStatus(status jobs.Status, limit int) (int, error)
	// ListByStatus returns jobs with the given status ordered by
	// created_at ascending. limit <= 0 means no limit.
	ListByStatus(status jobs.Status, limit int) ([]*jobs.Job, error)
	// Update buffers a patch against the job document.
	Update(jobID string, patch jobs.Patch) error
}

// Store is the job collection.
type Store interface {
	// Get reads a single job, or returns ErrNotFound.
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	// Update applies a patch outside of any transaction, last writer wins.
	Update(ctx context.Context, jobID string, patch jobs.Patch) error
	// RunTransaction runs fn against a transactional handle and commits
	// its buffered writes. Contention retries are the store's concern,
	// up to a small bound; past that the error surfaces to the caller.
	RunTransaction(ctx context.Context, fn func(txn Txn) error) error
	// CountByStatus and ListByStatus mirror their Txn counterparts for
	// non-transactional readers such as the reaper's sweep.
	CountByStatus(ctx context.Context, status jobs.Status, limit int) (int, error)
	ListByStatus(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error)
}
