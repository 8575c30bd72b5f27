package jobstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firestorepb "cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/scribehq/scribe/go/jobs"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxTxnAttempts bounds contention retries of a single transaction.
// Past this the error surfaces and the caller's next tick retries.
const maxTxnAttempts = 5

// Firestore is the production Store, one document per job in a single
// collection keyed by job ID.
type Firestore struct {
	client     *firestore.Client
	collection string
}

var _ Store = (*Firestore)(nil)

// NewFirestore dials Firestore for the given project and collection.
func NewFirestore(ctx context.Context, projectID, collection string, opts ...option.ClientOption) (*Firestore, error) {
	if collection == "" {
		return nil, fmt.Errorf("jobs collection is required")
	}
	var client, err = firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing firestore: %w", err)
	}
	return &Firestore{client: client, collection: collection}, nil
}

// Close releases the underlying client.
func (s *Firestore) Close() error { return s.client.Close() }

func (s *Firestore) doc(jobID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(jobID)
}

func (s *Firestore) statusQuery(status jobs.Status, limit int) firestore.Query {
	var q = s.client.Collection(s.collection).Query.
		Where("status", "==", string(status))
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

func (s *Firestore) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	var snap, err = s.doc(jobID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", jobID, err)
	}
	return decodeJob(snap)
}

func (s *Firestore) Update(ctx context.Context, jobID string, patch jobs.Patch) error {
	var _, err = s.doc(jobID).Update(ctx, fieldUpdates(patch))
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("updating job %s: %w", jobID, err)
	}
	return nil
}

// Create writes a new job document, failing if it already exists.
// created_at and updated_at are assigned by the server clock.
func (s *Firestore) Create(ctx context.Context, job *jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if _, err := s.doc(job.ID).Create(ctx, job); err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Firestore) RunTransaction(ctx context.Context, fn func(txn Txn) error) error {
	return s.client.RunTransaction(ctx,
		func(ctx context.Context, tx *firestore.Transaction) error {
			return fn(&firestoreTxn{store: s, tx: tx})
		},
		firestore.MaxAttempts(maxTxnAttempts),
	)
}

// CountByStatus uses the native aggregation when unbounded, and a
// capped stream otherwise (the controller only needs to know whether
// there is room under a small ceiling).
func (s *Firestore) CountByStatus(ctx context.Context, status jobs.Status, limit int) (int, error) {
	if limit <= 0 {
		var query = s.statusQuery(status, 0)
		var res, err = query.
			NewAggregationQuery().WithCount("count").Get(ctx)
		if err != nil {
			return 0, fmt.Errorf("counting %s jobs: %w", status, err)
		}
		var value, ok = res["count"].(*firestorepb.Value)
		if !ok {
			return 0, fmt.Errorf("counting %s jobs: malformed aggregation result", status)
		}
		return int(value.GetIntegerValue()), nil
	}
	return countDocuments(s.statusQuery(status, limit).Documents(ctx), status)
}

func (s *Firestore) ListByStatus(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	return collectJobs(s.statusQuery(status, limit).
		OrderBy("created_at", firestore.Asc).Documents(ctx))
}

// firestoreTxn adapts *firestore.Transaction to the Txn interface.
// Firestore requires all transactional reads to precede writes, which
// the queue controller's count-then-claim shape already satisfies, and
// aborts the commit when any read document changed underneath it.
type firestoreTxn struct {
	store *Firestore
	tx    *firestore.Transaction
}

func (t *firestoreTxn) Get(jobID string) (*jobs.Job, error) {
	var snap, err = t.tx.Get(t.store.doc(jobID))
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", jobID, err)
	}
	return decodeJob(snap)
}

func (t *firestoreTxn) CountByStatus(status jobs.Status, limit int) (int, error) {
	return countDocuments(t.tx.Documents(t.store.statusQuery(status, limit)), status)
}

func (t *firestoreTxn) ListByStatus(status jobs.Status, limit int) ([]*jobs.Job, error) {
	return collectJobs(t.tx.Documents(t.store.statusQuery(status, limit).
		OrderBy("created_at", firestore.Asc)))
}

func (t *firestoreTxn) Update(jobID string, patch jobs.Patch) error {
	return t.tx.Update(t.store.doc(jobID), fieldUpdates(patch))
}

func decodeJob(snap *firestore.DocumentSnapshot) (*jobs.Job, error) {
	var job = new(jobs.Job)
	if err := snap.DataTo(job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", snap.Ref.ID, err)
	}
	return job, nil
}

func countDocuments(it *firestore.DocumentIterator, status jobs.Status) (int, error) {
	defer it.Stop()
	var count int
	for {
		var _, err = it.Next()
		if err == iterator.Done {
			return count, nil
		} else if err != nil {
			return 0, fmt.Errorf("counting %s jobs: %w", status, err)
		}
		count++
	}
}

func collectJobs(it *firestore.DocumentIterator) ([]*jobs.Job, error) {
	defer it.Stop()
	var out []*jobs.Job
	for {
		var snap, err = it.Next()
		if err == iterator.Done {
			return out, nil
		} else if err != nil {
			return nil, fmt.Errorf("listing jobs: %w", err)
		}
		var job *jobs.Job
		if job, err = decodeJob(snap); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
}

// fieldUpdates maps a Patch onto Firestore field updates, resolving
// the ServerNow sentinel to the server timestamp.
func fieldUpdates(patch jobs.Patch) []firestore.Update {
	var updates = make([]firestore.Update, 0, len(patch))
	for path, value := range patch {
		if value == jobs.ServerNow {
			value = firestore.ServerTimestamp
		}
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}
	return updates
}
