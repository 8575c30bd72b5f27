package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scribehq/scribe/go/events"
	"github.com/scribehq/scribe/go/jobs"
	"github.com/scribehq/scribe/go/jobstore/memstore"
	"github.com/scribehq/scribe/go/notify"
	"github.com/stretchr/testify/require"
)

// Fixture defaults mirror the scenario constants: a ceiling of two, a
// five second processing floor, and a 1.0 audio multiplier.
const (
	testCeiling = 2
	testFloor   = 5 * time.Second
)

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (f *fakeSubmitter) Submit(_ context.Context, job *jobs.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, job.ID)
	return "projects/p/locations/r/jobs/transcribe-" + job.ID, nil
}

func (f *fakeSubmitter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []string
	err       error
}

func (f *fakeNotifier) JobCompleted(_ context.Context, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, job.UserEmail)
	return f.err
}

var _ notify.Notifier = (*fakeNotifier)(nil)

type seedSpec struct {
	id         string
	status     jobs.Status
	createdAt  time.Time
	startedAt  *time.Time
	durationMS int64
	email      string
}

func seedJobs(t *testing.T, store *memstore.Store, specs ...seedSpec) {
	t.Helper()
	for _, s := range specs {
		require.NoError(t, store.Put(context.Background(), &jobs.Job{
			ID:               s.id,
			Filename:         s.id + ".wav",
			AudioPath:        "audio/aa/" + s.id + ".wav",
			Language:         "auto",
			Status:           s.status,
			CreatedAt:        s.createdAt,
			ProcessStartedAt: s.startedAt,
			AudioDurationMS:  s.durationMS,
			UserEmail:        s.email,
		}))
	}
}

func mustGet(t *testing.T, store *memstore.Store, id string) *jobs.Job {
	t.Helper()
	var job, err = store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func newController(store *memstore.Store, submitter *fakeSubmitter) *Controller {
	return &Controller{
		Store:         store,
		Submitter:     submitter,
		MaxProcessing: func() int { return testCeiling },
	}
}

func timep(v time.Time) *time.Time { return &v }

// Scenario: three queued jobs against a ceiling of two. The two oldest
// are claimed FIFO and submitted; the third stays queued.
func TestDispatchHappyPath(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var base = time.Date(2025, 4, 19, 0, 0, 0, 0, time.UTC)
	seedJobs(t, store,
		seedSpec{id: "j1", status: jobs.StatusQueued, createdAt: base},
		seedSpec{id: "j2", status: jobs.StatusQueued, createdAt: base.Add(time.Second)},
		seedSpec{id: "j3", status: jobs.StatusQueued, createdAt: base.Add(2 * time.Second)},
	)
	var submitter = &fakeSubmitter{}

	var claimed, err = newController(store, submitter).Dispatch(ctx)
	require.NoError(t, err)

	// FIFO within the tick.
	require.Equal(t, []string{"j1", "j2"}, []string{claimed[0].ID, claimed[1].ID})
	require.Equal(t, []string{"j1", "j2"}, submitter.calls())

	for _, id := range []string{"j1", "j2"} {
		var job = mustGet(t, store, id)
		require.Equal(t, jobs.StatusProcessing, job.Status)
		require.NotNil(t, job.ProcessStartedAt)
		require.Equal(t, "projects/p/locations/r/jobs/transcribe-"+id, job.BatchHandle)
	}
	require.Equal(t, jobs.StatusQueued, mustGet(t, store, "j3").Status)
}

// Scenario: the ceiling is already reached; dispatch neither claims
// nor submits.
func TestDispatchAdmissionCeiling(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var now = time.Now().UTC()
	seedJobs(t, store,
		seedSpec{id: "j1", status: jobs.StatusProcessing, createdAt: now, startedAt: timep(now)},
		seedSpec{id: "j2", status: jobs.StatusProcessing, createdAt: now, startedAt: timep(now)},
		seedSpec{id: "j3", status: jobs.StatusQueued, createdAt: now},
	)
	var submitter = &fakeSubmitter{}

	var claimed, err = newController(store, submitter).Dispatch(ctx)
	require.NoError(t, err)
	require.Empty(t, claimed)
	require.Empty(t, submitter.calls())
	require.Equal(t, jobs.StatusQueued, mustGet(t, store, "j3").Status)
}

// Scenario: a completion event frees a slot and the wake-up dispatches
// the waiting job.
func TestCompletionTriggersDispatch(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var now = time.Now().UTC()
	seedJobs(t, store,
		seedSpec{id: "j1", status: jobs.StatusProcessing, createdAt: now, startedAt: timep(now)},
		seedSpec{id: "j2", status: jobs.StatusProcessing, createdAt: now, startedAt: timep(now)},
		seedSpec{id: "j3", status: jobs.StatusQueued, createdAt: now},
	)
	var submitter = &fakeSubmitter{}
	var controller = newController(store, submitter)
	var handler = NewCompletion(store, func(ctx context.Context) {
		var _, err = controller.Dispatch(ctx)
		require.NoError(t, err)
	}, nil)

	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobCompleted, "")))

	var j1 = mustGet(t, store, "j1")
	require.Equal(t, jobs.StatusCompleted, j1.Status)
	require.NotNil(t, j1.ProcessEndedAt)
	require.Equal(t, jobs.StatusProcessing, mustGet(t, store, "j3").Status)
	require.Equal(t, []string{"j3"}, submitter.calls())
}

// Scenario: the executor rejects the submission; the job rolls forward
// to failed, never back to queued.
func TestDispatchFailedSubmit(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	seedJobs(t, store,
		seedSpec{id: "j1", status: jobs.StatusQueued, createdAt: time.Now().UTC()})
	var submitter = &fakeSubmitter{err: fmt.Errorf("no GPU quota")}

	var claimed, err = newController(store, submitter).Dispatch(ctx)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var job = mustGet(t, store, "j1")
	require.Equal(t, jobs.StatusFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "submit failed: ")
	require.Contains(t, job.ErrorMessage, "no GPU quota")
	require.NotNil(t, job.ProcessEndedAt)
}

// Scenario: a thirty second old processing job with one second of
// audio is past its deadline and is reaped.
func TestReaperTimeout(t *testing.T) {
	var ctx = context.Background()
	var now = time.Date(2025, 4, 19, 12, 0, 0, 0, time.UTC)
	var store = memstore.New(memstore.WithClock(func() time.Time { return now }))
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusProcessing,
		createdAt:  now.Add(-time.Minute),
		startedAt:  timep(now.Add(-30 * time.Second)),
		durationMS: 1000,
	})
	var reaper = &Reaper{
		Store: store, ProcessTimeout: testFloor, AudioMultiplier: 1.0,
		Now: func() time.Time { return now },
	}
	require.NoError(t, reaper.Sweep(ctx))

	var job = mustGet(t, store, "j1")
	require.Equal(t, jobs.StatusFailed, job.Status)
	require.Equal(t, "processing timeout", job.ErrorMessage)
	require.NotNil(t, job.ProcessEndedAt)
	require.True(t, job.ProcessEndedAt.Equal(now))
}

// Scenario: duplicate completion deliveries produce exactly one write,
// even through a handler with a cold duplicate cache.
func TestDuplicateCompletionIsNoop(t *testing.T) {
	var ctx = context.Background()
	var now = time.Date(2025, 4, 19, 12, 0, 0, 0, time.UTC)
	var clock = now
	var store = memstore.New(memstore.WithClock(func() time.Time { return clock }))
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusProcessing,
		createdAt: now.Add(-time.Minute), startedAt: timep(now.Add(-time.Minute)),
	})

	var first = NewCompletion(store, nil, nil)
	require.NoError(t, first.HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobCompleted, "")))
	var applied = mustGet(t, store, "j1")
	require.Equal(t, jobs.StatusCompleted, applied.Status)

	// Redelivery through the same handler is absorbed by the cache;
	// through a fresh handler it is absorbed by the status guard.
	clock = now.Add(time.Hour)
	require.NoError(t, first.HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobCompleted, "")))
	require.NoError(t, NewCompletion(store, nil, nil).HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobCompleted, "")))

	var after = mustGet(t, store, "j1")
	require.Equal(t, jobs.StatusCompleted, after.Status)
	require.True(t, after.ProcessEndedAt.Equal(*applied.ProcessEndedAt))
	require.True(t, after.UpdatedAt.Equal(applied.UpdatedAt))
}

// A terminal event that races ahead of the claim is dropped without a
// write, and must not inoculate the handler against the redelivery that
// arrives once the job is actually processing.
func TestEarlyTerminalEventStaysRetriable(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusQueued, createdAt: time.Now().UTC()})

	var handler = NewCompletion(store, nil, nil)
	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobCompleted, "")))
	require.Equal(t, jobs.StatusQueued, mustGet(t, store, "j1").Status)

	// The job is claimed, and the broker redelivers the same event
	// through the same handler.
	require.NoError(t, store.Update(ctx, "j1", jobs.Patch{
		"status":             jobs.StatusProcessing,
		"process_started_at": jobs.ServerNow,
		"updated_at":         jobs.ServerNow,
	}))
	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobCompleted, "")))
	require.Equal(t, jobs.StatusCompleted, mustGet(t, store, "j1").Status)
}

// Scenario: long audio extends the deadline past the elapsed time; the
// reaper leaves the job alone.
func TestReaperLongAudioNotReaped(t *testing.T) {
	var ctx = context.Background()
	var now = time.Now().UTC()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusProcessing,
		createdAt:  now.Add(-2 * time.Minute),
		startedAt:  timep(now.Add(-100 * time.Second)),
		durationMS: 600_000,
	})
	var reaper = &Reaper{
		Store: store, ProcessTimeout: testFloor, AudioMultiplier: 1.0,
		Now: func() time.Time { return now },
	}
	require.NoError(t, reaper.Sweep(ctx))
	require.Equal(t, jobs.StatusProcessing, mustGet(t, store, "j1").Status)
}

// Scenario: a processing job with no start attestation is never reaped.
func TestReaperSkipsUnattestedJobs(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusProcessing,
		createdAt: time.Now().UTC().Add(-time.Hour),
	})
	var reaper = &Reaper{
		Store: store, ProcessTimeout: testFloor, AudioMultiplier: 1.0,
	}
	require.NoError(t, reaper.Sweep(ctx))
	require.Equal(t, jobs.StatusProcessing, mustGet(t, store, "j1").Status)
}

// The reaper loses the race against a worker which completes between
// the sweep listing and the reap commit; the transactional re-read
// turns the reap into a no-op.
func TestReaperLosesRaceToCompletion(t *testing.T) {
	var ctx = context.Background()
	var now = time.Now().UTC()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusProcessing,
		createdAt: now.Add(-time.Hour), startedAt: timep(now.Add(-time.Hour)),
	})

	// The completion lands first.
	require.NoError(t, NewCompletion(store, nil, nil).HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobCompleted, "")))

	var reaper = &Reaper{
		Store: store, ProcessTimeout: testFloor, AudioMultiplier: 1.0,
		Now: func() time.Time { return now },
	}
	require.NoError(t, reaper.Sweep(ctx))
	require.Equal(t, jobs.StatusCompleted, mustGet(t, store, "j1").Status)
}

func TestFailureEventCopiesErrorMessage(t *testing.T) {
	var ctx = context.Background()
	var now = time.Now().UTC()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusProcessing,
		createdAt: now, startedAt: timep(now),
	})

	require.NoError(t, NewCompletion(store, nil, nil).HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobFailed, "CUDA out of memory")))

	var job = mustGet(t, store, "j1")
	require.Equal(t, jobs.StatusFailed, job.Status)
	require.Equal(t, "CUDA out of memory", job.ErrorMessage)
	require.NotNil(t, job.ProcessEndedAt)
}

func TestLegacyAliasApplies(t *testing.T) {
	var ctx = context.Background()
	var now = time.Now().UTC()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusProcessing,
		createdAt: now, startedAt: timep(now),
	})

	require.NoError(t, NewCompletion(store, nil, nil).HandleEvent(ctx,
		events.NewEnvelope("j1", events.Type("batch_complete"), "")))
	require.Equal(t, jobs.StatusCompleted, mustGet(t, store, "j1").Status)
}

func TestHandlerDropsJunkEvents(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var handler = NewCompletion(store, func(context.Context) {
		t.Fatal("junk events must not wake the controller")
	}, nil)

	// Missing job_id, unknown type, unknown job, cancellation echoes:
	// all dropped without error so the delivery is acked, not retried.
	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("", events.TypeJobCompleted, "")))
	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("j9", events.Type("job_resurrected"), "")))
	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("j9", events.TypeJobCompleted, "")))
	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("j9", events.TypeCancelJob, "")))
	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("j9", events.TypeJobCanceled, "")))
}

func TestNewJobWakesController(t *testing.T) {
	var ctx = context.Background()
	var woke = 0
	var handler = NewCompletion(memstore.New(), func(context.Context) { woke++ }, nil)
	require.NoError(t, handler.HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeNewJob, "")))
	require.Equal(t, 1, woke)
}

func TestCompletionNotifiesOwner(t *testing.T) {
	var ctx = context.Background()
	var now = time.Now().UTC()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusProcessing,
		createdAt: now, startedAt: timep(now), email: "user@example.com",
	})
	var notifier = &fakeNotifier{err: fmt.Errorf("relay down")}

	// Notification failure is best-effort and never fails the event.
	require.NoError(t, NewCompletion(store, nil, notifier).HandleEvent(ctx,
		events.NewEnvelope("j1", events.TypeJobCompleted, "")))
	require.Equal(t, []string{"user@example.com"}, notifier.completed)
	require.Equal(t, jobs.StatusCompleted, mustGet(t, store, "j1").Status)
}

// Dispatch against an empty queue leaves the store untouched.
func TestDispatchNoQueuedIsNoop(t *testing.T) {
	var ctx = context.Background()
	var now = time.Now().UTC()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusCompleted,
		createdAt: now.Add(-time.Hour), startedAt: timep(now.Add(-time.Hour)),
	})
	var before = mustGet(t, store, "j1")

	var submitter = &fakeSubmitter{}
	var claimed, err = newController(store, submitter).Dispatch(ctx)
	require.NoError(t, err)
	require.Empty(t, claimed)
	require.Empty(t, submitter.calls())

	var after = mustGet(t, store, "j1")
	require.Equal(t, before.Status, after.Status)
	require.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

// Concurrent dispatchers never breach the processing ceiling.
func TestConcurrentDispatchHonorsCeiling(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	var base = time.Now().UTC()
	for i := 0; i < 10; i++ {
		seedJobs(t, store, seedSpec{
			id:        fmt.Sprintf("j%02d", i),
			status:    jobs.StatusQueued,
			createdAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	var submitter = &fakeSubmitter{}
	var controller = newController(store, submitter)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var _, err = controller.Dispatch(ctx)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	var count, err = store.CountByStatus(ctx, jobs.StatusProcessing, 0)
	require.NoError(t, err)
	require.LessOrEqual(t, count, testCeiling)
	require.Equal(t, testCeiling, len(submitter.calls()))
}

func TestZeroCeilingDispatchesNothing(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()
	seedJobs(t, store, seedSpec{
		id: "j1", status: jobs.StatusQueued, createdAt: time.Now().UTC()})
	var submitter = &fakeSubmitter{}
	var controller = &Controller{
		Store: store, Submitter: submitter, MaxProcessing: func() int { return 0 },
	}
	var claimed, err = controller.Dispatch(ctx)
	require.NoError(t, err)
	require.Empty(t, claimed)
	require.Empty(t, submitter.calls())
}
