package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/scribehq/scribe/go/jobs"
	"github.com/scribehq/scribe/go/jobstore"
	"github.com/scribehq/scribe/go/ops"
	log "github.com/sirupsen/logrus"
)

// timeoutMessage is the fixed diagnostic written by the reaper.
const timeoutMessage = "processing timeout"

// Reaper fails processing jobs whose audio-aware deadline has passed.
type Reaper struct {
	Store jobstore.Store
	// ProcessTimeout floors the deadline; AudioMultiplier scales the
	// audio duration into the deadline.
	ProcessTimeout  time.Duration
	AudioMultiplier float64
	// Now is the sweep clock, substitutable in tests.
	Now func() time.Time
}

// Sweep examines every processing job once. Jobs past their deadline
// are transitioned to failed inside a small per-job transaction which
// re-reads the status first: a worker completing between the sweep
// read and the commit wins the race cleanly. Jobs lacking a
// process_started_at attestation are never touched. The sweep is
// idempotent and its per-job failures do not stop the pass.
func (r *Reaper) Sweep(ctx context.Context) error {
	var now = r.now()
	var inflight, err = r.Store.ListByStatus(ctx, jobs.StatusProcessing, 0)
	if err != nil {
		return err
	}

	var firstErr error
	for _, job := range inflight {
		if job.ProcessStartedAt == nil {
			// In-flight but unattested; no assumption is made.
			continue
		}
		var deadline = jobs.Deadline(job.AudioDurationMS, r.ProcessTimeout, r.AudioMultiplier)
		if now.Sub(*job.ProcessStartedAt) <= deadline {
			continue
		}
		if err = r.reap(ctx, job.ID); err != nil {
			log.WithFields(log.Fields{"jobID": job.ID, "err": err}).
				Warn("reap failed; will retry next tick")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Reaper) reap(ctx context.Context, jobID string) error {
	var reaped bool
	var deadline time.Duration
	var err = r.Store.RunTransaction(ctx, func(txn jobstore.Txn) error {
		reaped = false
		var job, err = txn.Get(jobID)
		if err != nil {
			return err
		}
		// Re-check against the transactional read: the job may have
		// completed, failed, or restarted since the sweep listing.
		if job.Status != jobs.StatusProcessing || job.ProcessStartedAt == nil {
			return nil
		}
		deadline = jobs.Deadline(job.AudioDurationMS, r.ProcessTimeout, r.AudioMultiplier)
		if r.now().Sub(*job.ProcessStartedAt) <= deadline {
			return nil
		}
		reaped = true
		return txn.Update(jobID, jobs.Patch{
			"status":           jobs.StatusFailed,
			"error_message":    timeoutMessage,
			"process_ended_at": jobs.ServerNow,
			"updated_at":       jobs.ServerNow,
		})
	})
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if reaped {
		ops.JobsReaped.Inc()
		log.WithFields(log.Fields{"jobID": jobID, "deadline": deadline}).
			Warn("reaped job past processing deadline")
	}
	return nil
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
