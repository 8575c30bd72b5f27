// Package scheduler is the orchestrator core: the queue controller
// which admits queued jobs up to the concurrency ceiling, the timeout
// reaper which reclaims abandoned in-flight jobs, and the completion
// handler which applies terminal outcomes reported over the event bus.
package scheduler

import (
	"context"
	"fmt"

	"github.com/scribehq/scribe/go/gpubatch"
	"github.com/scribehq/scribe/go/jobs"
	"github.com/scribehq/scribe/go/jobstore"
	"github.com/scribehq/scribe/go/ops"
	log "github.com/sirupsen/logrus"
)

// Controller claims queued jobs and launches their batch executions.
type Controller struct {
	Store     jobstore.Store
	Submitter gpubatch.Submitter
	// MaxProcessing resolves the concurrency ceiling, and is consulted
	// on every dispatch so operators can retune it without a restart.
	MaxProcessing func() int
}

// Dispatch claims up to the number of free processing slots of queued
// jobs, oldest first, and submits each to the batch executor. The
// count and the claim happen inside one transaction: counting outside
// would open a window where two controllers each observe room and both
// claim, breaching the ceiling. The claimed set is returned for tests
// and logging.
func (c *Controller) Dispatch(ctx context.Context) ([]*jobs.Job, error) {
	var ceiling = c.MaxProcessing()
	if ceiling <= 0 {
		log.WithField("ceiling", ceiling).Warn("processing ceiling is zero; dispatching nothing")
		return nil, nil
	}

	var claimed []*jobs.Job
	var err = c.Store.RunTransaction(ctx, func(txn jobstore.Txn) error {
		claimed = claimed[:0] // the store may retry the transaction body

		// The capped count only distinguishes "room" from "no room".
		var processing, err = txn.CountByStatus(jobs.StatusProcessing, ceiling+1)
		if err != nil {
			return err
		}
		var free = ceiling - processing
		if free <= 0 {
			return nil
		}

		queued, err := txn.ListByStatus(jobs.StatusQueued, free)
		if err != nil {
			return err
		}
		for _, job := range queued {
			if err = txn.Update(job.ID, jobs.Patch{
				"status":             jobs.StatusProcessing,
				"process_started_at": jobs.ServerNow,
				"updated_at":         jobs.ServerNow,
			}); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming queued jobs: %w", err)
	}

	// Submissions happen outside the transaction: the executor call can
	// be slow, and a rejected submission rolls the job forward to
	// failed rather than back to queued, so the failure is visible to
	// operators instead of silently retried.
	for _, job := range claimed {
		ops.JobsAdmitted.Inc()
		log.WithFields(log.Fields{"jobID": job.ID, "filename": job.Filename}).
			Info("claimed job for processing")

		var handle, err = c.Submitter.Submit(ctx, job)
		if err != nil {
			ops.SubmitFailures.Inc()
			log.WithFields(log.Fields{"jobID": job.ID, "err": err}).
				Error("batch submission failed; failing job")

			if err = c.Store.Update(ctx, job.ID, jobs.Patch{
				"status":           jobs.StatusFailed,
				"error_message":    "submit failed: " + err.Error(),
				"process_ended_at": jobs.ServerNow,
				"updated_at":       jobs.ServerNow,
			}); err != nil {
				log.WithFields(log.Fields{"jobID": job.ID, "err": err}).
					Error("failed to record submission failure")
			}
			continue
		}

		// Best-effort bookkeeping: the handle only serves operator
		// correlation with the external executor.
		if err = c.Store.Update(ctx, job.ID, jobs.Patch{
			"batch_handle": handle,
			"updated_at":   jobs.ServerNow,
		}); err != nil {
			log.WithFields(log.Fields{"jobID": job.ID, "handle": handle, "err": err}).
				Warn("failed to persist batch handle")
		}
	}
	return claimed, nil
}
