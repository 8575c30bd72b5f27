package scheduler

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/scribehq/scribe/go/events"
	"github.com/scribehq/scribe/go/jobs"
	"github.com/scribehq/scribe/go/jobstore"
	"github.com/scribehq/scribe/go/notify"
	"github.com/scribehq/scribe/go/ops"
	log "github.com/sirupsen/logrus"
)

// seenEvents bounds the duplicate-suppression cache. Idempotency does
// not depend on it; the status guard inside the transaction does.
const seenEvents = 1024

type seenKey struct {
	jobID string
	typ   events.Type
}

// Completion applies terminal outcomes reported by workers. It is safe
// under concurrent deliveries, redeliveries, and out-of-order arrival:
// the only transition it ever writes is processing -> terminal, guarded
// by a transactional re-read of the current status.
type Completion struct {
	Store jobstore.Store
	// Wake triggers a controller dispatch after a slot frees up, or on
	// an inbound new_job event.
	Wake func(ctx context.Context)
	// Notifier, when set, is told of completed jobs. Best-effort, and
	// never invoked inside the store transaction.
	Notifier notify.Notifier

	seen *lru.Cache[seenKey, struct{}]
}

var _ events.Handler = (*Completion)(nil)

// NewCompletion builds a Completion handler.
func NewCompletion(store jobstore.Store, wake func(ctx context.Context), notifier notify.Notifier) *Completion {
	var seen, err = lru.New[seenKey, struct{}](seenEvents)
	if err != nil {
		panic(err) // only on a non-positive size
	}
	return &Completion{Store: store, Wake: wake, Notifier: notifier, seen: seen}
}

// HandleEvent processes one inbound event. A returned error marks a
// transient failure (the delivery is retried); all permanent outcomes
// are logged and return nil.
func (h *Completion) HandleEvent(ctx context.Context, env events.Envelope) error {
	var logger = log.WithFields(log.Fields{"jobID": env.JobID, "type": env.EventType})

	if env.JobID == "" {
		ops.EventsHandled.WithLabelValues(string(env.EventType), "dropped").Inc()
		logger.Warn("dropping event without job_id")
		return nil
	}

	if !env.EventType.Known() {
		ops.EventsHandled.WithLabelValues(string(env.EventType), "dropped").Inc()
		logger.Warn("dropping event of unknown type")
		return nil
	}

	var typ = env.EventType.Normalize()
	switch typ {
	case events.TypeNewJob:
		ops.EventsHandled.WithLabelValues(string(typ), "applied").Inc()
		h.wake(ctx)
		return nil
	case events.TypeCancelJob, events.TypeJobCanceled:
		// Upstream has already written the canceled status; nothing to do.
		ops.EventsHandled.WithLabelValues(string(typ), "dropped").Inc()
		logger.Debug("ignoring cancellation event")
		return nil
	}
	// The remaining known types, job_completed and job_failed, fall
	// through to the terminal transition below.

	if _, dup := h.seen.Get(seenKey{env.JobID, typ}); dup {
		ops.EventsHandled.WithLabelValues(string(typ), "duplicate").Inc()
		logger.Debug("dropping recently applied duplicate event")
		return nil
	}

	var terminal = jobs.StatusCompleted
	if typ == events.TypeJobFailed {
		terminal = jobs.StatusFailed
	}

	var applied bool
	var completed *jobs.Job
	var err = h.Store.RunTransaction(ctx, func(txn jobstore.Txn) error {
		applied, completed = false, nil
		var job, err = txn.Get(env.JobID)
		if err != nil {
			return err
		}
		if !jobs.CanTransition(job.Status, terminal) {
			// Redelivery, or the reaper got there first. No write.
			log.WithFields(log.Fields{
				"jobID": env.JobID, "type": typ, "status": job.Status,
			}).Info("dropping terminal event for non-processing job")
			return nil
		}

		var patch = jobs.Patch{
			"status":           terminal,
			"process_ended_at": jobs.ServerNow,
			"updated_at":       jobs.ServerNow,
		}
		if terminal == jobs.StatusFailed {
			if msg := env.ErrorText(); msg != "" {
				patch["error_message"] = msg
			} else {
				patch["error_message"] = "job failed"
			}
		}
		if err = txn.Update(env.JobID, patch); err != nil {
			return err
		}
		applied, completed = true, job
		return nil
	})
	if errors.Is(err, jobstore.ErrNotFound) {
		// The event predates any store state we know of.
		ops.EventsHandled.WithLabelValues(string(typ), "dropped").Inc()
		logger.Warn("dropping event for unknown job")
		return nil
	} else if err != nil {
		ops.EventsHandled.WithLabelValues(string(typ), "error").Inc()
		return err
	}

	if !applied {
		ops.EventsHandled.WithLabelValues(string(typ), "duplicate").Inc()
		return nil
	}
	// Cache only transitions that were actually written: an event that
	// arrived before the job reached processing must stay retriable.
	h.seen.Add(seenKey{env.JobID, typ}, struct{}{})
	ops.EventsHandled.WithLabelValues(string(typ), "applied").Inc()
	logger.WithField("status", terminal).Info("applied terminal transition")

	if terminal == jobs.StatusCompleted && h.Notifier != nil && completed.UserEmail != "" {
		if err = h.Notifier.JobCompleted(ctx, completed); err != nil {
			logger.WithField("err", err).Warn("completion notification failed")
		}
	}

	// A slot freed up; dispatch successor work.
	h.wake(ctx)
	return nil
}

func (h *Completion) wake(ctx context.Context) {
	if h.Wake != nil {
		h.Wake(ctx)
	}
}
