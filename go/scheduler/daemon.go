package scheduler

import (
	"context"
	"time"

	"github.com/scribehq/scribe/go/jobs"
	"github.com/scribehq/scribe/go/ops"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Daemon runs the controller and reaper as independent periodic loops.
// Iteration failures are logged and swallowed so neither loop can
// starve the other; liveness is preserved at the cost of hiding
// systemic failures behind the consecutive-error gauges.
type Daemon struct {
	Controller *Controller
	Reaper     *Reaper
	// Interval is the tick cadence of both loops.
	Interval time.Duration

	wake chan struct{}
}

// NewDaemon builds a Daemon around the controller and reaper.
func NewDaemon(controller *Controller, reaper *Reaper, interval time.Duration) *Daemon {
	return &Daemon{
		Controller: controller,
		Reaper:     reaper,
		Interval:   interval,
		wake:       make(chan struct{}, 1),
	}
}

// Wake requests an immediate dispatch, coalescing with any pending
// request. Safe from any goroutine; used by the completion handler.
func (d *Daemon) Wake(context.Context) {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives both loops until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return d.dispatchLoop(groupCtx) })
	group.Go(func() error { return d.reapLoop(groupCtx) })
	return group.Wait()
}

func (d *Daemon) dispatchLoop(ctx context.Context) error {
	var ticker = time.NewTicker(d.Interval)
	defer ticker.Stop()

	var errs float64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}

		if _, err := d.Controller.Dispatch(ctx); err != nil {
			errs++
			ops.LoopErrors.WithLabelValues("dispatch").Set(errs)
			log.WithField("err", err).Error("dispatch failed")
		} else {
			errs = 0
			ops.LoopErrors.WithLabelValues("dispatch").Set(0)
		}
	}
}

func (d *Daemon) reapLoop(ctx context.Context) error {
	var ticker = time.NewTicker(d.Interval)
	defer ticker.Stop()

	var errs float64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := d.Reaper.Sweep(ctx); err != nil {
			errs++
			ops.LoopErrors.WithLabelValues("reap").Set(errs)
			log.WithField("err", err).Error("reaper sweep failed")
		} else {
			errs = 0
			ops.LoopErrors.WithLabelValues("reap").Set(0)
		}
		d.observeQueueDepth(ctx)
	}
}

// observeQueueDepth refreshes the per-status depth gauges from the
// store's aggregation counts. Best-effort; a failed count leaves the
// prior observation in place.
func (d *Daemon) observeQueueDepth(ctx context.Context) {
	for _, status := range []jobs.Status{jobs.StatusQueued, jobs.StatusProcessing} {
		var n, err = d.Reaper.Store.CountByStatus(ctx, status, 0)
		if err != nil {
			log.WithFields(log.Fields{"status": status, "err": err}).
				Warn("failed to count jobs by status")
			continue
		}
		ops.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
