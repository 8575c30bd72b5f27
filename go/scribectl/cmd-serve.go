package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/scribehq/scribe/go/events"
	"github.com/scribehq/scribe/go/gpubatch"
	"github.com/scribehq/scribe/go/notify"
	"github.com/scribehq/scribe/go/ops"
	"github.com/scribehq/scribe/go/scheduler"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type cmdServe struct {
	Scheduler struct {
		MaxProcessing   int     `long:"max-processing" env:"MAX_PROCESSING_JOBS" default:"1" description:"Concurrency ceiling on processing jobs"`
		ProcessTimeout  int     `long:"process-timeout" env:"PROCESS_TIMEOUT_SECONDS" default:"300" description:"Floor of the per-job processing deadline, in seconds"`
		AudioMultiplier float64 `long:"audio-multiplier" env:"AUDIO_TIMEOUT_MULTIPLIER" default:"2.0" description:"Deadline multiplier applied to the audio duration"`
		PollInterval    int     `long:"poll-interval" env:"POLL_INTERVAL_SECONDS" default:"10" description:"Tick cadence of the dispatch and reap loops, in seconds"`
	} `group:"Scheduler" namespace:"scheduler"`

	Store  storeConfig       `group:"Store" namespace:"store"`
	Batch  batchConfig       `group:"Batch" namespace:"batch"`
	Events eventsConfig      `group:"Events" namespace:"events"`
	Email  notify.SMTPConfig `group:"Email" namespace:"email"`
	Debug  struct {
		Port int `long:"port" env:"DEBUG_PORT" description:"Port of the /metrics and /healthz listener; zero disables it"`
	} `group:"Debug" namespace:"debug"`
	Log ops.LogConfig `group:"Logging" namespace:"log"`
}

func (c *cmdServe) Execute(args []string) error {
	if err := ops.InitLog(c.Log); err != nil {
		return err
	}
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var store, storeCloser, err = c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	submitter, err := gpubatch.NewClient(ctx, gpubatch.Config{
		ProjectID:       c.Store.Project,
		Region:          c.Batch.Region,
		ImageURL:        c.Batch.ImageURL,
		Bucket:          c.Batch.Bucket,
		HFAuthToken:     c.Batch.HFAuthToken,
		PubSubTopic:     c.Events.Topic,
		MachineType:     c.Batch.MachineType,
		AcceleratorType: c.Batch.AcceleratorType,
	})
	if err != nil {
		return err
	}
	defer submitter.Close()

	bus, err := events.NewPubSub(ctx, c.Store.Project, c.Events.Topic)
	if err != nil {
		return err
	}
	defer bus.Close()

	var notifier notify.Notifier
	if smtpNotifier, err := notify.NewSMTP(c.Email); err != nil {
		return err
	} else if smtpNotifier != nil {
		notifier = smtpNotifier
	}

	var controller = &scheduler.Controller{
		Store:         store,
		Submitter:     submitter,
		MaxProcessing: maxProcessingResolver(c.Scheduler.MaxProcessing),
	}
	var reaper = &scheduler.Reaper{
		Store:           store,
		ProcessTimeout:  time.Duration(c.Scheduler.ProcessTimeout) * time.Second,
		AudioMultiplier: c.Scheduler.AudioMultiplier,
	}
	var daemon = scheduler.NewDaemon(controller, reaper,
		time.Duration(c.Scheduler.PollInterval)*time.Second)
	var completion = scheduler.NewCompletion(store, daemon.Wake, notifier)

	log.WithFields(log.Fields{
		"collection":   c.Store.Collection,
		"topic":        c.Events.Topic,
		"subscription": c.Events.Subscription,
		"ceiling":      c.Scheduler.MaxProcessing,
		"pollInterval": c.Scheduler.PollInterval,
	}).Info("starting orchestrator")

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return daemon.Run(groupCtx) })
	group.Go(func() error { return ops.ServeDebug(groupCtx, c.Debug.Port) })
	if c.Events.Subscription != "" {
		group.Go(func() error {
			return bus.Subscribe(groupCtx, c.Events.Subscription, c.Events.MaxConcurrency, completion)
		})
	} else {
		log.Warn("no event subscription configured; relying on polling alone")
	}

	// Kick one dispatch immediately rather than waiting a full tick.
	daemon.Wake(ctx)

	if err = group.Wait(); err != nil {
		return err
	}
	log.Info("orchestrator stopped")
	return nil
}
