package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/scribehq/scribe/go/jobs"
)

type cmdJobsList struct {
	Store  storeConfig `group:"Store" namespace:"store"`
	Status string      `long:"status" description:"Filter by status (queued, processing, completed, failed, canceled)"`
	Limit  int         `long:"limit" default:"50" description:"Maximum jobs listed per status"`
}

var statusColors = map[jobs.Status]*color.Color{
	jobs.StatusQueued:     color.New(color.FgYellow),
	jobs.StatusProcessing: color.New(color.FgCyan),
	jobs.StatusCompleted:  color.New(color.FgGreen),
	jobs.StatusFailed:     color.New(color.FgRed),
	jobs.StatusCanceled:   color.New(color.FgHiBlack),
}

func (c *cmdJobsList) Execute(args []string) error {
	var ctx = context.Background()

	var store, closer, err = c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	var statuses []jobs.Status
	if c.Status != "" {
		var status = jobs.Status(c.Status)
		if err = status.Validate(); err != nil {
			return err
		}
		statuses = []jobs.Status{status}
	} else {
		statuses = []jobs.Status{
			jobs.StatusProcessing, jobs.StatusQueued,
			jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCanceled,
		}
	}

	var tw = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATUS\tFILENAME\tAUDIO\tCREATED\tERROR")
	for _, status := range statuses {
		var listed []*jobs.Job
		if listed, err = store.ListByStatus(ctx, status, c.Limit); err != nil {
			return err
		}
		for _, job := range listed {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				job.ID,
				statusColors[job.Status].Sprint(job.Status),
				job.Filename,
				formatDuration(job.AudioDurationMS),
				job.CreatedAt.Local().Format(time.RFC3339),
				job.ErrorMessage,
			)
		}
	}
	return tw.Flush()
}

func formatDuration(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
