package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/scribehq/scribe/go/jobstore"
	"github.com/scribehq/scribe/go/jobstore/memstore"
	log "github.com/sirupsen/logrus"
)

// storeConfig selects and opens the job store.
type storeConfig struct {
	Backend    string `long:"backend" env:"STORE_BACKEND" default:"firestore" choice:"firestore" choice:"memory" description:"Job store backend; memory is for local development only"`
	Project    string `long:"project" env:"GCP_PROJECT" description:"Google Cloud project of the job store"`
	Collection string `long:"collection" env:"WHISPER_JOBS_COLLECTION" description:"Firestore collection holding job documents"`
}

func (c storeConfig) open(ctx context.Context) (jobstore.Store, io.Closer, error) {
	switch c.Backend {
	case "memory":
		return memstore.New(), nopCloser{}, nil
	case "firestore":
		var store, err = jobstore.NewFirestore(ctx, c.Project, c.Collection)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", c.Backend)
	}
}

// openFirestore is for commands which create documents and therefore
// require the production backend.
func (c storeConfig) openFirestore(ctx context.Context) (*jobstore.Firestore, error) {
	if c.Backend != "firestore" {
		return nil, fmt.Errorf("command requires the firestore store backend")
	}
	return jobstore.NewFirestore(ctx, c.Project, c.Collection)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// eventsConfig binds the Pub/Sub topic and subscription.
type eventsConfig struct {
	Topic          string `long:"topic" env:"PUBSUB_TOPIC" description:"Topic carrying job events"`
	Subscription   string `long:"subscription" env:"PUBSUB_SUBSCRIPTION" description:"Subscription delivering worker events; empty disables the consumer"`
	MaxConcurrency int    `long:"max-concurrency" env:"PUBSUB_MAX_CONCURRENCY" default:"8" description:"Maximum concurrent event deliveries"`
}

// batchConfig parameterizes batch submissions.
type batchConfig struct {
	ImageURL        string `long:"image-url" env:"BATCH_IMAGE_URL" description:"Container image of the transcription worker"`
	HFAuthToken     string `long:"hf-auth-token" env:"HF_AUTH_TOKEN" description:"Hugging Face token forwarded to the worker for diarization models"`
	Region          string `long:"region" env:"GCP_REGION" description:"Region batch jobs run in"`
	Bucket          string `long:"bucket" env:"GCS_BUCKET" description:"Bucket holding audio and transcript artifacts"`
	MachineType     string `long:"machine-type" env:"BATCH_MACHINE_TYPE" default:"g2-standard-8" description:"Machine type of batch instances"`
	AcceleratorType string `long:"accelerator" env:"BATCH_ACCELERATOR" default:"nvidia-l4" description:"GPU accelerator requested per task"`
}

// maxProcessingResolver re-reads MAX_PROCESSING_JOBS from the
// environment on every dispatch, so operators can retune the ceiling
// without restarting the daemon. The parsed flag value is the fallback.
func maxProcessingResolver(fallback int) func() int {
	return func() int {
		var raw = os.Getenv("MAX_PROCESSING_JOBS")
		if raw == "" {
			return fallback
		}
		var v, err = strconv.Atoi(raw)
		if err != nil || v < 0 {
			log.WithField("value", raw).Warn("ignoring malformed MAX_PROCESSING_JOBS")
			return fallback
		}
		return v
	}
}
