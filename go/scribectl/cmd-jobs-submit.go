package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/scribehq/scribe/go/events"
	"github.com/scribehq/scribe/go/jobs"
	"github.com/scribehq/scribe/go/ops"
	log "github.com/sirupsen/logrus"
)

type cmdJobsSubmit struct {
	Store  storeConfig `group:"Store" namespace:"store"`
	Events struct {
		Topic string `long:"topic" env:"PUBSUB_TOPIC" description:"Topic carrying job events"`
	} `group:"Events" namespace:"events"`
	Bucket string        `long:"bucket" env:"GCS_BUCKET" required:"true" description:"Bucket holding audio and transcript artifacts"`
	Log    ops.LogConfig `group:"Logging" namespace:"log"`

	File          string `long:"file" required:"true" description:"Local audio file to submit"`
	UserID        string `long:"user" required:"true" description:"Owning user ID"`
	UserEmail     string `long:"email" description:"Owner email for the completion notification"`
	Description   string `long:"description" description:"Free-form description of the recording"`
	RecordingDate string `long:"recording-date" description:"Date of the recording"`
	Language      string `long:"language" default:"auto" description:"Audio language hint, e.g. ja"`
	InitialPrompt string `long:"initial-prompt" description:"Initial prompt passed to the transcription model"`
	DurationMS    int64  `long:"duration-ms" description:"Audio duration in milliseconds, if known"`
	NumSpeakers   *int   `long:"num-speakers" description:"Exact speaker count hint"`
	MinSpeakers   *int   `long:"min-speakers" description:"Minimum speaker count hint"`
	MaxSpeakers   *int   `long:"max-speakers" description:"Maximum speaker count hint"`
}

func (c *cmdJobsSubmit) Execute(args []string) error {
	if err := ops.InitLog(c.Log); err != nil {
		return err
	}
	var ctx = context.Background()

	var file, err = os.Open(c.File)
	if err != nil {
		return fmt.Errorf("opening audio file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("inspecting audio file: %w", err)
	}

	// The content hash addresses artifact paths, so identical audio
	// lands on identical objects.
	var hasher = sha256.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return fmt.Errorf("hashing audio file: %w", err)
	}
	var fileHash = hex.EncodeToString(hasher.Sum(nil))
	if _, err = file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding audio file: %w", err)
	}

	var filename = filepath.Base(c.File)
	var audioPath = path.Join("audio", fileHash, filename)
	var transcriptionPath = path.Join("transcripts", fileHash,
		strings.TrimSuffix(filename, path.Ext(filename))+".json")

	if err = c.upload(ctx, audioPath, file); err != nil {
		return err
	}

	var job = &jobs.Job{
		ID:                uuid.NewString(),
		UserID:            c.UserID,
		UserEmail:         c.UserEmail,
		Filename:          filename,
		FileHash:          fileHash,
		Description:       c.Description,
		RecordingDate:     c.RecordingDate,
		AudioPath:         audioPath,
		TranscriptionPath: transcriptionPath,
		AudioSize:         info.Size(),
		AudioDurationMS:   c.DurationMS,
		Language:          c.Language,
		InitialPrompt:     c.InitialPrompt,
		NumSpeakers:       c.NumSpeakers,
		MinSpeakers:       c.MinSpeakers,
		MaxSpeakers:       c.MaxSpeakers,
		Status:            jobs.StatusQueued,
	}

	store, err := c.Store.openFirestore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err = store.Create(ctx, job); err != nil {
		return err
	}
	log.WithFields(log.Fields{"jobID": job.ID, "audioPath": audioPath}).
		Info("created queued job")

	// Best-effort wake-up of a running orchestrator; polling picks the
	// job up regardless.
	if c.Events.Topic != "" {
		var bus *events.PubSub
		if bus, err = events.NewPubSub(ctx, c.Store.Project, c.Events.Topic); err != nil {
			return err
		}
		defer bus.Close()
		if err = bus.Publish(ctx, events.NewEnvelope(job.ID, events.TypeNewJob, "")); err != nil {
			log.WithField("err", err).Warn("failed to publish new_job event")
		}
	}

	fmt.Println(job.ID)
	return nil
}

func (c *cmdJobsSubmit) upload(ctx context.Context, objectPath string, r io.Reader) error {
	var client, err = storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("dialing object storage: %w", err)
	}
	defer client.Close()

	var w = client.Bucket(c.Bucket).Object(objectPath).NewWriter(ctx)
	if _, err = io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading audio object: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("finalizing audio object: %w", err)
	}
	return nil
}
