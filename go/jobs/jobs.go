// Package jobs defines the transcription Job record, its status state
// machine, and the small field-set patches through which all status
// transitions are written.
package jobs

import (
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	// StatusQueued is the initial status of a submitted job.
	StatusQueued Status = "queued"
	// StatusProcessing marks a job claimed by the queue controller and
	// handed to the batch executor. The status itself is the lease;
	// there is no renewal, and the timeout reaper is the liveness
	// mechanism.
	StatusProcessing Status = "processing"
	// StatusCompleted and StatusFailed are the terminal outcomes of a
	// processing job.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusCanceled is written by an upstream actor while a job is
	// still queued. The orchestrator never writes it and never reverts it.
	StatusCanceled Status = "canceled"
)

// Validate returns an error if s is not a known status.
func (s Status) Validate() error {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return nil
	default:
		return fmt.Errorf("unknown job status %q", s)
	}
}

// Terminal is true for statuses which admit no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition is true if the state machine permits from -> to.
// Queued jobs may be claimed (processing) or canceled upstream;
// processing jobs may complete or fail. Everything else is refused,
// which is what makes event redelivery and reaper races harmless.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCanceled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Job is the authoritative record of one transcription submission,
// stored as a single document keyed by job_id.
type Job struct {
	ID                string     `firestore:"job_id" json:"job_id"`
	UserID            string     `firestore:"user_id" json:"user_id"`
	UserEmail         string     `firestore:"user_email,omitempty" json:"user_email,omitempty"`
	Filename          string     `firestore:"filename" json:"filename"`
	FileHash          string     `firestore:"file_hash" json:"file_hash"`
	Description       string     `firestore:"description,omitempty" json:"description,omitempty"`
	RecordingDate     string     `firestore:"recording_date,omitempty" json:"recording_date,omitempty"`
	AudioPath         string     `firestore:"audio_path" json:"audio_path"`
	TranscriptionPath string     `firestore:"transcription_path" json:"transcription_path"`
	AudioSize         int64      `firestore:"audio_size" json:"audio_size"`
	AudioDurationMS   int64      `firestore:"audio_duration_ms,omitempty" json:"audio_duration_ms,omitempty"`
	Language          string     `firestore:"language" json:"language"`
	InitialPrompt     string     `firestore:"initial_prompt,omitempty" json:"initial_prompt,omitempty"`
	NumSpeakers       *int       `firestore:"num_speakers,omitempty" json:"num_speakers,omitempty"`
	MinSpeakers       *int       `firestore:"min_speakers,omitempty" json:"min_speakers,omitempty"`
	MaxSpeakers       *int       `firestore:"max_speakers,omitempty" json:"max_speakers,omitempty"`
	Status            Status     `firestore:"status" json:"status"`
	CreatedAt         time.Time  `firestore:"created_at,serverTimestamp" json:"created_at"`
	UpdatedAt         time.Time  `firestore:"updated_at,serverTimestamp" json:"updated_at"`
	ProcessStartedAt  *time.Time `firestore:"process_started_at,omitempty" json:"process_started_at,omitempty"`
	ProcessEndedAt    *time.Time `firestore:"process_ended_at,omitempty" json:"process_ended_at,omitempty"`
	ErrorMessage      string     `firestore:"error_message,omitempty" json:"error_message,omitempty"`
	BatchHandle       string     `firestore:"batch_handle,omitempty" json:"batch_handle,omitempty"`
}

// Validate checks the fields the orchestrator itself depends on.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job_id is required")
	} else if err := j.Status.Validate(); err != nil {
		return err
	} else if j.AudioPath == "" {
		return fmt.Errorf("job %s: audio_path is required", j.ID)
	}
	return nil
}

// Patch is a small field-set write against a job document. Keys are
// wire field names. Timestamps written by the orchestrator always use
// the ServerNow sentinel, which each store backend resolves against
// its own server clock.
type Patch map[string]interface{}

type serverNow struct{}

// ServerNow is the patch value resolved to the store's server
// timestamp at commit time. The orchestrator never writes a clock
// reading of its own into a job document.
var ServerNow = serverNow{}

// Deadline is the per-job processing deadline: the greater of the
// configured floor and the audio duration scaled by the configured
// multiplier. Jobs with unknown duration get the floor.
func Deadline(audioDurationMS int64, floor time.Duration, audioMultiplier float64) time.Duration {
	var scaled = time.Duration(math.Ceil(float64(audioDurationMS)/1000.0*audioMultiplier)) * time.Second
	if scaled < floor {
		return floor
	}
	return scaled
}
