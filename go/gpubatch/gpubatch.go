// Package gpubatch submits transcription workloads to Cloud Batch.
// The adapter translates a job record into a fully parameterized GPU
// batch request and returns as soon as the batch service has accepted
// it; the created job's resource name is the opaque handle persisted
// on the job record.
package gpubatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	batch "cloud.google.com/go/batch/apiv1"
	"cloud.google.com/go/batch/apiv1/batchpb"
	"github.com/scribehq/scribe/go/jobs"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"
)

// minRunDuration floors the per-job execution budget granted to the
// batch service, independent of the reaper's own deadline.
const minRunDuration = 300 * time.Second

// Submitter launches one external execution per job.
type Submitter interface {
	// Submit returns the executor's opaque handle for the accepted
	// workload. A returned error means the workload was not accepted
	// and the job must be rolled forward to failed.
	Submit(ctx context.Context, job *jobs.Job) (handle string, err error)
}

// Config carries the process-level parameters of every submission.
type Config struct {
	ProjectID       string
	Region          string
	ImageURL        string
	Bucket          string
	HFAuthToken     string
	PubSubTopic     string
	MachineType     string
	AcceleratorType string
}

// Client is the Cloud Batch Submitter.
type Client struct {
	batch *batch.Client
	cfg   Config
}

var _ Submitter = (*Client)(nil)

// NewClient dials the Cloud Batch service.
func NewClient(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	if cfg.ImageURL == "" {
		return nil, fmt.Errorf("batch image URL is required")
	}
	var client, err = batch.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing batch service: %w", err)
	}
	return &Client{batch: client, cfg: cfg}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error { return c.batch.Close() }

func (c *Client) Submit(ctx context.Context, job *jobs.Job) (string, error) {
	var created, err = c.batch.CreateJob(ctx, BuildRequest(c.cfg, job))
	if err != nil {
		return "", fmt.Errorf("batch rejected job %s: %w", job.ID, err)
	}
	return created.GetName(), nil
}

// BuildRequest translates a job into the batch service's request.
// Exposed so tests can assert on the parameter set without a client.
func BuildRequest(cfg Config, job *jobs.Job) *batchpb.CreateJobRequest {
	return &batchpb.CreateJobRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s", cfg.ProjectID, cfg.Region),
		JobId:  batchJobID(job.ID),
		Job: &batchpb.Job{
			TaskGroups: []*batchpb.TaskGroup{{
				TaskCount: 1,
				TaskSpec: &batchpb.TaskSpec{
					MaxRunDuration: durationpb.New(maxRunDuration(job)),
					Environment:    &batchpb.Environment{Variables: taskVariables(cfg, job)},
					Runnables: []*batchpb.Runnable{{
						Executable: &batchpb.Runnable_Container_{
							Container: &batchpb.Runnable_Container{
								ImageUri: cfg.ImageURL,
							},
						},
					}},
				},
			}},
			AllocationPolicy: &batchpb.AllocationPolicy{
				Location: &batchpb.AllocationPolicy_LocationPolicy{
					AllowedLocations: []string{"regions/" + cfg.Region},
				},
				Instances: []*batchpb.AllocationPolicy_InstancePolicyOrTemplate{{
					InstallGpuDrivers: true,
					PolicyTemplate: &batchpb.AllocationPolicy_InstancePolicyOrTemplate_Policy{
						Policy: &batchpb.AllocationPolicy_InstancePolicy{
							MachineType: cfg.MachineType,
							Accelerators: []*batchpb.AllocationPolicy_Accelerator{{
								Type: cfg.AcceleratorType,
								Count: 1,
							}},
						},
					},
				}},
			},
			LogsPolicy: &batchpb.LogsPolicy{
				Destination: batchpb.LogsPolicy_CLOUD_LOGGING,
			},
		},
	}
}

// taskVariables is the worker's parameter set. Speaker hints encode as
// decimal strings; an unset num_speakers is an explicit empty string,
// while min/max default to one.
func taskVariables(cfg Config, job *jobs.Job) map[string]string {
	return map[string]string{
		"JOB_ID":             job.ID,
		"AUDIO_PATH":         objectURL(cfg.Bucket, job.AudioPath),
		"TRANSCRIPTION_PATH": objectURL(cfg.Bucket, job.TranscriptionPath),
		"NUM_SPEAKERS":       speakerHint(job.NumSpeakers, ""),
		"MIN_SPEAKERS":       speakerHint(job.MinSpeakers, "1"),
		"MAX_SPEAKERS":       speakerHint(job.MaxSpeakers, "1"),
		"LANGUAGE":           job.Language,
		"INITIAL_PROMPT":     job.InitialPrompt,
		"HF_AUTH_TOKEN":      cfg.HFAuthToken,
		"PUBSUB_TOPIC":       cfg.PubSubTopic,
		"GCP_PROJECT":        cfg.ProjectID,
		"GCP_REGION":         cfg.Region,
	}
}

func speakerHint(value *int, dflt string) string {
	if value == nil {
		return dflt
	}
	return strconv.Itoa(*value)
}

func objectURL(bucket, path string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, strings.TrimPrefix(path, "/"))
}

// maxRunDuration grants the workload the audio's own runtime when it
// exceeds the floor. The reaper applies its stricter audio-aware
// deadline independently.
func maxRunDuration(job *jobs.Job) time.Duration {
	var audio = time.Duration(job.AudioDurationMS/1000) * time.Second
	if audio < minRunDuration {
		return minRunDuration
	}
	return audio
}

// batchJobID derives a service-legal job ID (lowercase RFC 1035 label)
// from the opaque job ID.
func batchJobID(jobID string) string {
	var mapped = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, jobID)
	var id = "transcribe-" + mapped
	if len(id) > 63 {
		id = id[:63]
	}
	return strings.TrimRight(id, "-")
}
