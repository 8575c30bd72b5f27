package gpubatch

import (
	"testing"
	"time"

	"github.com/scribehq/scribe/go/jobs"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	ProjectID:       "acme-speech",
	Region:          "asia-northeast1",
	ImageURL:        "gcr.io/acme-speech/whisper-worker:latest",
	Bucket:          "acme-speech-audio",
	HFAuthToken:     "hf_secret",
	PubSubTopic:     "job-events",
	MachineType:     "g2-standard-8",
	AcceleratorType: "nvidia-l4",
}

func intp(v int) *int { return &v }

func TestBuildRequestParameters(t *testing.T) {
	var job = &jobs.Job{
		ID:                "a1b2c3",
		AudioPath:         "audio/deadbeef/meeting.wav",
		TranscriptionPath: "transcripts/deadbeef/meeting.json",
		AudioDurationMS:   600_000,
		Language:          "ja",
		InitialPrompt:     "議事録",
		NumSpeakers:       intp(3),
		MinSpeakers:       intp(2),
		MaxSpeakers:       intp(4),
		Status:            jobs.StatusProcessing,
	}
	var req = BuildRequest(testConfig, job)

	require.Equal(t, "projects/acme-speech/locations/asia-northeast1", req.Parent)
	require.Equal(t, "transcribe-a1b2c3", req.JobId)

	var taskSpec = req.Job.TaskGroups[0].TaskSpec
	require.Equal(t, map[string]string{
		"JOB_ID":             "a1b2c3",
		"AUDIO_PATH":         "gs://acme-speech-audio/audio/deadbeef/meeting.wav",
		"TRANSCRIPTION_PATH": "gs://acme-speech-audio/transcripts/deadbeef/meeting.json",
		"NUM_SPEAKERS":       "3",
		"MIN_SPEAKERS":       "2",
		"MAX_SPEAKERS":       "4",
		"LANGUAGE":           "ja",
		"INITIAL_PROMPT":     "議事録",
		"HF_AUTH_TOKEN":      "hf_secret",
		"PUBSUB_TOPIC":       "job-events",
		"GCP_PROJECT":        "acme-speech",
		"GCP_REGION":         "asia-northeast1",
	}, taskSpec.Environment.Variables)

	// Ten minutes of audio exceeds the five minute floor.
	require.Equal(t, 600*time.Second, taskSpec.MaxRunDuration.AsDuration())

	var instances = req.Job.AllocationPolicy.Instances
	require.Len(t, instances, 1)
	require.True(t, instances[0].InstallGpuDrivers)
	var policy = instances[0].GetPolicy()
	require.Equal(t, "g2-standard-8", policy.MachineType)
	require.Len(t, policy.Accelerators, 1)
	require.Equal(t, "nvidia-l4", policy.Accelerators[0].Type)
	require.EqualValues(t, 1, policy.Accelerators[0].Count)

	require.Equal(t, []string{"regions/asia-northeast1"},
		req.Job.AllocationPolicy.Location.AllowedLocations)
}

func TestBuildRequestSpeakerDefaults(t *testing.T) {
	var job = &jobs.Job{
		ID:        "j1",
		AudioPath: "audio/aa/a.wav",
		Status:    jobs.StatusProcessing,
	}
	var vars = BuildRequest(testConfig, job).Job.TaskGroups[0].TaskSpec.Environment.Variables

	// Unset num_speakers is an explicit empty string; min/max default to one.
	require.Equal(t, "", vars["NUM_SPEAKERS"])
	require.Equal(t, "1", vars["MIN_SPEAKERS"])
	require.Equal(t, "1", vars["MAX_SPEAKERS"])
}

func TestMaxRunDurationFloor(t *testing.T) {
	require.Equal(t, 300*time.Second, maxRunDuration(&jobs.Job{AudioDurationMS: 1000}))
	require.Equal(t, 300*time.Second, maxRunDuration(&jobs.Job{}))
	require.Equal(t, 301*time.Second, maxRunDuration(&jobs.Job{AudioDurationMS: 301_000}))
}

func TestBatchJobID(t *testing.T) {
	require.Equal(t, "transcribe-a1b2-c3", batchJobID("A1b2_C3"))

	var long = batchJobID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.LessOrEqual(t, len(long), 63)
	require.NotEqual(t, "-", long[len(long)-1:])
}
