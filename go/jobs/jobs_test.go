package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusMachine(t *testing.T) {
	require.NoError(t, StatusQueued.Validate())
	require.Error(t, Status("launched").Validate())

	require.True(t, CanTransition(StatusQueued, StatusProcessing))
	require.True(t, CanTransition(StatusQueued, StatusCanceled))
	require.True(t, CanTransition(StatusProcessing, StatusCompleted))
	require.True(t, CanTransition(StatusProcessing, StatusFailed))

	// Terminal statuses admit nothing, and processing cannot be
	// canceled or re-queued.
	require.False(t, CanTransition(StatusProcessing, StatusCanceled))
	require.False(t, CanTransition(StatusProcessing, StatusQueued))
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCanceled} {
		require.True(t, terminal.Terminal())
		for _, to := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled} {
			require.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestDeadline(t *testing.T) {
	var cases = []struct {
		name       string
		durationMS int64
		floor      time.Duration
		multiplier float64
		expect     time.Duration
	}{
		{"floor dominates short audio", 1000, 5 * time.Second, 1.0, 5 * time.Second},
		{"audio dominates floor", 600_000, 5 * time.Second, 1.0, 600 * time.Second},
		{"unknown duration gets floor", 0, 300 * time.Second, 2.0, 300 * time.Second},
		{"multiplier scales audio", 600_000, 300 * time.Second, 2.0, 1200 * time.Second},
		{"fractional seconds round up", 1500, time.Second, 1.0, 2 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, Deadline(tc.durationMS, tc.floor, tc.multiplier))
		})
	}
}

func TestJobValidate(t *testing.T) {
	var job = Job{ID: "j1", Status: StatusQueued, AudioPath: "audio/aa/f.wav"}
	require.NoError(t, job.Validate())

	require.Error(t, (&Job{Status: StatusQueued, AudioPath: "a"}).Validate())
	require.Error(t, (&Job{ID: "j1", Status: "bogus", AudioPath: "a"}).Validate())
	require.Error(t, (&Job{ID: "j1", Status: StatusQueued}).Validate())
}
