package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagecapture/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobQueued},
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{
			JobID:    "job-1",
			TS:       now.Add(time.Second),
			Stage:    progress.StageStrategyAttempt,
			Strategy: "headless",
			Outcome:  progress.OutcomeRetryable,
			Code:     "timeout",
			Dur:      200 * time.Millisecond,
		},
		{
			JobID:    "job-1",
			TS:       now.Add(2 * time.Second),
			Stage:    progress.StageStrategyAttempt,
			Strategy: "headless",
			Outcome:  progress.OutcomeSuccess,
			Dur:      300 * time.Millisecond,
		},
		{
			JobID:    "job-1",
			TS:       now.Add(3 * time.Second),
			Stage:    progress.StageJobDone,
			Strategy: "headless",
			Bytes:    2048,
			Dur:      3 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsQueued))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.artifactBytes.WithLabelValues("headless")), 1e-9)

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("headless", progress.OutcomeRetryable)), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("headless", progress.OutcomeSuccess)), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.attemptDuration, "capture_progress_strategy_attempt_seconds"))
}

func TestPrometheusSinkFailureAndExpiry(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: now, Stage: progress.StageJobStart},
		{JobID: "a", TS: now, Stage: progress.StageJobError, Code: "strategies_exhausted"},
		{JobID: "b", TS: now, Stage: progress.StageJobStart},
		{JobID: "b", TS: now, Stage: progress.StageJobDone, Strategy: "placeholder", Degraded: true},
		{JobID: "b", TS: now, Stage: progress.StageJobExpired},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("degraded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsExpired))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
