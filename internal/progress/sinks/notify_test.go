package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagecapture/internal/progress"
	"github.com/JakeFAU/pagecapture/internal/publisher/memory"
)

func TestNotifySinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewNotifySink(pub, "capture-jobs", nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: now, Stage: progress.StageJobStart},
		{JobID: "a", TS: now, Stage: progress.StageStrategyAttempt, Strategy: "headless", Outcome: progress.OutcomeSuccess},
		{JobID: "a", TS: now, Stage: progress.StageJobDone, Strategy: "headless", ArtifactURI: "memory://a.pdf",
			Bytes: 10, Tags: map[string]string{"team": "x"}},
		{JobID: "b", TS: now, Stage: progress.StageJobError, Code: "strategies_exhausted"},
	}))

	msgs := pub.Topic("capture-jobs")
	require.Len(t, msgs, 2)
	first, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "a", first.JobID)
	require.Equal(t, "JOB_DONE", first.Stage)
	require.Equal(t, "memory://a.pdf", first.ArtifactURI)
	require.Equal(t, "x", first.Tags["team"])

	second, ok := msgs[1].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "strategies_exhausted", second.Code)
}

func TestNotifySinkReportsPublishErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	sink, err := NewNotifySink(pub, "capture-jobs", nil)
	require.NoError(t, err)

	err = sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: time.Now(), Stage: progress.StageJobExpired},
	})
	require.ErrorIs(t, err, boom)
}

func TestNewNotifySinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewNotifySink(nil, "t", nil)
	require.Error(t, err)
	_, err = NewNotifySink(memory.New(), "", nil)
	require.Error(t, err)
}
