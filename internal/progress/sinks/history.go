package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/progress"
)

// HistorySink writes lifecycle snapshots and strategy attempts to a
// capture.HistoryStore. Events are applied in batch order so the last
// snapshot for a job wins.
type HistorySink struct {
	store capture.HistoryStore
}

// NewHistorySink wraps store.
func NewHistorySink(store capture.HistoryStore) (*HistorySink, error) {
	if store == nil {
		return nil, errors.New("history store is required")
	}
	return &HistorySink{store: store}, nil
}

// Consume persists each event. Failures are collected so one bad row does not
// stop the rest of the batch.
func (s *HistorySink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if err := s.apply(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("job %s %s: %w", evt.JobID, evt.Stage, err))
		}
	}
	return errors.Join(errs...)
}

func (s *HistorySink) apply(ctx context.Context, evt progress.Event) error {
	if evt.Stage == progress.StageStrategyAttempt {
		return s.store.RecordAttempt(ctx, capture.AttemptRecord{
			JobID:    evt.JobID,
			Strategy: evt.Strategy,
			Attempt:  evt.Attempt,
			Outcome:  evt.Outcome,
			Code:     evt.Code,
			Duration: evt.Dur,
			At:       evt.TS,
		})
	}
	status, ok := statusForStage(evt.Stage)
	if !ok {
		return nil
	}
	return s.store.UpsertJob(ctx, capture.JobRecord{
		JobID:     evt.JobID,
		URL:       evt.URL,
		Status:    status,
		Strategy:  evt.Strategy,
		ErrorCode: evt.Code,
		Note:      evt.Note,
		At:        evt.TS,
	})
}

// statusForStage maps lifecycle stages onto persisted statuses. Expired and
// released jobs keep their terminal status with a note.
func statusForStage(stage progress.Stage) (capture.JobStatus, bool) {
	switch stage {
	case progress.StageJobQueued:
		return capture.JobStatusQueued, true
	case progress.StageJobStart:
		return capture.JobStatusProcessing, true
	case progress.StageJobDone:
		return capture.JobStatusCompleted, true
	case progress.StageJobError:
		return capture.JobStatusFailed, true
	default:
		return "", false
	}
}

// Close closes the underlying store.
func (s *HistorySink) Close(context.Context) error {
	s.store.Close()
	return nil
}
