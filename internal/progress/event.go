package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobQueued       Stage = "JOB_QUEUED"
	StageJobStart        Stage = "JOB_START"
	StageStrategyAttempt Stage = "STRATEGY_ATTEMPT"
	StageJobDone         Stage = "JOB_DONE"
	StageJobError        Stage = "JOB_ERROR"
	StageJobExpired      Stage = "JOB_EXPIRED"
	StageJobReleased     Stage = "JOB_RELEASED"
)

// Terminal reports whether the stage ends a job's life in the queue.
func (s Stage) Terminal() bool {
	switch s {
	case StageJobDone, StageJobError, StageJobExpired:
		return true
	default:
		return false
	}
}

// Attempt outcomes carried on StageStrategyAttempt events.
const (
	OutcomeSuccess          = "success"
	OutcomeRetryable        = "retryable"
	OutcomeTerminalStrategy = "terminal_strategy"
	OutcomeTerminalJob      = "terminal_job"
)

// Event captures a single job lifecycle milestone.
type Event struct {
	// JobID is the queue-assigned job identifier.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// URL is the job's source URL.
	URL string
	// Strategy names the strategy involved, when any.
	Strategy string
	// Attempt is the zero-based retry index for attempt events.
	Attempt int
	// Outcome classifies attempt events.
	Outcome string
	// Code is the failure code for errors and failed attempts.
	Code string
	// Bytes is the artifact size for completed jobs.
	Bytes int64
	// Degraded is set when the artifact came from a degraded producer.
	Degraded bool
	// ArtifactURI locates the artifact for completed jobs.
	ArtifactURI string
	// Dur is the attempt latency or the job's processing time.
	Dur time.Duration
	// Tags are the caller's job tags.
	Tags map[string]string
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart, StageJobDone, StageJobError, StageJobExpired, StageJobReleased:
	case StageStrategyAttempt:
		if e.Strategy == "" {
			return errors.New("strategy attempt requires strategy")
		}
		if e.Outcome == "" {
			return errors.New("strategy attempt requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
