// Package capture defines core types shared across subsystems.
package capture

import (
	"maps"
	"time"
)

// JobStatus represents the lifecycle state of a capture job.
type JobStatus string

// Job status values. Transitions only move forward:
// queued -> processing -> completed | failed.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobInput is the caller-supplied request payload. The queue never inspects it.
type JobInput struct {
	URL       string            `json:"url" validate:"required,http_url,max=2048"`
	Landscape bool              `json:"landscape,omitempty"`
	Tags      map[string]string `json:"tags,omitempty" validate:"max=16,dive,keys,max=64,endkeys,max=256"`
}

// Clone returns a deep copy of the input.
func (in JobInput) Clone() JobInput {
	cp := in
	if in.Tags != nil {
		cp.Tags = maps.Clone(in.Tags)
	}
	return cp
}

// ArtifactRef locates a produced artifact in the blob store.
type ArtifactRef struct {
	URI         string    `json:"uri"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Strategy    string    `json:"strategy"`
	Degraded    bool      `json:"degraded"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobError is the structured failure reason recorded on a failed job.
type JobError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Strategy string `json:"strategy,omitempty"`
}

// Job is one unit of requested work.
type Job struct {
	ID          string       `json:"id"`
	Input       JobInput     `json:"input"`
	Status      JobStatus    `json:"status"`
	Position    *int         `json:"position"`
	QueuedAt    time.Time    `json:"queued_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	FailedAt    *time.Time   `json:"failed_at,omitempty"`
	Result      *ArtifactRef `json:"result,omitempty"`
	Error       *JobError    `json:"error,omitempty"`
	Attempts    int          `json:"attempts"`
}

// Clone returns a deep copy that shares no pointers with j.
func (j Job) Clone() Job {
	cp := j
	cp.Input = j.Input.Clone()
	cp.Position = clonePtr(j.Position)
	cp.StartedAt = clonePtr(j.StartedAt)
	cp.CompletedAt = clonePtr(j.CompletedAt)
	cp.FailedAt = clonePtr(j.FailedAt)
	cp.Result = clonePtr(j.Result)
	cp.Error = clonePtr(j.Error)
	return cp
}

// FinishedAt returns the terminal timestamp, if any.
func (j Job) FinishedAt() (time.Time, bool) {
	switch {
	case j.CompletedAt != nil:
		return *j.CompletedAt, true
	case j.FailedAt != nil:
		return *j.FailedAt, true
	default:
		return time.Time{}, false
	}
}

// StrategyDescriptor is immutable per-strategy configuration.
type StrategyDescriptor struct {
	Name         string
	Ordinal      int
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	Timeout      time.Duration
}

// StrategyRequest is handed to a Strategy for one attempt.
type StrategyRequest struct {
	JobID   string
	Input   JobInput
	Attempt int
}

// Artifact is the raw output of a successful strategy attempt.
type Artifact struct {
	Data        []byte
	ContentType string
	Extension   string
	Degraded    bool
}

// Outcome is the terminal result of one pipeline run. Exactly one of
// Artifact and Err is set.
type Outcome struct {
	Artifact *ArtifactRef
	Err      *JobError
	Attempts int
}

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Path      string
	Size      int64
	UpdatedAt time.Time
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
