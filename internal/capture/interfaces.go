package capture

import (
	"context"
	"io"
	"time"
)

// Strategy produces an artifact for a job input. Implementations enforce the
// deadline carried by ctx and release everything they acquire on every exit
// path. Failures are reported with Retryable, TerminalJob or TerminalStrategy.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, req StrategyRequest) (Artifact, error)
}

// JobRunner drives one admitted job to a terminal outcome.
type JobRunner interface {
	Run(ctx context.Context, job Job) Outcome
}

// ArtifactRetention tracks produced artifacts until they are retrieved or expire.
type ArtifactRetention interface {
	Expect(jobID string)
	Store(jobID string, ref ArtifactRef)
	Forget(jobID string)
	Retrieve(jobID string) (ArtifactRef, error)
	Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error)
	Release(ctx context.Context, jobID string) error
}

// BlobStore persists artifact bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
	// DeleteObject removes the object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, path string) error
}

// ObjectLister is implemented by blob stores that can enumerate objects.
type ObjectLister interface {
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// HistoryStore records job lifecycle and strategy attempts for auditing.
type HistoryStore interface {
	UpsertJob(ctx context.Context, rec JobRecord) error
	RecordAttempt(ctx context.Context, rec AttemptRecord) error
	Close()
}

// JobRecord is one lifecycle snapshot written to the history store.
type JobRecord struct {
	JobID     string
	URL       string
	Status    JobStatus
	Strategy  string
	ErrorCode string
	Note      string
	At        time.Time
}

// AttemptRecord is one strategy invocation written to the history store.
type AttemptRecord struct {
	JobID    string
	Strategy string
	Attempt  int
	Outcome  string
	Code     string
	Duration time.Duration
	At       time.Time
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
