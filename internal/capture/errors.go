package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors surfaced at the core boundary.
var (
	ErrQueueFull        = errors.New("queue full")
	ErrShuttingDown     = errors.New("queue shutting down")
	ErrJobNotFound      = errors.New("job not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrArtifactNotReady = errors.New("artifact not ready")
)

// QueueFullError rejects an enqueue when the queued set is at capacity.
type QueueFullError struct {
	Queued int
	Limit  int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: %d of %d queued", e.Queued, e.Limit)
}

// Is lets errors.Is(err, ErrQueueFull) match.
func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}

// FailureKind classifies a failed strategy attempt.
type FailureKind int

// Failure kinds in increasing severity.
const (
	KindRetryable FailureKind = iota
	KindTerminalStrategy
	KindTerminalJob
)

func (k FailureKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindTerminalStrategy:
		return "terminal_strategy"
	case KindTerminalJob:
		return "terminal_job"
	default:
		return "unknown"
	}
}

// Failure codes shared by the pipeline and strategies.
const (
	CodeTimeout             = "timeout"
	CodeCanceled            = "canceled"
	CodePanic               = "panic"
	CodeStorage             = "storage"
	CodeUnknown             = "unknown"
	CodeStrategiesExhausted = "strategies_exhausted"
)

// StrategyError carries the classification of a failed attempt.
type StrategyError struct {
	Kind       FailureKind
	Code       string
	RetryAfter time.Duration
	Err        error
}

func (e *StrategyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// Retryable marks a transient failure; the same strategy may be retried.
func Retryable(code string, err error) error {
	return &StrategyError{Kind: KindRetryable, Code: code, Err: err}
}

// RetryableAfter is Retryable with a server-provided minimum wait.
func RetryableAfter(code string, after time.Duration, err error) error {
	return &StrategyError{Kind: KindRetryable, Code: code, RetryAfter: after, Err: err}
}

// TerminalJob marks an input no strategy can process.
func TerminalJob(code string, err error) error {
	return &StrategyError{Kind: KindTerminalJob, Code: code, Err: err}
}

// TerminalStrategy marks a failure only this strategy cannot recover from.
func TerminalStrategy(code string, err error) error {
	return &StrategyError{Kind: KindTerminalStrategy, Code: code, Err: err}
}

// Classify returns the failure kind and code for err. Unclassified errors are
// retryable; network timeouts and deadline errors map to CodeTimeout.
func Classify(err error) (FailureKind, string) {
	var se *StrategyError
	if errors.As(err, &se) {
		code := se.Code
		if code == "" {
			code = CodeUnknown
		}
		return se.Kind, code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable, CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindRetryable, CodeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable, CodeTimeout
	}
	return KindRetryable, CodeUnknown
}

// RetryAfterHint extracts a minimum retry delay, if the error carries one.
func RetryAfterHint(err error) time.Duration {
	var se *StrategyError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
