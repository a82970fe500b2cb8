package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/clock/manual"
	"github.com/JakeFAU/pagecapture/internal/hash/sha256"
	"github.com/JakeFAU/pagecapture/internal/progress"
	"github.com/JakeFAU/pagecapture/internal/storage/memory"
)

// scripted returns its results in order, repeating the last one.
type scripted struct {
	name    string
	mu      sync.Mutex
	results []error
	calls   int
	block   bool
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Execute(ctx context.Context, _ capture.StrategyRequest) (capture.Artifact, error) {
	s.mu.Lock()
	idx := min(s.calls, len(s.results)-1)
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return capture.Artifact{}, ctx.Err()
	}
	if err := s.results[idx]; err != nil {
		return capture.Artifact{}, err
	}
	return capture.Artifact{Data: []byte("%PDF-" + s.name), ContentType: "application/pdf", Extension: "pdf"}, nil
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Execute(context.Context, capture.StrategyRequest) (capture.Artifact, error) {
	panic("boom")
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

type failingBlobs struct {
	*memory.BlobStore
	failures int
}

func (f *failingBlobs) PutObject(ctx context.Context, path, ct string, data io.Reader) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", errors.New("bucket unavailable")
	}
	return f.BlobStore.PutObject(ctx, path, ct, data)
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func stage(s capture.Strategy, ordinal, retries int) Stage {
	return Stage{
		Descriptor: capture.StrategyDescriptor{
			Name:         s.Name(),
			Ordinal:      ordinal,
			MaxRetries:   retries,
			RetryBackoff: 100 * time.Millisecond,
			MaxBackoff:   time.Second,
			Timeout:      time.Second,
		},
		Strategy: s,
	}
}

func newTestPipeline(t *testing.T, blobs capture.BlobStore, stages ...Stage) (*Pipeline, *recorder, *sleepLog) {
	t.Helper()
	rec := &recorder{}
	clock := manual.New(time.Unix(1700000000, 0).UTC())
	p, err := New(stages, blobs, sha256.New(), clock, rec, Config{BlobPrefix: "artifacts"}, nil)
	require.NoError(t, err)
	sl := &sleepLog{}
	p.sleep = sl.sleep
	p.jitter = noJitter
	return p, rec, sl
}

func job() capture.Job {
	return capture.Job{ID: "job-1", Input: capture.JobInput{URL: "https://example.com"}}
}

func TestRunReturnsFirstSuccess(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	preferred := &scripted{name: "preferred", results: []error{nil}}
	fallback := &scripted{name: "fallback", results: []error{nil}}
	p, rec, _ := newTestPipeline(t, blobs, stage(fallback, 2, 0), stage(preferred, 1, 0))

	out := p.Run(context.Background(), job())
	require.Nil(t, out.Err)
	require.NotNil(t, out.Artifact)
	require.Equal(t, "preferred", out.Artifact.Strategy)
	require.Equal(t, 1, out.Attempts)
	require.Zero(t, fallback.Calls())
	require.Regexp(t, `^artifacts/job-1/preferred-[0-9a-f]{16}\.pdf$`, out.Artifact.Path)
	require.Equal(t, "memory://"+out.Artifact.Path, out.Artifact.URI)
	require.Equal(t, int64(len("%PDF-preferred")), out.Artifact.Size)
	require.Equal(t, 1, blobs.Len())

	require.Len(t, rec.events, 1)
	require.Equal(t, progress.OutcomeSuccess, rec.events[0].Outcome)
	require.Equal(t, []string{"preferred", "fallback"}, []string{p.Descriptors()[0].Name, p.Descriptors()[1].Name})
}

func TestTerminalJobStopsPipeline(t *testing.T) {
	t.Parallel()

	first := &scripted{name: "first", results: []error{capture.TerminalJob("http_404", errors.New("gone"))}}
	second := &scripted{name: "second", results: []error{nil}}
	p, _, _ := newTestPipeline(t, memory.NewBlobStore(), stage(first, 0, 3), stage(second, 1, 0))

	out := p.Run(context.Background(), job())
	require.Nil(t, out.Artifact)
	require.NotNil(t, out.Err)
	require.Equal(t, "http_404", out.Err.Code)
	require.Equal(t, "first", out.Err.Strategy)
	require.Equal(t, 1, first.Calls())
	require.Zero(t, second.Calls())
}

func TestTerminalStrategyAdvancesWithoutRetry(t *testing.T) {
	t.Parallel()

	preferred := &scripted{name: "preferred", results: []error{capture.TerminalStrategy("http_403", nil)}}
	guaranteed := &scripted{name: "guaranteed", results: []error{nil}}
	p, _, sl := newTestPipeline(t, memory.NewBlobStore(), stage(preferred, 0, 0), stage(guaranteed, 1, 0))

	out := p.Run(context.Background(), job())
	require.Nil(t, out.Err)
	require.Equal(t, "guaranteed", out.Artifact.Strategy)
	require.Equal(t, 1, preferred.Calls())
	require.Empty(t, sl.delays)
}

func TestRetryableRetriesThenFallsThrough(t *testing.T) {
	t.Parallel()

	flaky := &scripted{name: "flaky", results: []error{capture.Retryable("http_503", nil)}}
	next := &scripted{name: "next", results: []error{nil}}
	p, rec, sl := newTestPipeline(t, memory.NewBlobStore(), stage(flaky, 0, 2), stage(next, 1, 0))

	out := p.Run(context.Background(), job())
	require.Nil(t, out.Err)
	require.Equal(t, "next", out.Artifact.Strategy)
	require.Equal(t, 3, flaky.Calls())
	require.Equal(t, 4, out.Attempts)
	require.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, sl.delays)

	require.Len(t, rec.events, 4)
	for i := range 3 {
		require.Equal(t, progress.OutcomeRetryable, rec.events[i].Outcome)
		require.Equal(t, i, rec.events[i].Attempt)
	}
}

func TestRetryableEventuallySucceeds(t *testing.T) {
	t.Parallel()

	flaky := &scripted{name: "flaky", results: []error{
		capture.RetryableAfter("http_429", 700*time.Millisecond, nil),
		nil,
	}}
	p, _, sl := newTestPipeline(t, memory.NewBlobStore(), stage(flaky, 0, 1))

	out := p.Run(context.Background(), job())
	require.Nil(t, out.Err)
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, []time.Duration{700 * time.Millisecond}, sl.delays)
}

func TestAllStrategiesExhausted(t *testing.T) {
	t.Parallel()

	a := &scripted{name: "a", results: []error{capture.TerminalStrategy("unsupported", nil)}}
	b := &scripted{name: "b", results: []error{errors.New("boom")}}
	p, _, _ := newTestPipeline(t, memory.NewBlobStore(), stage(a, 0, 0), stage(b, 1, 0))

	out := p.Run(context.Background(), job())
	require.NotNil(t, out.Err)
	require.Equal(t, capture.CodeStrategiesExhausted, out.Err.Code)
	require.Equal(t, "b", out.Err.Strategy)
	require.Contains(t, out.Err.Message, "boom")
}

func TestAttemptTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	slow := &scripted{name: "slow", results: []error{nil}, block: true}
	fallback := &scripted{name: "fallback", results: []error{nil}}
	slowStage := stage(slow, 0, 1)
	slowStage.Descriptor.Timeout = 10 * time.Millisecond
	p, rec, sl := newTestPipeline(t, memory.NewBlobStore(), slowStage, stage(fallback, 1, 0))

	out := p.Run(context.Background(), job())
	require.Nil(t, out.Err)
	require.Equal(t, "fallback", out.Artifact.Strategy)
	require.Equal(t, 2, slow.Calls())
	require.Len(t, sl.delays, 1)
	require.Equal(t, capture.CodeTimeout, rec.events[0].Code)
}

func TestParentCancellationEndsRun(t *testing.T) {
	t.Parallel()

	slow := &scripted{name: "slow", results: []error{nil}, block: true}
	never := &scripted{name: "never", results: []error{nil}}
	slowStage := stage(slow, 0, 5)
	slowStage.Descriptor.Timeout = 0
	p, _, _ := newTestPipeline(t, memory.NewBlobStore(), slowStage, stage(never, 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := p.Run(ctx, job())
	require.NotNil(t, out.Err)
	require.Equal(t, capture.CodeCanceled, out.Err.Code)
	require.Zero(t, never.Calls())
}

func TestPanicIsTerminalForStrategy(t *testing.T) {
	t.Parallel()

	fallback := &scripted{name: "fallback", results: []error{nil}}
	p, rec, _ := newTestPipeline(t, memory.NewBlobStore(), stage(panicky{}, 0, 3), stage(fallback, 1, 0))

	out := p.Run(context.Background(), job())
	require.Nil(t, out.Err)
	require.Equal(t, "fallback", out.Artifact.Strategy)
	require.Equal(t, capture.CodePanic, rec.events[0].Code)
	require.Equal(t, progress.OutcomeTerminalStrategy, rec.events[0].Outcome)
}

func TestPersistFailureIsRetried(t *testing.T) {
	t.Parallel()

	blobs := &failingBlobs{BlobStore: memory.NewBlobStore(), failures: 1}
	only := &scripted{name: "only", results: []error{nil}}
	p, _, _ := newTestPipeline(t, blobs, stage(only, 0, 1))

	out := p.Run(context.Background(), job())
	require.Nil(t, out.Err)
	require.Equal(t, 2, only.Calls())
	require.Equal(t, 1, blobs.Len())
}

func TestNewValidatesStages(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := manual.New(time.Now())
	_, err := New(nil, blobs, sha256.New(), clock, nil, Config{}, nil)
	require.Error(t, err)

	a := &scripted{name: "a", results: []error{nil}}
	_, err = New([]Stage{stage(a, 0, 0), stage(a, 1, 0)}, blobs, sha256.New(), clock, nil, Config{}, nil)
	require.ErrorContains(t, err, "duplicate")

	_, err = New([]Stage{{Descriptor: capture.StrategyDescriptor{Name: "x"}}}, blobs, sha256.New(), clock, nil, Config{}, nil)
	require.Error(t, err)
}
