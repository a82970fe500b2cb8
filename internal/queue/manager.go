package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/metrics"
	"github.com/JakeFAU/pagecapture/internal/progress"
)

// CodeInternal marks a job whose runner panicked.
const CodeInternal = "internal"

// Config bounds the queue.
type Config struct {
	// MaxConcurrent caps jobs in processing.
	MaxConcurrent int
	// MaxQueueDepth caps jobs waiting in queued.
	MaxQueueDepth int
	// QueueTimeout expires jobs queued longer than this. Zero disables it.
	QueueTimeout time.Duration
	// RetentionTimeout expires finished jobs older than this. Zero disables it.
	RetentionTimeout time.Duration
}

// Stats is a point-in-time count of jobs by status.
type Stats struct {
	Queued        int  `json:"queued"`
	Processing    int  `json:"processing"`
	Completed     int  `json:"completed"`
	Failed        int  `json:"failed"`
	MaxConcurrent int  `json:"max_concurrent"`
	MaxQueueDepth int  `json:"max_queue_depth"`
	ShuttingDown  bool `json:"shutting_down"`
}

// SweepReport counts jobs removed by SweepExpired.
type SweepReport struct {
	ExpiredQueued   int
	ExpiredFinished int
	ReleaseErrors   int
}

type completion struct {
	jobID   string
	outcome capture.Outcome
}

// Manager is the job queue.
type Manager struct {
	mu         sync.Mutex
	jobs       map[string]*capture.Job
	claims     map[string]struct{}
	queued     []string
	processing int
	closed     bool

	runner    capture.JobRunner
	retention capture.ArtifactRetention
	ids       capture.IDGenerator
	clock     capture.Clock
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger

	baseCtx  context.Context
	cancel   context.CancelFunc
	finished chan completion
	wg       sync.WaitGroup
}

// New builds a Manager. Run must be running for jobs to finish.
func New(
	runner capture.JobRunner,
	retention capture.ArtifactRetention,
	ids capture.IDGenerator,
	clock capture.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*Manager, error) {
	if runner == nil || retention == nil || ids == nil || clock == nil {
		return nil, errors.New("runner, retention, id generator and clock are required")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be > 0, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxQueueDepth <= 0 {
		return nil, fmt.Errorf("max queue depth must be > 0, got %d", cfg.MaxQueueDepth)
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		jobs:      make(map[string]*capture.Job),
		claims:    make(map[string]struct{}),
		runner:    runner,
		retention: retention,
		ids:       ids,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
		finished:  make(chan completion, cfg.MaxConcurrent),
	}, nil
}

// Enqueue creates a queued job and triggers admission. It fails fast with a
// *capture.QueueFullError when MaxQueueDepth jobs are already waiting.
func (m *Manager) Enqueue(input capture.JobInput) (string, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		metrics.ObserveEnqueueRejected("shutting_down")
		return "", capture.ErrShuttingDown
	}
	if len(m.queued) >= m.cfg.MaxQueueDepth {
		metrics.ObserveEnqueueRejected("queue_full")
		return "", &capture.QueueFullError{Queued: len(m.queued), Limit: m.cfg.MaxQueueDepth}
	}

	now := m.clock.Now()
	job := &capture.Job{
		ID:       id,
		Input:    input.Clone(),
		Status:   capture.JobStatusQueued,
		QueuedAt: now,
	}
	m.jobs[id] = job
	m.queued = append(m.queued, id)
	pos := len(m.queued)
	job.Position = &pos
	m.emitLocked(job, progress.StageJobQueued, now)
	m.logger.Debug("job queued", zap.String("job_id", id), zap.Int("position", pos))

	m.admitLocked()
	return id, nil
}

// admitLocked starts queued jobs while capacity remains.
func (m *Manager) admitLocked() {
	for !m.closed && m.processing < m.cfg.MaxConcurrent && len(m.queued) > 0 {
		id := m.queued[0]
		m.queued = m.queued[1:]
		job := m.jobs[id]

		now := m.clock.Now()
		job.Status = capture.JobStatusProcessing
		job.StartedAt = &now
		job.Position = nil
		m.processing++
		m.retention.Expect(id)

		m.wg.Add(1)
		go m.process(job.Clone())
		m.emitLocked(job, progress.StageJobStart, now)
		m.logger.Info("job admitted", zap.String("job_id", id), zap.String("url", job.Input.URL))
	}
	m.recomputePositionsLocked()
	m.publishLocked()
}

func (m *Manager) recomputePositionsLocked() {
	for i, id := range m.queued {
		pos := i + 1
		m.jobs[id].Position = &pos
	}
}

func (m *Manager) process(job capture.Job) {
	defer m.wg.Done()
	m.finished <- completion{jobID: job.ID, outcome: m.runSafely(job)}
}

func (m *Manager) runSafely(job capture.Job) (out capture.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job runner panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			out = capture.Outcome{Err: &capture.JobError{Code: CodeInternal, Message: "internal error"}}
		}
	}()
	return m.runner.Run(m.baseCtx, job)
}

// Run consumes completions until ctx ends, then stops admission, cancels
// in-flight pipelines and records their outcomes before returning.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case c := <-m.finished:
			m.onJobFinished(c)
		case <-ctx.Done():
			m.shutdown()
			return
		}
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.closed = true
	inFlight := m.processing
	m.publishLocked()
	m.mu.Unlock()
	m.logger.Info("queue stopping", zap.Int("in_flight", inFlight))

	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	for {
		select {
		case c := <-m.finished:
			m.onJobFinished(c)
		case <-done:
			for {
				select {
				case c := <-m.finished:
					m.onJobFinished(c)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) onJobFinished(c completion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processing--

	job, ok := m.jobs[c.jobID]
	if !ok {
		m.logger.Warn("completion for unknown job", zap.String("job_id", c.jobID))
		m.retention.Forget(c.jobID)
		m.admitLocked()
		return
	}
	now := m.clock.Now()
	job.Attempts = c.outcome.Attempts
	if ref := c.outcome.Artifact; ref != nil {
		stored := *ref
		job.Status = capture.JobStatusCompleted
		job.CompletedAt = &now
		job.Result = &stored
		m.retention.Store(job.ID, stored)
		m.emitLocked(job, progress.StageJobDone, now)
		m.logger.Info("job completed",
			zap.String("job_id", job.ID),
			zap.String("strategy", stored.Strategy),
			zap.Bool("degraded", stored.Degraded),
			zap.Int("attempts", job.Attempts),
		)
	} else {
		jobErr := c.outcome.Err
		if jobErr == nil {
			jobErr = &capture.JobError{Code: capture.CodeUnknown, Message: "pipeline returned no outcome"}
		}
		failure := *jobErr
		job.Status = capture.JobStatusFailed
		job.FailedAt = &now
		job.Error = &failure
		m.retention.Forget(job.ID)
		m.emitLocked(job, progress.StageJobError, now)
		m.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("code", failure.Code),
			zap.String("strategy", failure.Strategy),
			zap.String("message", failure.Message),
		)
	}
	m.admitLocked()
}

// GetStatus returns a copy of the job.
func (m *Manager) GetStatus(jobID string) (capture.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return capture.Job{}, capture.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Retrieve returns the artifact reference for a completed job.
func (m *Manager) Retrieve(jobID string) (capture.ArtifactRef, error) {
	m.mu.Lock()
	status := capture.JobStatus("")
	if job, ok := m.jobs[jobID]; ok {
		status = job.Status
	}
	m.mu.Unlock()

	switch status {
	case capture.JobStatusQueued:
		return capture.ArtifactRef{}, capture.ErrArtifactNotReady
	case capture.JobStatusFailed:
		return capture.ArtifactRef{}, capture.ErrArtifactNotFound
	default:
		ref, err := m.retention.Retrieve(jobID)
		if err != nil {
			return capture.ArtifactRef{}, fmt.Errorf("retrieve artifact for %s: %w", jobID, err)
		}
		return ref, nil
	}
}

// Claim is Retrieve for a single reader: it reserves the artifact until
// Release or Unclaim, and a second claim meanwhile reports
// capture.ErrArtifactNotFound. Claimed jobs are not swept.
func (m *Manager) Claim(jobID string) (capture.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		switch job.Status {
		case capture.JobStatusQueued:
			return capture.ArtifactRef{}, capture.ErrArtifactNotReady
		case capture.JobStatusFailed:
			return capture.ArtifactRef{}, capture.ErrArtifactNotFound
		}
	}
	if _, held := m.claims[jobID]; held {
		return capture.ArtifactRef{}, fmt.Errorf("artifact for %s already claimed: %w", jobID, capture.ErrArtifactNotFound)
	}
	ref, err := m.retention.Retrieve(jobID)
	if err != nil {
		return capture.ArtifactRef{}, fmt.Errorf("claim artifact for %s: %w", jobID, err)
	}
	m.claims[jobID] = struct{}{}
	return ref, nil
}

// Unclaim gives up a claim without releasing the artifact.
func (m *Manager) Unclaim(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, jobID)
}

// OpenArtifact streams a retrieved artifact.
func (m *Manager) OpenArtifact(ctx context.Context, ref capture.ArtifactRef) (io.ReadCloser, error) {
	rc, err := m.retention.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return rc, nil
}

// Release drops a completed job and releases its artifact. Releasing an
// unknown or already released job is a no-op.
func (m *Manager) Release(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if job, ok := m.jobs[jobID]; ok {
		switch job.Status {
		case capture.JobStatusQueued, capture.JobStatusProcessing:
			m.mu.Unlock()
			return capture.ErrArtifactNotReady
		case capture.JobStatusFailed:
			m.mu.Unlock()
			return capture.ErrArtifactNotFound
		}
		delete(m.jobs, jobID)
		m.emitLocked(job, progress.StageJobReleased, m.clock.Now())
		m.publishLocked()
	}
	delete(m.claims, jobID)
	m.mu.Unlock()

	if err := m.retention.Release(ctx, jobID); err != nil {
		return fmt.Errorf("release artifact for %s: %w", jobID, err)
	}
	return nil
}

// SweepExpired removes queued jobs older than QueueTimeout and finished jobs
// older than RetentionTimeout, releasing their artifacts. Processing jobs are
// never swept.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) SweepReport {
	var report SweepReport
	var release []string

	m.mu.Lock()
	for id, job := range m.jobs {
		switch job.Status {
		case capture.JobStatusQueued:
			if m.cfg.QueueTimeout <= 0 || now.Sub(job.QueuedAt) <= m.cfg.QueueTimeout {
				continue
			}
			report.ExpiredQueued++
			m.queued = slices.DeleteFunc(m.queued, func(q string) bool { return q == id })
		case capture.JobStatusCompleted, capture.JobStatusFailed:
			at, _ := job.FinishedAt()
			if m.cfg.RetentionTimeout <= 0 || now.Sub(at) <= m.cfg.RetentionTimeout {
				continue
			}
			if _, held := m.claims[id]; held {
				continue
			}
			report.ExpiredFinished++
			if job.Status == capture.JobStatusCompleted {
				release = append(release, id)
			}
		default:
			continue
		}
		delete(m.jobs, id)
		evt := m.event(job, progress.StageJobExpired, now)
		evt.Note = string(job.Status)
		m.emitter.Emit(evt)
	}
	if report.ExpiredQueued > 0 {
		m.recomputePositionsLocked()
	}
	m.publishLocked()
	m.mu.Unlock()

	for _, id := range release {
		if err := m.retention.Release(ctx, id); err != nil {
			report.ReleaseErrors++
			m.logger.Warn("release of expired artifact failed", zap.String("job_id", id), zap.Error(err))
		}
	}
	if report.ExpiredQueued+report.ExpiredFinished > 0 {
		m.logger.Info("expired jobs swept",
			zap.Int("queued", report.ExpiredQueued),
			zap.Int("finished", report.ExpiredFinished),
		)
	}
	return report
}

// Stats returns current counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	s := Stats{
		Queued:        len(m.queued),
		Processing:    m.processing,
		MaxConcurrent: m.cfg.MaxConcurrent,
		MaxQueueDepth: m.cfg.MaxQueueDepth,
		ShuttingDown:  m.closed,
	}
	for _, job := range m.jobs {
		switch job.Status {
		case capture.JobStatusCompleted:
			s.Completed++
		case capture.JobStatusFailed:
			s.Failed++
		}
	}
	return s
}

func (m *Manager) publishLocked() {
	s := m.statsLocked()
	metrics.SetQueueDepth(s.Queued, s.Processing, s.Completed, s.Failed)
}

func (m *Manager) emitLocked(job *capture.Job, stage progress.Stage, at time.Time) {
	m.emitter.Emit(m.event(job, stage, at))
}

func (m *Manager) event(job *capture.Job, stage progress.Stage, at time.Time) progress.Event {
	evt := progress.Event{
		JobID: job.ID,
		TS:    at,
		Stage: stage,
		URL:   job.Input.URL,
		Tags:  job.Input.Tags,
	}
	switch stage {
	case progress.StageJobDone:
		if job.Result != nil {
			evt.Strategy = job.Result.Strategy
			evt.Bytes = job.Result.Size
			evt.Degraded = job.Result.Degraded
			evt.ArtifactURI = job.Result.URI
		}
	case progress.StageJobError:
		if job.Error != nil {
			evt.Strategy = job.Error.Strategy
			evt.Code = job.Error.Code
			evt.Note = job.Error.Message
		}
	}
	if job.StartedAt != nil && stage.Terminal() && stage != progress.StageJobExpired {
		evt.Dur = max(at.Sub(*job.StartedAt), 0)
	}
	return evt
}
