// Package pipeline drives one job through the ordered capture strategies.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/progress"
)

// Stage pairs a strategy with its retry and timeout policy.
type Stage struct {
	Descriptor capture.StrategyDescriptor
	Strategy   capture.Strategy
}

// Config controls artifact persistence.
type Config struct {
	// BlobPrefix is prepended to every artifact path.
	BlobPrefix string
}

// Pipeline runs stages in ordinal order until one produces an artifact.
type Pipeline struct {
	stages  []Stage
	blobs   capture.BlobStore
	hasher  capture.Hasher
	clock   capture.Clock
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

// New validates and sorts stages.
func New(
	stages []Stage,
	blobs capture.BlobStore,
	hasher capture.Hasher,
	clock capture.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("at least one strategy is required")
	}
	if blobs == nil || hasher == nil || clock == nil {
		return nil, errors.New("blob store, hasher and clock are required")
	}
	seen := make(map[string]struct{}, len(stages))
	for _, st := range stages {
		if st.Strategy == nil {
			return nil, fmt.Errorf("strategy %q has no executor", st.Descriptor.Name)
		}
		if st.Descriptor.Name == "" {
			return nil, errors.New("strategy name is required")
		}
		if _, dup := seen[st.Descriptor.Name]; dup {
			return nil, fmt.Errorf("duplicate strategy %q", st.Descriptor.Name)
		}
		if st.Descriptor.MaxRetries < 0 {
			return nil, fmt.Errorf("strategy %q: max retries must be >= 0", st.Descriptor.Name)
		}
		seen[st.Descriptor.Name] = struct{}{}
	}
	sorted := append([]Stage(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Descriptor.Ordinal < sorted[j].Descriptor.Ordinal
	})
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		stages:  sorted,
		blobs:   blobs,
		hasher:  hasher,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepCtx,
		jitter:  randomJitter,
	}, nil
}

// Descriptors returns the stage descriptors in execution order.
func (p *Pipeline) Descriptors() []capture.StrategyDescriptor {
	out := make([]capture.StrategyDescriptor, len(p.stages))
	for i, st := range p.stages {
		out[i] = st.Descriptor
	}
	return out
}

// Run converts job into a terminal outcome. Attempt errors never escape; the
// outcome carries either the artifact or a structured job error.
func (p *Pipeline) Run(ctx context.Context, job capture.Job) capture.Outcome {
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("url", job.Input.URL))
	attempts := 0
	var last *capture.JobError

	for _, st := range p.stages {
		name := st.Descriptor.Name
	retries:
		for retry := 0; ; retry++ {
			if ctx.Err() != nil {
				return p.canceled(ctx, name, attempts)
			}
			attempts++
			ref, err := p.attempt(ctx, job, st, retry)
			if err == nil {
				logger.Info("capture succeeded",
					zap.String("strategy", name),
					zap.Int("attempts", attempts),
					zap.Bool("degraded", ref.Degraded),
				)
				return capture.Outcome{Artifact: &ref, Attempts: attempts}
			}
			if ctx.Err() != nil {
				return p.canceled(ctx, name, attempts)
			}

			kind, code := capture.Classify(err)
			last = &capture.JobError{Code: code, Message: err.Error(), Strategy: name}
			switch kind {
			case capture.KindTerminalJob:
				logger.Warn("input rejected, aborting pipeline",
					zap.String("strategy", name), zap.String("code", code), zap.Error(err))
				return capture.Outcome{Err: last, Attempts: attempts}
			case capture.KindTerminalStrategy:
				logger.Info("strategy cannot handle input, advancing",
					zap.String("strategy", name), zap.String("code", code), zap.Error(err))
				break retries
			default:
				if retry >= st.Descriptor.MaxRetries {
					logger.Info("strategy retries exhausted, advancing",
						zap.String("strategy", name), zap.String("code", code), zap.Int("retries", retry))
					break retries
				}
				wait := backoff(st.Descriptor, retry, capture.RetryAfterHint(err), p.jitter)
				logger.Debug("retrying strategy",
					zap.String("strategy", name), zap.String("code", code), zap.Duration("backoff", wait))
				if err := p.sleep(ctx, wait); err != nil {
					return p.canceled(ctx, name, attempts)
				}
			}
		}
	}

	jobErr := &capture.JobError{Code: capture.CodeStrategiesExhausted, Message: "all strategies failed"}
	if last != nil {
		jobErr.Strategy = last.Strategy
		jobErr.Message = fmt.Sprintf("all strategies failed; last %s: %s", last.Code, last.Message)
	}
	logger.Warn("all strategies failed", zap.Int("attempts", attempts))
	return capture.Outcome{Err: jobErr, Attempts: attempts}
}

func (p *Pipeline) canceled(ctx context.Context, strategy string, attempts int) capture.Outcome {
	msg := "job canceled"
	if err := ctx.Err(); err != nil {
		msg = err.Error()
	}
	return capture.Outcome{
		Err:      &capture.JobError{Code: capture.CodeCanceled, Message: msg, Strategy: strategy},
		Attempts: attempts,
	}
}

// attempt runs one strategy invocation under its own deadline and persists
// the artifact on success.
func (p *Pipeline) attempt(ctx context.Context, job capture.Job, st Stage, retry int) (capture.ArtifactRef, error) {
	actx := ctx
	cancel := context.CancelFunc(func() {})
	if st.Descriptor.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, st.Descriptor.Timeout)
	}
	defer cancel()

	start := p.clock.Now()
	req := capture.StrategyRequest{JobID: job.ID, Input: job.Input.Clone(), Attempt: retry}
	art, err := execute(actx, st.Strategy, req)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var se *capture.StrategyError
		if !errors.As(err, &se) || se.Kind == capture.KindRetryable {
			err = capture.Retryable(capture.CodeTimeout, err)
		}
	}
	var ref capture.ArtifactRef
	if err == nil {
		ref, err = p.persist(ctx, job.ID, st.Descriptor.Name, art)
	}
	p.emitAttempt(job, st.Descriptor.Name, retry, p.clock.Now().Sub(start), err, ref)
	return ref, err
}

// execute shields the pipeline from strategy panics.
func execute(ctx context.Context, s capture.Strategy, req capture.StrategyRequest) (art capture.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = capture.TerminalStrategy(capture.CodePanic, fmt.Errorf("strategy %s panicked: %v", s.Name(), r))
		}
	}()
	return s.Execute(ctx, req)
}

func (p *Pipeline) persist(ctx context.Context, jobID, strategy string, art capture.Artifact) (capture.ArtifactRef, error) {
	if len(art.Data) == 0 {
		return capture.ArtifactRef{}, capture.TerminalStrategy("empty_artifact", errors.New("strategy returned no data"))
	}
	sum, err := p.hasher.Hash(art.Data)
	if err != nil {
		return capture.ArtifactRef{}, capture.Retryable(capture.CodeStorage, fmt.Errorf("hash artifact: %w", err))
	}
	contentType := art.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ext := strings.TrimPrefix(art.Extension, ".")
	if ext == "" {
		ext = "bin"
	}
	short := sum
	if len(short) > 16 {
		short = short[:16]
	}
	blobPath := path.Join(p.cfg.BlobPrefix, jobID, fmt.Sprintf("%s-%s.%s", strategy, short, ext))
	uri, err := p.blobs.PutObject(ctx, blobPath, contentType, bytes.NewReader(art.Data))
	if err != nil {
		return capture.ArtifactRef{}, capture.Retryable(capture.CodeStorage, fmt.Errorf("persist artifact: %w", err))
	}
	return capture.ArtifactRef{
		URI:         uri,
		Path:        blobPath,
		ContentType: contentType,
		Size:        int64(len(art.Data)),
		SHA256:      sum,
		Strategy:    strategy,
		Degraded:    art.Degraded,
		CreatedAt:   p.clock.Now(),
	}, nil
}

func (p *Pipeline) emitAttempt(job capture.Job, strategy string, retry int, dur time.Duration, err error, ref capture.ArtifactRef) {
	evt := progress.Event{
		JobID:    job.ID,
		TS:       p.clock.Now(),
		Stage:    progress.StageStrategyAttempt,
		URL:      job.Input.URL,
		Strategy: strategy,
		Attempt:  retry,
		Outcome:  progress.OutcomeSuccess,
		Dur:      max(dur, 0),
	}
	if err != nil {
		kind, code := capture.Classify(err)
		evt.Outcome = kind.String()
		evt.Code = code
		evt.Note = err.Error()
	} else {
		evt.Bytes = ref.Size
		evt.Degraded = ref.Degraded
		evt.ArtifactURI = ref.URI
	}
	p.emitter.Emit(evt)
}
