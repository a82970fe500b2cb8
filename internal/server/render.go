package server

import (
	"context"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

// Render runs input through the strategy chain outside the queue and copies
// the artifact to w. The stored blob is deleted once copied.
func (a *App) Render(ctx context.Context, input capture.JobInput, w io.Writer) (capture.ArtifactRef, error) {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(input); err != nil {
		return capture.ArtifactRef{}, fmt.Errorf("invalid input: %w", err)
	}
	id, err := a.ids.NewID()
	if err != nil {
		return capture.ArtifactRef{}, fmt.Errorf("generate job id: %w", err)
	}
	job := capture.Job{
		ID:       id,
		Input:    input,
		Status:   capture.JobStatusProcessing,
		QueuedAt: a.clock.Now(),
	}
	out := a.pipeline.Run(ctx, job)
	if out.Err != nil {
		return capture.ArtifactRef{}, fmt.Errorf("capture failed after %d attempts: %s: %s",
			out.Attempts, out.Err.Code, out.Err.Message)
	}
	if out.Artifact == nil {
		return capture.ArtifactRef{}, fmt.Errorf("capture produced no artifact")
	}
	ref := *out.Artifact
	defer func() {
		if err := a.blobs.DeleteObject(context.WithoutCancel(ctx), ref.Path); err != nil {
			a.logger.Warn("delete rendered blob failed", zap.String("path", ref.Path), zap.Error(err))
		}
	}()

	rc, err := a.blobs.GetObject(ctx, ref.Path)
	if err != nil {
		return ref, fmt.Errorf("open artifact: %w", err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return ref, fmt.Errorf("copy artifact: %w", err)
	}
	a.logger.Info("render finished",
		zap.String("job_id", id),
		zap.String("strategy", ref.Strategy),
		zap.Bool("degraded", ref.Degraded),
		zap.Int64("bytes", ref.Size),
		zap.Int("attempts", out.Attempts),
	)
	return ref, nil
}
