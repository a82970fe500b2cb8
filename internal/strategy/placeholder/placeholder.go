// Package placeholder is the guaranteed last strategy: it renders a page
// saying the capture failed, without touching the network.
package placeholder

import (
	"context"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/render"
	"github.com/JakeFAU/pagecapture/internal/strategy"
)

// Name is the strategy name used in configuration.
const Name = "placeholder"

// Strategy implements capture.Strategy.
type Strategy struct {
	clock capture.Clock
}

var _ capture.Strategy = (*Strategy)(nil)

// New builds the strategy.
func New(clock capture.Clock) *Strategy {
	return &Strategy{clock: clock}
}

// Name implements capture.Strategy.
func (s *Strategy) Name() string { return Name }

// Execute implements capture.Strategy.
func (s *Strategy) Execute(ctx context.Context, req capture.StrategyRequest) (capture.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return capture.Artifact{}, err
	}
	data, err := render.PlaceholderDocument(req.Input.URL, s.clock.Now(), req.Input.Landscape)
	if err != nil {
		return capture.Artifact{}, capture.Retryable(strategy.CodeRender, err)
	}
	return capture.Artifact{
		Data:        data,
		ContentType: render.ContentType,
		Extension:   render.Extension,
		Degraded:    true,
	}, nil
}
