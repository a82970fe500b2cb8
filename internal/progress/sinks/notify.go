package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/progress"
)

// Notification is the payload published when a job reaches a terminal stage.
type Notification struct {
	JobID       string            `json:"job_id"`
	Stage       string            `json:"stage"`
	URL         string            `json:"url,omitempty"`
	Strategy    string            `json:"strategy,omitempty"`
	Code        string            `json:"code,omitempty"`
	ArtifactURI string            `json:"artifact_uri,omitempty"`
	Bytes       int64             `json:"bytes,omitempty"`
	Degraded    bool              `json:"degraded,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	At          time.Time         `json:"at"`
}

// NotifySink publishes terminal job events to a topic.
type NotifySink struct {
	publisher capture.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink builds a sink that publishes to topic.
func NewNotifySink(publisher capture.Publisher, topic string, logger *zap.Logger) (*NotifySink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}, nil
}

// Consume publishes one message per terminal event in the batch.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		msg := Notification{
			JobID:       evt.JobID,
			Stage:       string(evt.Stage),
			URL:         evt.URL,
			Strategy:    evt.Strategy,
			Code:        evt.Code,
			ArtifactURI: evt.ArtifactURI,
			Bytes:       evt.Bytes,
			Degraded:    evt.Degraded,
			Tags:        evt.Tags,
			At:          evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Stage, evt.JobID, err))
			continue
		}
		s.logger.Debug("job notification published",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
