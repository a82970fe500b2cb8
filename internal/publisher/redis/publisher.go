// Package redis appends job notifications to a Redis stream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// streamAdder is the subset of the go-redis client the publisher uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// Config selects the stream and its approximate length cap.
type Config struct {
	// StreamPrefix is prepended to the topic to form the stream key.
	StreamPrefix string
	// MaxLen trims the stream approximately; 0 disables trimming.
	MaxLen int64
}

// Publisher writes one stream entry per notification.
type Publisher struct {
	client streamAdder
	cfg    Config
}

// New wraps an existing go-redis client.
func New(client goredis.UniversalClient, cfg Config) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Publisher{client: client, cfg: cfg}, nil
}

// Publish marshals payload to JSON and XADDs it under "<prefix><topic>".
// The returned ID is the stream entry ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: p.cfg.StreamPrefix + topic,
		Values: map[string]any{"payload": string(data)},
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return id, nil
}
