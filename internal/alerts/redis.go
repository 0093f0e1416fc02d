package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes alert events as JSON on a pub/sub channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
	clock   func() time.Time
}

// NewRedisSink builds a sink publishing to channel.
func NewRedisSink(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{client: client, channel: channel, logger: logger.With(slog.String("component", "alerts.redis")), clock: time.Now}
}

// Notify implements Sink.
func (s *RedisSink) Notify(ctx context.Context, kind string, fields map[string]any) {
	payload, err := json.Marshal(NewEvent(kind, fields, s.clock()))
	if err != nil {
		s.logger.Error("encode alert", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Error("publish alert", slog.String("kind", kind), slog.Any("error", err))
	}
}
