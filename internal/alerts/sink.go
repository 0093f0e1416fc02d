// Package alerts delivers fire-and-forget operator notifications. Sinks never
// return errors: a failed notification is logged and dropped.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Alert kinds emitted by the lookup pipeline.
const (
	KindLookupBlocked          = "lookup_blocked"
	KindLookupCaptcha          = "lookup_captcha"
	KindLookupRetriesExhausted = "lookup_retries_exhausted"
	KindLookupInfrastructure   = "lookup_infrastructure"
)

// Sink receives alerts.
type Sink interface {
	Notify(ctx context.Context, kind string, fields map[string]any)
}

// Event is the wire form published by the Redis and Kafka sinks.
type Event struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent stamps an alert with a random id and the current time.
func NewEvent(kind string, fields map[string]any, now time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: now.UTC(), Fields: fields}
}

// LogSink writes alerts to a structured logger at warn level.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(ctx context.Context, kind string, fields map[string]any) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, len(fields)+1)
	attrs = append(attrs, slog.String("kind", kind))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.WarnContext(ctx, "operator alert", attrs...)
}

// Nop discards every alert.
type Nop struct{}

// Notify implements Sink.
func (Nop) Notify(context.Context, string, map[string]any) {}

// Multi fans an alert out to every sink in order.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, kind string, fields map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, kind, fields)
		}
	}
}
