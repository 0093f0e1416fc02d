package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaSink produces alert events to a topic keyed by alert kind.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger
	clock    func() time.Time
	wg       sync.WaitGroup
}

// NewKafkaProducer creates an async producer tuned for small, low-volume events.
func NewKafkaProducer(brokers []string) (sarama.AsyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Return.Errors = true
	config.Producer.Return.Successes = false
	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("alerts: kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaSink wraps producer and drains its error channel until Close.
func NewKafkaSink(producer sarama.AsyncProducer, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With(slog.String("component", "alerts.kafka")),
		clock:    time.Now,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for perr := range producer.Errors() {
			s.logger.Error("deliver alert", slog.String("topic", s.topic), slog.Any("error", perr.Err))
		}
	}()
	return s
}

// Notify implements Sink.
func (s *KafkaSink) Notify(ctx context.Context, kind string, fields map[string]any) {
	payload, err := json.Marshal(NewEvent(kind, fields, s.clock()))
	if err != nil {
		s.logger.Error("encode alert", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(kind),
		Value: sarama.ByteEncoder(payload),
	}
	select {
	case s.producer.Input() <- msg:
	case <-ctx.Done():
		s.logger.Warn("alert dropped", slog.String("kind", kind), slog.Any("error", ctx.Err()))
	}
}

// Close flushes pending messages and stops the error drain.
func (s *KafkaSink) Close() error {
	err := s.producer.Close()
	s.wg.Wait()
	return err
}
