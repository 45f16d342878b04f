package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/bountyhub/bountyhub/internal/domain/task"
)

const (
	DefaultAnalyticsTopic  = "bountyhub.analytics"
	DefaultDeadLetterTopic = "bountyhub.dead_letters"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...segkafka.Message) error
	Close() error
}

// Producer publishes analytics events and mirrors dead letters.
type Producer struct {
	writer          writer
	analyticsTopic  string
	deadLetterTopic string
	now             func() time.Time
	logger          zerolog.Logger
}

// Option configures a Producer.
type Option func(*Producer)

func WithTopics(analytics, deadLetters string) Option {
	return func(p *Producer) {
		if analytics != "" {
			p.analyticsTopic = analytics
		}
		if deadLetters != "" {
			p.deadLetterTopic = deadLetters
		}
	}
}

// NewProducer creates a producer connected to brokers. Messages are routed by
// key so events for one entity stay ordered on a partition.
func NewProducer(brokers []string, logger zerolog.Logger, opts ...Option) *Producer {
	w := &segkafka.Writer{
		Addr:                   segkafka.TCP(brokers...),
		Balancer:               &segkafka.Hash{},
		RequiredAcks:           segkafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w, logger, opts...)
}

func newProducer(w writer, logger zerolog.Logger, opts ...Option) *Producer {
	p := &Producer{
		writer:          w,
		analyticsTopic:  DefaultAnalyticsTopic,
		deadLetterTopic: DefaultDeadLetterTopic,
		now:             time.Now,
		logger:          logger.With().Str("component", "kafka").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishEvent writes an analytics event keyed by key.
func (p *Producer) PublishEvent(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.analyticsTopic, key, event)
}

// PublishDeadLetter mirrors a dead-lettered task, keyed by its task id.
func (p *Producer) PublishDeadLetter(ctx context.Context, dl *task.DeadLetter) error {
	return p.publish(ctx, p.deadLetterTopic, dl.OriginalTaskID, dl)
}

func (p *Producer) publish(ctx context.Context, topic, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}
	headers := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	if err := p.writer.WriteMessages(ctx, segkafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []segkafka.Header(headers),
		Time:    p.now(),
	}); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	p.logger.Debug().Str("topic", topic).Str("key", key).Int("bytes", len(value)).Msg("message published")
	return nil
}

func (p *Producer) Close() error { return p.writer.Close() }
