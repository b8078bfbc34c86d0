package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/snappy-loop/storybook/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer wraps a Kafka producer
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka producer initialized")

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// PublishRequest publishes a story request for the batch worker
func (p *Producer) PublishRequest(ctx context.Context, req models.StoryRequest) error {
	if err := p.publish(ctx, req.RequestID.String(), req); err != nil {
		return fmt.Errorf("failed to publish story request: %w", err)
	}

	log.Info().
		Str("request_id", req.RequestID.String()).
		Str("topic", p.topic).
		Msg("Story request published to Kafka")
	return nil
}

// PublishEvent publishes a session lifecycle event, keyed by session so
// events of one session stay ordered within a partition.
func (p *Producer) PublishEvent(ctx context.Context, event models.StoryEvent) error {
	if err := p.publish(ctx, event.SessionID.String(), event); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	log.Debug().
		Str("session_id", event.SessionID.String()).
		Str("event", event.Type).
		Str("topic", p.topic).
		Msg("Story event published to Kafka")
	return nil
}

func (p *Producer) publish(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	log.Info().Msg("Closing Kafka producer")
	return p.writer.Close()
}
