package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/snappy-loop/storybook/internal/models"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RequestHandler processes story requests
type RequestHandler interface {
	HandleStoryRequest(ctx context.Context, req *models.StoryRequest) error
}

// FailureHandler is implemented by handlers that want to know when a request
// is given up on after its last attempt.
type FailureHandler interface {
	HandleStoryFailure(ctx context.Context, req *models.StoryRequest, err error)
}

// Consumer wraps a Kafka consumer
type Consumer struct {
	reader      messageReader
	handler     RequestHandler
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string, handler RequestHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // manual commits
		StartOffset:    kafka.FirstOffset,
	})

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Kafka consumer initialized")

	return newConsumer(reader, handler)
}

func newConsumer(reader messageReader, handler RequestHandler) *Consumer {
	return &Consumer{
		reader:      reader,
		handler:     handler,
		maxAttempts: 3,
		baseDelay:   5 * time.Second,
		maxDelay:    time.Minute,
	}
}

// Start consumes messages until ctx is done. A message is committed after it
// is handled or after maxAttempts failures, so one bad request cannot block the queue.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		if err := c.processWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Story request failed after all attempts, skipping message")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

func (c *Consumer) processWithRetry(ctx context.Context, msg kafka.Message) error {
	var req models.StoryRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		// malformed payloads never succeed
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = c.handler.HandleStoryRequest(ctx, &req)
		if lastErr == nil {
			log.Info().
				Str("request_id", req.RequestID.String()).
				Int("attempt", attempt+1).
				Msg("Story request processed")
			return nil
		}
		log.Warn().
			Err(lastErr).
			Str("request_id", req.RequestID.String()).
			Int("attempt", attempt+1).
			Int("max_attempts", c.maxAttempts).
			Msg("Failed to process story request")
	}
	if fh, ok := c.handler.(FailureHandler); ok {
		fh.HandleStoryFailure(ctx, &req, lastErr)
	}
	return fmt.Errorf("handler error: %w", lastErr)
}

// Close closes the consumer
func (c *Consumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}
