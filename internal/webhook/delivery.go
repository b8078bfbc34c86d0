package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Payload is the body posted to a batch request's webhook
type Payload struct {
	RequestID   uuid.UUID  `json:"request_id"`
	Status      string     `json:"status"` // succeeded, failed
	FinishedAt  time.Time  `json:"finished_at"`
	Pages       int        `json:"pages,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents error information in the webhook
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeliveryError wraps webhook delivery errors with HTTP status code
type DeliveryError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsRetryable determines if an error should be retried
func (e *DeliveryError) IsRetryable() bool {
	// Retry on 5xx server errors
	if e.StatusCode >= 500 && e.StatusCode < 600 {
		return true
	}
	// Retry on 429 Too Many Requests
	if e.StatusCode == 429 {
		return true
	}
	// Don't retry on 4xx client errors (except 429)
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	return true
}

// Options configures delivery retries
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DeliveryService posts webhook payloads with retries
type DeliveryService struct {
	httpClient *http.Client
	opts       Options
}

// NewDeliveryService creates a new webhook delivery service
func NewDeliveryService(opts Options) *DeliveryService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &DeliveryService{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		opts: opts,
	}
}

// Deliver posts payload to url, retrying transient failures with exponential
// backoff. Permanent failures (4xx other than 429) stop immediately.
func (s *DeliveryService) Deliver(ctx context.Context, url, secret string, payload Payload) error {
	var err error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			// baseDelay * 2^(attempt-2): the first attempt is immediate
			delay := s.opts.BaseDelay * time.Duration(1<<uint(attempt-2))
			if s.opts.MaxDelay > 0 && delay > s.opts.MaxDelay {
				delay = s.opts.MaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = s.sendWebhook(ctx, url, payload, secret)
		if err == nil {
			log.Info().
				Str("request_id", payload.RequestID.String()).
				Str("url", url).
				Int("attempts", attempt).
				Msg("Webhook delivered successfully")
			return nil
		}

		var deliveryErr *DeliveryError
		if errors.As(err, &deliveryErr) && !deliveryErr.IsRetryable() {
			log.Error().
				Err(err).
				Str("request_id", payload.RequestID.String()).
				Str("url", url).
				Int("status_code", deliveryErr.StatusCode).
				Msg("Webhook delivery failed with permanent error - not retrying")
			return err
		}

		log.Warn().
			Err(err).
			Str("request_id", payload.RequestID.String()).
			Str("url", url).
			Int("attempt", attempt).
			Int("max_attempts", s.opts.MaxAttempts).
			Msg("Webhook delivery failed")
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", s.opts.MaxAttempts, err)
}

// sendWebhook sends the webhook HTTP request
func (s *DeliveryService) sendWebhook(ctx context.Context, url string, payload Payload, secret string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Storybook-Webhook/1.0")
	req.Header.Set("X-Storybook-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if secret != "" {
		req.Header.Set("X-Storybook-Signature", generateSignature(body, secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Network error - retryable
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("webhook returned status %d", resp.StatusCode),
			Body:       string(respBody),
		}
	}

	return nil
}

// generateSignature generates HMAC-SHA256 signature for the payload
func generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
