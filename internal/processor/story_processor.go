package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/audio"
	"github.com/snappy-loop/storybook/internal/export"
	"github.com/snappy-loop/storybook/internal/models"
	"github.com/snappy-loop/storybook/internal/storage"
	"github.com/snappy-loop/storybook/internal/webhook"
)

// StoryWriter generates the page sequence for a topic
type StoryWriter interface {
	GenerateStoryText(ctx context.Context, topic string, style models.IllustrationStyle) ([]models.StoryPage, error)
}

// AssetResolver fills in every page's illustration and narration
type AssetResolver interface {
	Resolve(ctx context.Context, pages []models.StoryPage, style models.IllustrationStyle) ([]models.StoryPage, error)
}

// PDFExporter renders pages to a PDF
type PDFExporter interface {
	Export(ctx context.Context, pages []models.StoryPage, w io.Writer) (export.Result, error)
}

// Uploader stores finished files
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	DownloadURL(ctx context.Context, key string) (string, error)
}

// EventPublisher reports request progress
type EventPublisher interface {
	PublishEvent(ctx context.Context, event models.StoryEvent) error
}

// Notifier delivers the outcome of a request to its webhook
type Notifier interface {
	Deliver(ctx context.Context, url, secret string, payload webhook.Payload) error
}

// StoryProcessor turns a queued story request into a PDF and narration files in object storage.
type StoryProcessor struct {
	writer   StoryWriter
	assets   AssetResolver
	exporter PDFExporter
	uploader Uploader
	events   EventPublisher
	notifier Notifier
}

// NewStoryProcessor creates a new story processor. events may be nil.
func NewStoryProcessor(writer StoryWriter, assets AssetResolver, exporter PDFExporter, uploader Uploader, events EventPublisher) *StoryProcessor {
	return &StoryProcessor{
		writer:   writer,
		assets:   assets,
		exporter: exporter,
		uploader: uploader,
		events:   events,
	}
}

// WithNotifier enables webhook callbacks for requests that carry a webhook URL
func (p *StoryProcessor) WithNotifier(n Notifier) *StoryProcessor {
	p.notifier = n
	return p
}

// HandleStoryRequest implements kafka.RequestHandler
func (p *StoryProcessor) HandleStoryRequest(ctx context.Context, req *models.StoryRequest) error {
	resp, err := p.Process(ctx, req)
	if err != nil {
		return err
	}
	p.notify(ctx, req, webhook.Payload{
		Status:      "succeeded",
		Pages:       resp.Pages,
		DownloadURL: resp.DownloadURL,
	})
	return nil
}

// HandleStoryFailure implements kafka.FailureHandler
func (p *StoryProcessor) HandleStoryFailure(ctx context.Context, req *models.StoryRequest, err error) {
	p.notify(ctx, req, webhook.Payload{
		Status: "failed",
		Error:  &webhook.ErrorInfo{Code: "PROCESSING_FAILED", Message: err.Error()},
	})
}

func (p *StoryProcessor) notify(ctx context.Context, req *models.StoryRequest, payload webhook.Payload) {
	if p.notifier == nil || req.WebhookURL == "" {
		return
	}
	payload.RequestID = req.RequestID
	payload.FinishedAt = time.Now().UTC()
	if err := p.notifier.Deliver(ctx, req.WebhookURL, req.WebhookSecret, payload); err != nil {
		log.Error().Err(err).
			Str("request_id", req.RequestID.String()).
			Str("status", payload.Status).
			Msg("Failed to deliver webhook")
	}
}

// Process runs a request end-to-end
func (p *StoryProcessor) Process(ctx context.Context, req *models.StoryRequest) (*models.ExportResponse, error) {
	logger := log.With().
		Str("request_id", req.RequestID.String()).
		Str("trace_id", req.TraceID).
		Logger()
	logger.Info().Str("style", string(req.Style)).Msg("Starting story processing")

	style := req.Style
	if !style.Valid() {
		style = models.StyleWatercolor
	}

	resp, err := p.process(ctx, req, style)
	if err != nil {
		logger.Error().Err(err).Msg("Story processing failed")
		p.publish(ctx, req, models.StoryEvent{Type: models.EventStateChanged, State: models.StateError, Detail: err.Error()})
		return nil, err
	}

	logger.Info().
		Int("pages", resp.Pages).
		Str("key", resp.Key).
		Msg("Story processing completed successfully")
	return resp, nil
}

func (p *StoryProcessor) process(ctx context.Context, req *models.StoryRequest, style models.IllustrationStyle) (*models.ExportResponse, error) {
	// Step 1: story text
	p.publish(ctx, req, models.StoryEvent{Type: models.EventStateChanged, State: models.StateGeneratingText})
	pages, err := p.writer.GenerateStoryText(ctx, req.Topic, style)
	if err != nil {
		return nil, fmt.Errorf("story generation failed: %w", err)
	}

	// Step 2: illustrations and narration, page by page
	p.publish(ctx, req, models.StoryEvent{Type: models.EventStateChanged, State: models.StateGeneratingAssets})
	pages, err = p.assets.Resolve(ctx, pages, style)
	if err != nil {
		return nil, fmt.Errorf("asset generation failed: %w", err)
	}
	p.publish(ctx, req, models.StoryEvent{Type: models.EventAssetsComplete, State: models.StateReading})

	// Step 3: narration files
	for _, page := range pages {
		if page.AudioBuffer == nil {
			continue
		}
		key := storage.NarrationKey(req.RequestID, page.PageNumber)
		if err := p.uploader.Upload(ctx, key, audio.EncodeWAV(page.AudioBuffer), "audio/wav"); err != nil {
			return nil, fmt.Errorf("narration upload for page %d failed: %w", page.PageNumber, err)
		}
	}

	// Step 4: PDF
	var buf bytes.Buffer
	res, err := p.exporter.Export(ctx, pages, &buf)
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}
	key := storage.ExportKey(req.RequestID)
	if err := p.uploader.Upload(ctx, key, buf.Bytes(), "application/pdf"); err != nil {
		return nil, fmt.Errorf("export upload failed: %w", err)
	}
	url, err := p.uploader.DownloadURL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to build download URL: %w", err)
	}

	p.publish(ctx, req, models.StoryEvent{Type: models.EventExportCompleted, State: models.StateReading, Detail: url})
	return &models.ExportResponse{
		Pages:       len(res.Pages),
		Bytes:       res.Bytes,
		DownloadURL: url,
		Key:         key,
	}, nil
}

func (p *StoryProcessor) publish(ctx context.Context, req *models.StoryRequest, event models.StoryEvent) {
	if p.events == nil {
		return
	}
	event.SessionID = req.RequestID
	event.At = time.Now()
	if err := p.events.PublishEvent(ctx, event); err != nil {
		log.Error().Err(err).
			Str("request_id", req.RequestID.String()).
			Str("event", event.Type).
			Msg("Failed to publish story event")
	}
}
