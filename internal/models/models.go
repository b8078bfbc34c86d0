package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/storybook/internal/audio"
)

// IllustrationStyle is one of the fixed illustration presets
type IllustrationStyle string

const (
	StyleWatercolor   IllustrationStyle = "watercolor"
	StyleCartoon      IllustrationStyle = "cartoon"
	Style3DRender     IllustrationStyle = "3d_render"
	StylePencilSketch IllustrationStyle = "pencil_sketch"
)

// IllustrationStyles lists every preset in display order
var IllustrationStyles = []IllustrationStyle{StyleWatercolor, StyleCartoon, Style3DRender, StylePencilSketch}

var styleNames = map[IllustrationStyle]string{
	StyleWatercolor:   "Watercolor painting",
	StyleCartoon:      "Colorful cartoon",
	Style3DRender:     "3D animated movie render",
	StylePencilSketch: "Colored pencil sketch",
}

// DisplayName returns the human-readable name used as the image prompt prefix.
func (s IllustrationStyle) DisplayName() string {
	return styleNames[s]
}

// Valid reports whether s is one of the presets.
func (s IllustrationStyle) Valid() bool {
	_, ok := styleNames[s]
	return ok
}

// ParseIllustrationStyle parses a preset name; empty selects the default (watercolor).
func ParseIllustrationStyle(v string) (IllustrationStyle, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return StyleWatercolor, nil
	}
	s := IllustrationStyle(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid illustration style %q (must be one of watercolor, cartoon, 3d_render, pencil_sketch)", v)
	}
	return s, nil
}

// AppState is the lifecycle of one story session
type AppState string

const (
	StateInput            AppState = "input"
	StateGeneratingText   AppState = "generating_text"
	StateGeneratingAssets AppState = "generating_assets"
	StateReading          AppState = "reading"
	StateError            AppState = "error"
)

// Readable reports whether pages can be shown in this state.
func (s AppState) Readable() bool {
	return s == StateGeneratingAssets || s == StateReading
}

// AssetStatus is the resolution state of a single page asset
type AssetStatus string

const (
	AssetPending     AssetStatus = "pending"
	AssetReady       AssetStatus = "ready"
	AssetUnavailable AssetStatus = "unavailable"
)

// ImageAsset is the outcome of one illustration request.
// Unavailable images still carry a placeholder URL so the page can render.
type ImageAsset struct {
	Status AssetStatus `json:"status"`
	URL    string      `json:"url,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// NarrationAsset is the outcome of one narration request
type NarrationAsset struct {
	Status AssetStatus   `json:"status"`
	Buffer *audio.Buffer `json:"-"`
	Reason string        `json:"reason,omitempty"`
}

// StoryPage is one unit of the storybook
type StoryPage struct {
	PageNumber              int           `json:"page_number"`
	IllustrationDescription string        `json:"illustration_description"`
	StoryText               string        `json:"story_text"`
	VoiceText               string        `json:"voice_text"`
	ImageURL                string        `json:"image_url,omitempty"`
	AudioBuffer             *audio.Buffer `json:"-"`
	IsLoadingAssets         bool          `json:"is_loading_assets"`
	ImageStatus             AssetStatus   `json:"image_status"`
	ImageReason             string        `json:"image_reason,omitempty"`
	NarrationStatus         AssetStatus   `json:"narration_status"`
	NarrationReason         string        `json:"narration_reason,omitempty"`
	NarrationSeconds        float64       `json:"narration_seconds,omitempty"`
}

// NewStoryPage returns a page waiting for its assets.
func NewStoryPage(number int, description, storyText, voiceText string) StoryPage {
	return StoryPage{
		PageNumber:              number,
		IllustrationDescription: description,
		StoryText:               storyText,
		VoiceText:               voiceText,
		IsLoadingAssets:         true,
		ImageStatus:             AssetPending,
		NarrationStatus:         AssetPending,
	}
}

// ApplyImage merges an illustration result into the page.
func (p *StoryPage) ApplyImage(img ImageAsset) {
	p.ImageStatus = img.Status
	p.ImageReason = img.Reason
	p.ImageURL = img.URL
}

// ApplyNarration merges a narration result into the page.
func (p *StoryPage) ApplyNarration(n NarrationAsset) {
	p.NarrationStatus = n.Status
	p.NarrationReason = n.Reason
	if n.Status == AssetReady && n.Buffer != nil {
		p.AudioBuffer = n.Buffer
		p.NarrationSeconds = n.Buffer.Duration().Seconds()
		return
	}
	p.AudioBuffer = nil
	p.NarrationSeconds = 0
}

// HasImage reports whether an image reference (generated or placeholder) is resolved.
func (p *StoryPage) HasImage() bool {
	return p.ImageURL != ""
}

// Session is a read-only snapshot of the current story session
type Session struct {
	ID         uuid.UUID         `json:"id"`
	Generation uint64            `json:"generation"`
	State      AppState          `json:"state"`
	Topic      string            `json:"topic,omitempty"`
	Style      IllustrationStyle `json:"style,omitempty"`
	Pages      []StoryPage       `json:"pages"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// CreateStoryRequest represents a request to start a story session
type CreateStoryRequest struct {
	Topic string `json:"topic"`
	Style string `json:"style"`
}

// BatchStoryRequest queues a story for the worker. The webhook fields are optional.
type BatchStoryRequest struct {
	Topic         string `json:"topic"`
	Style         string `json:"style"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// StoryRequest is the message consumed by the batch worker
type StoryRequest struct {
	RequestID     uuid.UUID         `json:"request_id"`
	Topic         string            `json:"topic"`
	Style         IllustrationStyle `json:"style"`
	TraceID       string            `json:"trace_id,omitempty"`
	WebhookURL    string            `json:"webhook_url,omitempty"`
	WebhookSecret string            `json:"webhook_secret,omitempty"`
}

// StoryEvent is a session lifecycle event published to subscribers and Kafka
type StoryEvent struct {
	Type       string    `json:"type"` // state_changed, page_updated, assets_complete, export_completed, playback
	SessionID  uuid.UUID `json:"session_id"`
	Generation uint64    `json:"generation"`
	State      AppState  `json:"state,omitempty"`
	Page       *int      `json:"page,omitempty"`
	Action     string    `json:"action,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Event types
const (
	EventStateChanged    = "state_changed"
	EventPageUpdated     = "page_updated"
	EventAssetsComplete  = "assets_complete"
	EventExportCompleted = "export_completed"
	EventPlayback        = "playback"
)

// ExportResponse is returned when an export is uploaded to object storage
type ExportResponse struct {
	Pages       int    `json:"pages"`
	Bytes       int    `json:"bytes"`
	DownloadURL string `json:"download_url,omitempty"`
	Key         string `json:"key,omitempty"`
}
