package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/audio"
	"github.com/snappy-loop/storybook/internal/auth"
	"github.com/snappy-loop/storybook/internal/export"
	"github.com/snappy-loop/storybook/internal/models"
	"github.com/snappy-loop/storybook/internal/playback"
	"github.com/snappy-loop/storybook/internal/session"
	"github.com/snappy-loop/storybook/internal/storage"
)

// StorySession is the single story session served by the API
type StorySession interface {
	Start(topic string, style models.IllustrationStyle) (models.Session, error)
	Reset() models.Session
	Snapshot() models.Session
	Page(n int) (models.StoryPage, error)
	Publish(event models.StoryEvent)
	Subscribe(fn func(models.StoryEvent)) func()
}

// PageViewer is the slide/scroll viewer and its narration transport
type PageViewer interface {
	SetMode(mode playback.Mode)
	Next() (playback.ViewerState, error)
	Prev() (playback.ViewerState, error)
	GoTo(n int) (playback.ViewerState, error)
	ToggleNarration(generation uint64, page models.StoryPage) (bool, error)
	StopNarration()
	Reset()
	State() playback.ViewerState
}

// PDFExporter renders pages to a PDF
type PDFExporter interface {
	Export(ctx context.Context, pages []models.StoryPage, w io.Writer) (export.Result, error)
}

// ObjectStore keeps exported files
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	DownloadURL(ctx context.Context, key string) (string, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

// RequestPublisher queues story requests for the batch worker
type RequestPublisher interface {
	PublishRequest(ctx context.Context, req models.StoryRequest) error
}

// QuotaLimiter limits story generations per API key
type QuotaLimiter interface {
	CheckAndConsume(key, n int) error
	Refund(key, n int)
}

// Options holds the handler dependencies. Storage, Requests and Quota are optional.
type Options struct {
	Stories  StorySession
	Viewer   PageViewer
	Exporter PDFExporter
	Storage  ObjectStore
	Requests RequestPublisher
	Quota    QuotaLimiter
	Hub      *Hub
}

// Handler contains all HTTP handlers
type Handler struct {
	stories   StorySession
	viewer    PageViewer
	exporter  PDFExporter
	storage   ObjectStore
	requests  RequestPublisher
	quota     QuotaLimiter
	hub       *Hub
	exporting atomic.Bool
	unsub     func()
}

// NewHandler creates a new handler and subscribes its hub to session events.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		stories:  opts.Stories,
		viewer:   opts.Viewer,
		exporter: opts.Exporter,
		storage:  opts.Storage,
		requests: opts.Requests,
		quota:    opts.Quota,
		hub:      opts.Hub,
	}
	if h.hub == nil {
		h.hub = NewHub()
	}
	h.unsub = h.stories.Subscribe(h.onEvent)
	return h
}

// Close unsubscribes from session events and disconnects websocket clients.
func (h *Handler) Close() {
	h.unsub()
	h.hub.Close()
}

func (h *Handler) onEvent(e models.StoryEvent) {
	msg := wsOutMessage{Type: "event", Event: &e}
	switch e.Type {
	case models.EventPageUpdated:
		if e.Page != nil {
			if p, err := h.stories.Page(*e.Page); err == nil {
				msg.Page = &p
			}
		}
	case models.EventStateChanged, models.EventAssetsComplete:
		snap := h.stories.Snapshot()
		msg.Session = &snap
	case models.EventPlayback:
		v := h.viewer.State()
		msg.Viewer = &v
	}
	h.hub.Broadcast(msg)
}

// PlaybackChanged reports transport changes as session events.
func (h *Handler) PlaybackChanged(s playback.State) {
	e := models.StoryEvent{Type: models.EventPlayback, Action: "stop"}
	if s.Playing {
		e.Action = "play"
		page := s.Page
		e.Page = &page
	}
	h.stories.Publish(e)
}

// CreateStory handles POST /v1/stories
func (h *Handler) CreateStory(w http.ResponseWriter, r *http.Request) {
	var req models.CreateStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	style, err := models.ParseIllustrationStyle(req.Style)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, ok := h.consumeQuota(w, r)
	if !ok {
		return
	}

	snap, err := h.stories.Start(req.Topic, style)
	if err != nil {
		h.refundQuota(key)
	}
	switch {
	case errors.Is(err, session.ErrEmptyTopic):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, session.ErrSessionBusy):
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to start story")
		writeJSONError(w, http.StatusInternalServerError, "failed to start story")
		return
	}

	h.viewer.Reset()
	writeJSON(w, http.StatusAccepted, snap)
}

// consumeQuota takes one generation from the caller's allowance, writing 429
// when none is left.
func (h *Handler) consumeQuota(w http.ResponseWriter, r *http.Request) (int, bool) {
	key, ok := r.Context().Value(auth.KeyIndexKey).(int)
	if !ok {
		key = -1
	}
	if h.quota == nil {
		return key, true
	}
	if err := h.quota.CheckAndConsume(key, 1); err != nil {
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
		return key, false
	}
	return key, true
}

func (h *Handler) refundQuota(key int) {
	if h.quota != nil {
		h.quota.Refund(key, 1)
	}
}

// GetStory handles GET /v1/stories/current
func (h *Handler) GetStory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stories.Snapshot())
}

// ResetStory handles DELETE /v1/stories/current
func (h *Handler) ResetStory(w http.ResponseWriter, r *http.Request) {
	h.viewer.Reset()
	writeJSON(w, http.StatusOK, h.stories.Reset())
}

// BatchStory handles POST /v1/stories/batch
func (h *Handler) BatchStory(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "batch generation not configured")
		return
	}

	var req models.BatchStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		writeJSONError(w, http.StatusBadRequest, session.ErrEmptyTopic.Error())
		return
	}
	style, err := models.ParseIllustrationStyle(req.Style)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WebhookURL != "" {
		if u, err := url.Parse(req.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			writeJSONError(w, http.StatusBadRequest, "webhook_url must be an absolute http(s) URL")
			return
		}
	}

	msg := models.StoryRequest{
		RequestID:     uuid.New(),
		Topic:         topic,
		Style:         style,
		TraceID:       r.Header.Get("X-Request-ID"),
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
	}
	key, ok := h.consumeQuota(w, r)
	if !ok {
		return
	}
	if err := h.requests.PublishRequest(r.Context(), msg); err != nil {
		h.refundQuota(key)
		log.Error().Err(err).Msg("Failed to queue story request")
		writeJSONError(w, http.StatusBadGateway, "failed to queue story request")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": msg.RequestID.String(),
		"status":     "queued",
	})
}

// PageAudio handles GET /v1/pages/{n}/audio
func (h *Handler) PageAudio(w http.ResponseWriter, r *http.Request) {
	page, ok := h.pageFromPath(w, r)
	if !ok {
		return
	}
	if page.AudioBuffer == nil {
		writeJSONError(w, http.StatusNotFound, "narration not available")
		return
	}

	data := audio.EncodeWAV(page.AudioBuffer)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// PageImage handles GET /v1/pages/{n}/image. Data URIs are served inline,
// remote placeholders are redirected to.
func (h *Handler) PageImage(w http.ResponseWriter, r *http.Request) {
	page, ok := h.pageFromPath(w, r)
	if !ok {
		return
	}
	if !page.HasImage() {
		writeJSONError(w, http.StatusNotFound, "image not available")
		return
	}

	if !strings.HasPrefix(page.ImageURL, "data:") {
		http.Redirect(w, r, page.ImageURL, http.StatusFound)
		return
	}
	mimeType, data, err := splitDataURI(page.ImageURL)
	if err != nil {
		log.Error().Err(err).Int("page", page.PageNumber).Msg("Invalid image data URI")
		writeJSONError(w, http.StatusInternalServerError, "invalid image data")
		return
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func splitDataURI(uri string) (string, []byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "", nil, fmt.Errorf("unsupported data URI")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	mimeType := strings.TrimSuffix(header, ";base64")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, data, nil
}

func (h *Handler) pageFromPath(w http.ResponseWriter, r *http.Request) (models.StoryPage, bool) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid page number")
		return models.StoryPage{}, false
	}
	page, err := h.stories.Page(n)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return models.StoryPage{}, false
	}
	return page, true
}

// GetViewer handles GET /v1/viewer
func (h *Handler) GetViewer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.viewer.State())
}

// SetViewerMode handles POST /v1/viewer/mode
func (h *Handler) SetViewerMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.command(wsInMessage{Type: "mode", Mode: req.Mode}); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.viewer.State())
}

// Navigate handles POST /v1/viewer/navigate with {"action":"next|prev"} or {"index":n}
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
		Index  int    `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.command(wsInMessage{Type: "navigate", Action: req.Action, Index: req.Index}); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.viewer.State())
}

// ToggleNarration handles POST /v1/pages/{n}/narration/toggle
func (h *Handler) ToggleNarration(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	if err := h.command(wsInMessage{Type: "toggle", Page: n}); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.viewer.State())
}

// StopPlayback handles POST /v1/playback/stop
func (h *Handler) StopPlayback(w http.ResponseWriter, r *http.Request) {
	h.viewer.StopNarration()
	writeJSON(w, http.StatusOK, h.viewer.State())
}

// command applies one viewer command from HTTP or the websocket.
func (h *Handler) command(in wsInMessage) error {
	switch in.Type {
	case "mode":
		mode, err := playback.ParseMode(in.Mode)
		if err != nil {
			return err
		}
		h.viewer.SetMode(mode)
		return nil
	case "navigate":
		var err error
		switch in.Action {
		case "next":
			_, err = h.viewer.Next()
		case "prev":
			_, err = h.viewer.Prev()
		case "", "goto":
			if in.Index < 1 {
				return errBadCommand("index must be at least 1")
			}
			_, err = h.viewer.GoTo(in.Index)
		default:
			return errBadCommand("action must be next, prev or goto")
		}
		return err
	case "toggle":
		snap := h.stories.Snapshot()
		page, err := h.stories.Page(in.Page)
		if err != nil {
			return err
		}
		_, err = h.viewer.ToggleNarration(snap.Generation, page)
		return err
	case "stop":
		h.viewer.StopNarration()
		return nil
	}
	return errBadCommand(fmt.Sprintf("unknown command %q", in.Type))
}

type errBadCommand string

func (e errBadCommand) Error() string { return string(e) }

func writeCommandError(w http.ResponseWriter, err error) {
	var bad errBadCommand
	switch {
	case errors.As(err, &bad), errors.Is(err, playback.ErrInvalidMode):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrPageNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, playback.ErrNoNavigation), errors.Is(err, playback.ErrNoNarration):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Viewer command failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// Export handles POST /v1/export. The PDF is returned as a download, or
// uploaded to object storage with ?target=s3.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	toS3 := r.URL.Query().Get("target") == "s3"
	if toS3 && h.storage == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "object storage not configured")
		return
	}
	if !h.exporting.CompareAndSwap(false, true) {
		writeJSONError(w, http.StatusConflict, "an export is already in progress")
		return
	}
	defer h.exporting.Store(false)

	snap := h.stories.Snapshot()
	if !snap.State.Readable() {
		writeJSONError(w, http.StatusConflict, "no story to export")
		return
	}

	var buf bytes.Buffer
	res, err := h.exporter.Export(r.Context(), snap.Pages, &buf)
	if errors.Is(err, export.ErrNothingToExport) {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", snap.ID.String()).Msg("Export failed")
		writeJSONError(w, http.StatusInternalServerError, "export failed")
		return
	}

	resp := models.ExportResponse{Pages: len(res.Pages), Bytes: res.Bytes}
	if toS3 {
		key := storage.ExportKey(snap.ID)
		if err := h.storage.Upload(r.Context(), key, buf.Bytes(), "application/pdf"); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to upload export")
			writeJSONError(w, http.StatusBadGateway, "failed to upload export")
			return
		}
		link, err := h.storage.DownloadURL(r.Context(), key)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to build download URL")
			writeJSONError(w, http.StatusBadGateway, "failed to build download URL")
			return
		}
		resp.Key = key
		resp.DownloadURL = link
	}

	log.Info().
		Str("session_id", snap.ID.String()).
		Ints("pages", res.Pages).
		Int("bytes", res.Bytes).
		Bool("uploaded", toS3).
		Msg("Storybook exported")
	h.stories.Publish(models.StoryEvent{
		Type:   models.EventExportCompleted,
		Detail: fmt.Sprintf("%d pages", len(res.Pages)),
	})

	if toS3 {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="storybook.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

// GetExport handles GET /v1/exports/{id}
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "object storage not configured")
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid export id")
		return
	}

	body, err := h.storage.GetObject(r.Context(), storage.ExportKey(id))
	if err != nil {
		log.Debug().Err(err).Str("export_id", id.String()).Msg("Export not found")
		writeJSONError(w, http.StatusNotFound, "export not found")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="storybook.pdf"`)
	if _, err := io.Copy(w, body); err != nil {
		log.Warn().Err(err).Str("export_id", id.String()).Msg("Failed to stream export")
	}
}

// Styles handles GET /styles
func (h *Handler) Styles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"styles": styleOptions()})
}

type styleOption struct {
	ID   models.IllustrationStyle `json:"id"`
	Name string                   `json:"name"`
}

func styleOptions() []styleOption {
	out := make([]styleOption, 0, len(models.IllustrationStyles))
	for _, s := range models.IllustrationStyles {
		out = append(out, styleOption{ID: s, Name: s.DisplayName()})
	}
	return out
}

// Index handles GET /
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := executeTemplate(w, "index", map[string]interface{}{"Styles": styleOptions()}); err != nil {
		log.Error().Err(err).Msg("Failed to render index")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
