// Package session owns the single story session and its page sequence.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/models"
	"github.com/snappy-loop/storybook/internal/parser"
	"github.com/snappy-loop/storybook/internal/pipeline"
)

var (
	// ErrSessionBusy is returned when a story is started while another is still generating.
	ErrSessionBusy = errors.New("a story is already being generated")
	// ErrEmptyTopic is returned for a blank topic.
	ErrEmptyTopic = errors.New("topic is required")
	// ErrPageNotFound is returned for page numbers outside the current sequence.
	ErrPageNotFound = errors.New("page not found")
)

// StoryWriter generates the page sequence for a topic
type StoryWriter interface {
	GenerateStoryText(ctx context.Context, topic string, style models.IllustrationStyle) ([]models.StoryPage, error)
}

// AssetRunner resolves page assets and reports them on updates
type AssetRunner interface {
	Run(ctx context.Context, generation uint64, pages []models.StoryPage, style models.IllustrationStyle, updates chan<- pipeline.Update) error
}

// EventPublisher forwards lifecycle events outside the process
type EventPublisher interface {
	PublishEvent(ctx context.Context, event models.StoryEvent) error
}

// Manager is the only writer of session state. Pipeline results reach it as
// Updates on a channel and are merged under the lock; updates from an older
// generation are discarded.
type Manager struct {
	writer    StoryWriter
	assets    AssetRunner
	publisher EventPublisher
	updates   chan pipeline.Update

	// background work outlives the request that started it
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	id         uuid.UUID
	generation uint64
	state      models.AppState
	topic      string
	style      models.IllustrationStyle
	pages      []models.StoryPage
	errMsg     string
	startedAt  *time.Time
	finishedAt *time.Time

	subMu   sync.RWMutex
	subs    map[int]func(models.StoryEvent)
	nextSub int
}

// NewManager creates a manager in the input state. publisher may be nil.
func NewManager(writer StoryWriter, assets AssetRunner, publisher EventPublisher) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		writer:    writer,
		assets:    assets,
		publisher: publisher,
		updates:   make(chan pipeline.Update, 16),
		ctx:       ctx,
		cancel:    cancel,
		state:     models.StateInput,
		subs:      make(map[int]func(models.StoryEvent)),
	}
}

// Run applies pipeline updates until ctx is done or Close is called.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case u := <-m.updates:
			m.apply(u)
		}
	}
}

// Close stops background generation and the update loop.
func (m *Manager) Close() {
	m.cancel()
}

// Start begins a new story session and returns immediately with a snapshot in
// the generating_text state. Text generation and the asset pipeline run in the
// background; resetting does not abort their backend calls.
func (m *Manager) Start(topic string, style models.IllustrationStyle) (models.Session, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return models.Session{}, ErrEmptyTopic
	}
	if !style.Valid() {
		return models.Session{}, fmt.Errorf("invalid illustration style %q", style)
	}

	m.mu.Lock()
	if m.state == models.StateGeneratingText || m.state == models.StateGeneratingAssets {
		m.mu.Unlock()
		return models.Session{}, ErrSessionBusy
	}
	now := time.Now()
	m.generation++
	m.id = uuid.New()
	m.state = models.StateGeneratingText
	m.topic = topic
	m.style = style
	m.pages = nil
	m.errMsg = ""
	m.startedAt = &now
	m.finishedAt = nil
	gen := m.generation
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Info().
		Str("session_id", snap.ID.String()).
		Uint64("generation", gen).
		Str("style", string(style)).
		Msg("Story session started")
	m.emit(models.StoryEvent{Type: models.EventStateChanged, State: models.StateGeneratingText}, snap)

	go m.generate(gen, topic, style)
	return snap, nil
}

func (m *Manager) generate(gen uint64, topic string, style models.IllustrationStyle) {
	pages, err := m.writer.GenerateStoryText(m.ctx, topic, style)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		log.Info().Uint64("generation", gen).Msg("Discarding story text from a reset session")
		return
	}
	if err != nil {
		now := time.Now()
		m.state = models.StateError
		m.errMsg = userError(err)
		m.finishedAt = &now
		snap := m.snapshotLocked()
		m.mu.Unlock()

		log.Error().Err(err).Uint64("generation", gen).Msg("Story generation failed")
		m.emit(models.StoryEvent{Type: models.EventStateChanged, State: models.StateError, Detail: snap.Error}, snap)
		return
	}

	m.pages = pages
	m.state = models.StateGeneratingAssets
	work := make([]models.StoryPage, len(pages))
	copy(work, pages)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(models.StoryEvent{Type: models.EventStateChanged, State: models.StateGeneratingAssets}, snap)

	if err := m.assets.Run(m.ctx, gen, work, style, m.updates); err != nil {
		log.Warn().Err(err).Uint64("generation", gen).Msg("Asset pipeline stopped")
	}
}

func userError(err error) string {
	switch {
	case errors.Is(err, parser.ErrNoPages):
		return "No story was generated. Please try a different topic."
	default:
		return "Failed to generate the story: " + err.Error()
	}
}

// apply merges one pipeline update. Stale generations and unknown indices are dropped.
func (m *Manager) apply(u pipeline.Update) {
	m.mu.Lock()
	if u.Generation != m.generation || m.state != models.StateGeneratingAssets {
		m.mu.Unlock()
		log.Debug().
			Uint64("update_generation", u.Generation).
			Int("index", u.Index).
			Msg("Discarding stale asset update")
		return
	}

	if u.Done {
		now := time.Now()
		m.state = models.StateReading
		m.finishedAt = &now
		snap := m.snapshotLocked()
		m.mu.Unlock()

		log.Info().Str("session_id", snap.ID.String()).Int("pages", len(snap.Pages)).Msg("Storybook ready")
		m.emit(models.StoryEvent{Type: models.EventAssetsComplete, State: models.StateReading}, snap)
		return
	}

	if !pipeline.Apply(m.pages, u) {
		m.mu.Unlock()
		log.Warn().Int("index", u.Index).Msg("Discarding asset update for unknown page")
		return
	}
	pageNumber := m.pages[u.Index].PageNumber
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(models.StoryEvent{Type: models.EventPageUpdated, State: snap.State, Page: &pageNumber}, snap)
}

// Reset discards the current session and returns to the input state.
func (m *Manager) Reset() models.Session {
	m.mu.Lock()
	m.generation++
	m.id = uuid.Nil
	m.state = models.StateInput
	m.topic = ""
	m.style = ""
	m.pages = nil
	m.errMsg = ""
	m.startedAt = nil
	m.finishedAt = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Info().Uint64("generation", snap.Generation).Msg("Story session reset")
	m.emit(models.StoryEvent{Type: models.EventStateChanged, State: models.StateInput}, snap)
	return snap
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() models.Session {
	pages := make([]models.StoryPage, len(m.pages))
	copy(pages, m.pages)
	return models.Session{
		ID:         m.id,
		Generation: m.generation,
		State:      m.state,
		Topic:      m.topic,
		Style:      m.style,
		Pages:      pages,
		Error:      m.errMsg,
		StartedAt:  m.startedAt,
		FinishedAt: m.finishedAt,
	}
}

// Page returns page n (1-based) of the current session.
func (m *Manager) Page(n int) (models.StoryPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n < 1 || n > len(m.pages) {
		return models.StoryPage{}, ErrPageNotFound
	}
	return m.pages[n-1], nil
}

// PageCount returns the number of pages in the current session.
func (m *Manager) PageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// Subscribe registers fn for every session event. fn runs on the goroutine
// that changed the state and must not block. The returned func unsubscribes.
func (m *Manager) Subscribe(fn func(models.StoryEvent)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Publish sends an event that did not originate from a state change (export, playback).
func (m *Manager) Publish(event models.StoryEvent) {
	m.emit(event, m.Snapshot())
}

func (m *Manager) emit(event models.StoryEvent, snap models.Session) {
	event.SessionID = snap.ID
	event.Generation = snap.Generation
	if event.At.IsZero() {
		event.At = time.Now()
	}

	m.subMu.RLock()
	for _, fn := range m.subs {
		fn(event)
	}
	m.subMu.RUnlock()

	if m.publisher != nil {
		if err := m.publisher.PublishEvent(m.ctx, event); err != nil {
			log.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to publish session event")
		}
	}
}
