package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/storybook/internal/audio"
	"github.com/snappy-loop/storybook/internal/models"
	"github.com/snappy-loop/storybook/internal/parser"
	"github.com/snappy-loop/storybook/internal/pipeline"
)

type fakeWriter struct {
	pages []models.StoryPage
	err   error
	gate  chan struct{} // when set, generation waits for it
}

func (f *fakeWriter) GenerateStoryText(ctx context.Context, _ string, _ models.IllustrationStyle) ([]models.StoryPage, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.StoryPage, len(f.pages))
	copy(out, f.pages)
	return out, nil
}

type fakeAssets struct{}

func (fakeAssets) GenerateIllustration(context.Context, string, models.IllustrationStyle) models.ImageAsset {
	return models.ImageAsset{Status: models.AssetReady, URL: "data:image/png;base64,AA=="}
}

func (fakeAssets) GenerateNarration(_ context.Context, text string) models.NarrationAsset {
	if text == "silent" {
		return models.NarrationAsset{Status: models.AssetUnavailable, Reason: "tts failed"}
	}
	return models.NarrationAsset{Status: models.AssetReady, Buffer: audio.NewBuffer(1, 2400, 24000)}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.StoryEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e models.StoryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func storyPages() []models.StoryPage {
	return []models.StoryPage{
		models.NewStoryPage(1, "a cat", "Once upon a time.", "Meow."),
		models.NewStoryPage(2, "a dog", "The end.", "silent"),
	}
}

func newTestManager(t *testing.T, writer StoryWriter, pub EventPublisher) (*Manager, <-chan models.StoryEvent) {
	t.Helper()
	m := NewManager(writer, pipeline.New(fakeAssets{}, 0), pub)
	events := make(chan models.StoryEvent, 64)
	m.Subscribe(func(e models.StoryEvent) { events <- e })

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		m.Close()
	})
	return m, events
}

func waitFor(t *testing.T, events <-chan models.StoryEvent, eventType string, state models.AppState) models.StoryEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventType && (state == "" || e.State == state) {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s/%s", eventType, state)
			return models.StoryEvent{}
		}
	}
}

func TestStart_CompletesToReading(t *testing.T) {
	pub := &recordingPublisher{}
	m, events := newTestManager(t, &fakeWriter{pages: storyPages()}, pub)

	snap, err := m.Start("  kucing  ", models.StyleWatercolor)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.State != models.StateGeneratingText || snap.Topic != "kucing" || snap.ID == uuid.Nil {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	waitFor(t, events, models.EventStateChanged, models.StateGeneratingAssets)
	done := waitFor(t, events, models.EventAssetsComplete, models.StateReading)
	if done.SessionID != snap.ID {
		t.Errorf("event session = %s, want %s", done.SessionID, snap.ID)
	}

	final := m.Snapshot()
	if final.State != models.StateReading {
		t.Errorf("state = %s, want reading", final.State)
	}
	if len(final.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(final.Pages))
	}
	for _, p := range final.Pages {
		if p.IsLoadingAssets || p.ImageStatus != models.AssetReady {
			t.Errorf("page %d: loading %v, image %s", p.PageNumber, p.IsLoadingAssets, p.ImageStatus)
		}
	}
	if final.Pages[0].AudioBuffer == nil {
		t.Error("page 1 has no narration")
	}
	if final.Pages[1].AudioBuffer != nil || final.Pages[1].NarrationStatus != models.AssetUnavailable {
		t.Errorf("page 2 narration = %s", final.Pages[1].NarrationStatus)
	}
	if final.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	var pageEvents int
	for _, e := range pub.events {
		if e.Type == models.EventPageUpdated {
			pageEvents++
		}
	}
	if pageEvents != 2 {
		t.Errorf("published %d page events, want 2", pageEvents)
	}
}

func TestStart_TextFailureIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no pages", parser.ErrNoPages, "No story was generated"},
		{"backend", errors.New("quota exceeded"), "quota exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, events := newTestManager(t, &fakeWriter{err: tt.err}, nil)

			if _, err := m.Start("topic", models.StyleCartoon); err != nil {
				t.Fatal(err)
			}
			e := waitFor(t, events, models.EventStateChanged, models.StateError)
			if !strings.Contains(e.Detail, tt.want) {
				t.Errorf("detail = %q, want %q", e.Detail, tt.want)
			}

			snap := m.Snapshot()
			if snap.State != models.StateError || len(snap.Pages) != 0 {
				t.Errorf("state = %s with %d pages", snap.State, len(snap.Pages))
			}

			// try again from the error screen
			if st := m.Reset().State; st != models.StateInput {
				t.Errorf("reset state = %s", st)
			}
		})
	}
}

func TestStart_Validation(t *testing.T) {
	gate := make(chan struct{})
	m, _ := newTestManager(t, &fakeWriter{pages: storyPages(), gate: gate}, nil)
	defer close(gate)

	if _, err := m.Start("   ", models.StyleWatercolor); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("blank topic: err = %v", err)
	}
	if _, err := m.Start("topic", models.IllustrationStyle("oil")); err == nil {
		t.Error("unknown style: expected error")
	}
	if _, err := m.Start("topic", models.StyleWatercolor); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start("another", models.StyleWatercolor); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("second start: err = %v, want ErrSessionBusy", err)
	}
}

func TestReset_DiscardsInFlightText(t *testing.T) {
	gate := make(chan struct{})
	m, events := newTestManager(t, &fakeWriter{pages: storyPages(), gate: gate}, nil)

	first, err := m.Start("topic", models.StyleWatercolor)
	if err != nil {
		t.Fatal(err)
	}

	reset := m.Reset()
	if reset.State != models.StateInput || reset.Generation <= first.Generation {
		t.Errorf("reset = %+v after generation %d", reset, first.Generation)
	}

	close(gate)
	waitFor(t, events, models.EventStateChanged, models.StateInput)

	// the stale text result must not resurrect the old session
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if snap := m.Snapshot(); snap.State != models.StateInput || len(snap.Pages) != 0 {
			t.Fatalf("stale result applied: state %s, %d pages", snap.State, len(snap.Pages))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApply_RejectsStaleAndUnknownUpdates(t *testing.T) {
	m := NewManager(&fakeWriter{}, pipeline.New(fakeAssets{}, 0), nil)
	defer m.Close()

	m.mu.Lock()
	m.generation = 3
	m.state = models.StateGeneratingAssets
	m.pages = storyPages()
	m.mu.Unlock()

	ready := models.ImageAsset{Status: models.AssetReady, URL: "x"}
	m.apply(pipeline.Update{Generation: 2, Index: 0, Image: ready})
	m.apply(pipeline.Update{Generation: 3, Index: 9, Image: ready})

	snap := m.Snapshot()
	if !snap.Pages[0].IsLoadingAssets || snap.Pages[0].ImageURL != "" {
		t.Errorf("stale update applied: %+v", snap.Pages[0])
	}

	m.apply(pipeline.Update{Generation: 3, Index: 1, Image: ready})
	snap = m.Snapshot()
	if snap.Pages[1].IsLoadingAssets || snap.Pages[1].ImageURL != "x" {
		t.Errorf("current update not applied: %+v", snap.Pages[1])
	}
	if snap.Pages[1].PageNumber != 2 {
		t.Errorf("page number = %d, want 2", snap.Pages[1].PageNumber)
	}
}

func TestPage(t *testing.T) {
	m := NewManager(&fakeWriter{}, pipeline.New(fakeAssets{}, 0), nil)
	defer m.Close()
	m.pages = storyPages()

	p, err := m.Page(2)
	if err != nil {
		t.Fatal(err)
	}
	if p.IllustrationDescription != "a dog" {
		t.Errorf("description = %q", p.IllustrationDescription)
	}

	for _, n := range []int{0, 3} {
		if _, err := m.Page(n); !errors.Is(err, ErrPageNotFound) {
			t.Errorf("Page(%d): err = %v", n, err)
		}
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	m := NewManager(&fakeWriter{}, pipeline.New(fakeAssets{}, 0), nil)
	defer m.Close()

	var count int
	unsubscribe := m.Subscribe(func(models.StoryEvent) { count++ })
	m.Reset()
	unsubscribe()
	m.Reset()

	if count != 1 {
		t.Errorf("events after unsubscribe: %d, want 1", count)
	}
}
