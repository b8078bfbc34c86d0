package playback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/snappy-loop/storybook/internal/models"
)

var (
	// ErrNoNavigation is returned when navigating in scroll mode.
	ErrNoNavigation = errors.New("navigation is only available in slide mode")
	// ErrNoNarration is returned when toggling a page without a narration buffer.
	ErrNoNarration = errors.New("page has no narration")
	// ErrInvalidMode is returned for unknown viewer modes.
	ErrInvalidMode = errors.New("invalid viewer mode")
)

// Mode is the viewer layout
type Mode string

const (
	ModeSlide  Mode = "slide"
	ModeScroll Mode = "scroll"
)

// ParseMode parses a viewer mode name.
func ParseMode(v string) (Mode, error) {
	switch Mode(v) {
	case ModeSlide, ModeScroll:
		return Mode(v), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, v)
}

// PageSource reports how many pages the current session has
type PageSource interface {
	PageCount() int
}

// ViewerState is the presentation state of the viewer
type ViewerState struct {
	Mode     Mode  `json:"mode"`
	Page     int   `json:"page"` // current slide, 1-based; 0 when there are no pages
	Pages    int   `json:"pages"`
	Playback State `json:"playback"`
}

// Viewer tracks the layout and current slide and shares one Transport
// across every page's narration control.
type Viewer struct {
	transport *Transport
	pages     PageSource

	mu    sync.Mutex
	mode  Mode
	index int
}

// NewViewer creates a viewer in slide mode on the first page
func NewViewer(transport *Transport, pages PageSource) *Viewer {
	return &Viewer{transport: transport, pages: pages, mode: ModeSlide}
}

// SetMode switches the layout. The current slide and playback are kept.
func (v *Viewer) SetMode(mode Mode) {
	v.mu.Lock()
	v.mode = mode
	v.mu.Unlock()
}

// Next moves to the following slide.
func (v *Viewer) Next() (ViewerState, error) {
	return v.move(func(i int) int { return i + 1 })
}

// Prev moves to the previous slide.
func (v *Viewer) Prev() (ViewerState, error) {
	return v.move(func(i int) int { return i - 1 })
}

// GoTo moves to slide n (1-based).
func (v *Viewer) GoTo(n int) (ViewerState, error) {
	return v.move(func(int) int { return n - 1 })
}

// move clamps the target to the page range and stops playback when the slide changes.
func (v *Viewer) move(target func(int) int) (ViewerState, error) {
	v.mu.Lock()
	if v.mode != ModeSlide {
		v.mu.Unlock()
		return v.State(), ErrNoNavigation
	}
	count := v.pages.PageCount()
	next := target(v.index)
	if next >= count {
		next = count - 1
	}
	if next < 0 {
		next = 0
	}
	changed := next != v.index
	v.index = next
	v.mu.Unlock()

	if changed {
		v.transport.Stop()
	}
	return v.State(), nil
}

// ToggleNarration starts or stops the narration of page. Starting any page
// stops the one playing.
func (v *Viewer) ToggleNarration(generation uint64, page models.StoryPage) (bool, error) {
	if page.AudioBuffer == nil {
		return false, ErrNoNarration
	}
	return v.transport.Toggle(Track{
		Key:    fmt.Sprintf("%d/%d", generation, page.PageNumber),
		Page:   page.PageNumber,
		Buffer: page.AudioBuffer,
	})
}

// StopNarration stops whatever page is playing.
func (v *Viewer) StopNarration() {
	v.transport.Stop()
}

// Reset stops playback and returns to the first slide. Called when the session is reset.
func (v *Viewer) Reset() {
	v.mu.Lock()
	v.index = 0
	v.mu.Unlock()
	v.transport.Stop()
}

// State returns the current viewer state.
func (v *Viewer) State() ViewerState {
	v.mu.Lock()
	mode, index := v.mode, v.index
	v.mu.Unlock()

	count := v.pages.PageCount()
	page := 0
	if count > 0 {
		page = min(index, count-1) + 1
	}
	return ViewerState{Mode: mode, Page: page, Pages: count, Playback: v.transport.State()}
}
