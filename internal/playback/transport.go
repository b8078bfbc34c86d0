// Package playback manages the single active narration and the page viewer.
package playback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/audio"
)

// ErrAlreadyStopped is returned by a Node stopped twice. The transport ignores it.
var ErrAlreadyStopped = errors.New("node already stopped")

// Track is a narration buffer bound to a page
type Track struct {
	Key    string // unique per session generation and page
	Page   int
	Buffer *audio.Buffer
}

// Node plays one track once. OnEnded must be registered before Start; it fires
// when playback finishes naturally or is stopped.
type Node interface {
	Start() error
	Stop() error
	OnEnded(fn func())
}

// Output creates playback nodes
type Output interface {
	NewNode(track Track) (Node, error)
}

// State is the transport state reported to listeners
type State struct {
	Playing bool   `json:"playing"`
	Key     string `json:"key,omitempty"`
	Page    int    `json:"page,omitempty"`
}

type active struct {
	track Track
	node  Node
	seq   uint64
}

// Transport owns at most one playing node. Start and stop are serialized by
// opMu; ended callbacks only take mu, so a node may report its end
// synchronously from Stop.
type Transport struct {
	out Output

	opMu sync.Mutex

	mu       sync.Mutex
	current  *active
	seq      uint64
	listener func(State)
}

// NewTransport creates an idle transport
func NewTransport(out Output) *Transport {
	return &Transport{out: out}
}

// OnChange registers fn for every state change.
func (t *Transport) OnChange(fn func(State)) {
	t.mu.Lock()
	t.listener = fn
	t.mu.Unlock()
}

// Play stops whatever is playing and starts track.
func (t *Transport) Play(track Track) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.playLocked(track)
}

// Toggle stops track if it is the one playing, otherwise switches to it.
// It reports whether track is playing afterwards.
func (t *Transport) Toggle(track Track) (bool, error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if cur, ok := t.Current(); ok && cur.Key == track.Key {
		t.stopLocked()
		return false, nil
	}
	if err := t.playLocked(track); err != nil {
		return false, err
	}
	return true, nil
}

// Stop returns the transport to idle.
func (t *Transport) Stop() {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.stopLocked()
}

// Current returns the playing track, if any.
func (t *Transport) Current() (Track, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Track{}, false
	}
	return t.current.track, true
}

// State returns a snapshot for listeners and the HTTP layer.
func (t *Transport) State() State {
	cur, ok := t.Current()
	if !ok {
		return State{}
	}
	return State{Playing: true, Key: cur.Key, Page: cur.Page}
}

func (t *Transport) playLocked(track Track) error {
	if track.Buffer == nil || track.Buffer.Frames() == 0 {
		return fmt.Errorf("track %s has no audio", track.Key)
	}
	t.stopLocked()

	node, err := t.out.NewNode(track)
	if err != nil {
		return fmt.Errorf("failed to create playback node: %w", err)
	}

	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.current = &active{track: track, node: node, seq: seq}
	t.mu.Unlock()

	node.OnEnded(func() { t.ended(seq) })
	if err := node.Start(); err != nil {
		t.mu.Lock()
		if t.current != nil && t.current.seq == seq {
			t.current = nil
		}
		t.mu.Unlock()
		return fmt.Errorf("failed to start playback: %w", err)
	}

	log.Debug().Str("track", track.Key).Dur("duration", track.Buffer.Duration()).Msg("Playback started")
	t.notify(State{Playing: true, Key: track.Key, Page: track.Page})
	return nil
}

func (t *Transport) stopLocked() {
	t.mu.Lock()
	cur := t.current
	t.current = nil
	t.mu.Unlock()
	if cur == nil {
		return
	}

	if err := cur.node.Stop(); err != nil {
		log.Debug().Err(err).Str("track", cur.track.Key).Msg("Ignoring stop error")
	}
	t.notify(State{})
}

// ended returns to idle only when the finished node is still the current one.
func (t *Transport) ended(seq uint64) {
	t.mu.Lock()
	if t.current == nil || t.current.seq != seq {
		t.mu.Unlock()
		return
	}
	key := t.current.track.Key
	t.current = nil
	t.mu.Unlock()

	log.Debug().Str("track", key).Msg("Playback finished")
	t.notify(State{})
}

func (t *Transport) notify(s State) {
	t.mu.Lock()
	fn := t.listener
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
