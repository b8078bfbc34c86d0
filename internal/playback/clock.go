package playback

import (
	"sync"
	"time"
)

// ClockOutput plays tracks against the wall clock: a node ends after the
// buffer's duration. Clients render the audio themselves and follow the
// transport state.
type ClockOutput struct{}

// NewNode implements Output.
func (ClockOutput) NewNode(track Track) (Node, error) {
	return &clockNode{duration: track.Buffer.Duration()}, nil
}

type clockNode struct {
	duration time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	onEnded func()
	once    sync.Once
}

func (n *clockNode) OnEnded(fn func()) {
	n.mu.Lock()
	n.onEnded = fn
	n.mu.Unlock()
}

func (n *clockNode) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timer = time.AfterFunc(n.duration, n.fire)
	return nil
}

func (n *clockNode) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrAlreadyStopped
	}
	n.stopped = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.mu.Unlock()

	n.fire()
	return nil
}

func (n *clockNode) fire() {
	n.once.Do(func() {
		n.mu.Lock()
		fn := n.onEnded
		n.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
