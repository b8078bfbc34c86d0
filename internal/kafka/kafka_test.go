package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/snappy-loop/storybook/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.queue) == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type handlerFunc func(ctx context.Context, req *models.StoryRequest) error

func (f handlerFunc) HandleStoryRequest(ctx context.Context, req *models.StoryRequest) error {
	return f(ctx, req)
}

func TestProducer_PublishEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, topic: "storybook.events.v1"}

	sessionID := uuid.New()
	page := 2
	err := p.PublishEvent(context.Background(), models.StoryEvent{
		Type:      models.EventPageUpdated,
		SessionID: sessionID,
		Page:      &page,
	})
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(w.msgs))
	}
	if string(w.msgs[0].Key) != sessionID.String() {
		t.Errorf("key = %q, want session id", w.msgs[0].Key)
	}

	var got models.StoryEvent
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != models.EventPageUpdated || got.Page == nil || *got.Page != 2 {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestProducer_PublishRequestError(t *testing.T) {
	p := &Producer{writer: &fakeWriter{err: errors.New("broker down")}, topic: "t"}
	if err := p.PublishRequest(context.Background(), models.StoryRequest{RequestID: uuid.New()}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_RetriesThenSkips(t *testing.T) {
	good, _ := json.Marshal(models.StoryRequest{RequestID: uuid.New(), Topic: "kancil"})
	flaky, _ := json.Marshal(models.StoryRequest{RequestID: uuid.New(), Topic: "flaky"})

	reader := &fakeReader{
		queue: []kafka.Message{
			{Offset: 1, Value: []byte("{not json")},
			{Offset: 2, Value: flaky},
			{Offset: 3, Value: good},
		},
		drained: make(chan struct{}),
	}
	drained := reader.drained

	var mu sync.Mutex
	calls := map[string]int{}
	c := newConsumer(reader, handlerFunc(func(_ context.Context, req *models.StoryRequest) error {
		mu.Lock()
		defer mu.Unlock()
		calls[req.Topic]++
		if req.Topic == "flaky" {
			return errors.New("model overloaded")
		}
		return nil
	}))
	c.baseDelay = time.Millisecond
	c.maxDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start returned %v, want context.Canceled", err)
	}

	reader.mu.Lock()
	committed := append([]int64(nil), reader.committed...)
	reader.mu.Unlock()
	if len(committed) != 3 || committed[0] != 1 || committed[1] != 2 || committed[2] != 3 {
		t.Errorf("committed offsets = %v, want [1 2 3]", committed)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls["flaky"] != 3 {
		t.Errorf("flaky request handled %d times, want 3", calls["flaky"])
	}
	if calls["kancil"] != 1 {
		t.Errorf("good request handled %d times, want 1", calls["kancil"])
	}
}

type failingHandler struct {
	failures []error
}

func (h *failingHandler) HandleStoryRequest(context.Context, *models.StoryRequest) error {
	return errors.New("tts quota exceeded")
}

func (h *failingHandler) HandleStoryFailure(_ context.Context, _ *models.StoryRequest, err error) {
	h.failures = append(h.failures, err)
}

func TestConsumer_ReportsExhaustedRequests(t *testing.T) {
	h := &failingHandler{}
	c := newConsumer(&fakeReader{}, h)
	c.maxAttempts = 2
	c.baseDelay = time.Millisecond
	c.maxDelay = time.Millisecond

	value, _ := json.Marshal(models.StoryRequest{RequestID: uuid.New(), Topic: "kancil"})
	if err := c.processWithRetry(context.Background(), kafka.Message{Value: value}); err == nil {
		t.Fatal("expected error")
	}
	if len(h.failures) != 1 {
		t.Fatalf("failure callbacks = %d, want 1", len(h.failures))
	}

	// malformed payloads are not reported
	if err := c.processWithRetry(context.Background(), kafka.Message{Value: []byte("nope")}); err == nil {
		t.Fatal("expected error")
	}
	if len(h.failures) != 1 {
		t.Errorf("failure callbacks = %d, want 1", len(h.failures))
	}
}
