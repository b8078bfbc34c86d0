package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/snappy-loop/storybook/internal/audio"
	"github.com/snappy-loop/storybook/internal/export"
	"github.com/snappy-loop/storybook/internal/models"
	"github.com/snappy-loop/storybook/internal/parser"
	"github.com/snappy-loop/storybook/internal/webhook"
)

type fakeWriter struct {
	pages []models.StoryPage
	err   error
	style models.IllustrationStyle
}

func (f *fakeWriter) GenerateStoryText(_ context.Context, _ string, style models.IllustrationStyle) ([]models.StoryPage, error) {
	f.style = style
	return f.pages, f.err
}

// fakeResolver narrates every odd page and illustrates every page.
type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, pages []models.StoryPage, _ models.IllustrationStyle) ([]models.StoryPage, error) {
	out := make([]models.StoryPage, len(pages))
	copy(out, pages)
	for i := range out {
		out[i].IsLoadingAssets = false
		out[i].ApplyImage(models.ImageAsset{Status: models.AssetReady, URL: "data:image/png;base64,AAAA"})
		if out[i].PageNumber%2 == 1 {
			out[i].ApplyNarration(models.NarrationAsset{Status: models.AssetReady, Buffer: audio.NewBuffer(1, 240, audio.PCMSampleRate)})
		} else {
			out[i].ApplyNarration(models.NarrationAsset{Status: models.AssetUnavailable, Reason: "tts failed"})
		}
	}
	return out, nil
}

type fakeExporter struct{ err error }

func (f fakeExporter) Export(_ context.Context, pages []models.StoryPage, w io.Writer) (export.Result, error) {
	if f.err != nil {
		return export.Result{}, f.err
	}
	n, _ := io.WriteString(w, "%PDF-1.3")
	res := export.Result{Bytes: n}
	for _, p := range pages {
		res.Pages = append(res.Pages, p.PageNumber)
	}
	return res, nil
}

type fakeUploader struct {
	objects map[string]string
	failOn  string
}

func (f *fakeUploader) Upload(_ context.Context, key string, data []byte, contentType string) error {
	if f.failOn != "" && strings.Contains(key, f.failOn) {
		return errors.New("bucket unavailable")
	}
	if f.objects == nil {
		f.objects = make(map[string]string)
	}
	f.objects[key] = contentType
	return nil
}

func (f *fakeUploader) DownloadURL(_ context.Context, key string) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

type fakeEvents struct {
	events []models.StoryEvent
}

func (f *fakeEvents) PublishEvent(_ context.Context, e models.StoryEvent) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEvents) types() string {
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type+":"+string(e.State))
	}
	return strings.Join(out, ",")
}

func threePages() []models.StoryPage {
	var pages []models.StoryPage
	for i := 1; i <= 3; i++ {
		pages = append(pages, models.NewStoryPage(i, "d", fmt.Sprintf("story %d", i), "v"))
	}
	return pages
}

func TestProcess_Success(t *testing.T) {
	writer := &fakeWriter{pages: threePages()}
	up := &fakeUploader{}
	events := &fakeEvents{}
	p := NewStoryProcessor(writer, fakeResolver{}, fakeExporter{}, up, events)

	req := &models.StoryRequest{RequestID: uuid.New(), Topic: "kancil", Style: models.StyleCartoon}
	resp, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	prefix := "exports/" + req.RequestID.String()
	if resp.Key != prefix+"/storybook.pdf" || resp.DownloadURL != "https://cdn.example.com/"+resp.Key || resp.Pages != 3 {
		t.Errorf("unexpected response %+v", resp)
	}
	want := map[string]string{
		prefix + "/storybook.pdf":         "application/pdf",
		prefix + "/narration/page-01.wav": "audio/wav",
		prefix + "/narration/page-03.wav": "audio/wav",
	}
	if len(up.objects) != len(want) {
		t.Errorf("uploaded %v, want %v", up.objects, want)
	}
	for key, ct := range want {
		if up.objects[key] != ct {
			t.Errorf("object %s: content type %q, want %q", key, up.objects[key], ct)
		}
	}

	wantEvents := "state_changed:generating_text,state_changed:generating_assets,assets_complete:reading,export_completed:reading"
	if got := events.types(); got != wantEvents {
		t.Errorf("events = %s, want %s", got, wantEvents)
	}
	for _, e := range events.events {
		if e.SessionID != req.RequestID || e.At.IsZero() {
			t.Errorf("event not stamped: %+v", e)
		}
	}
	if writer.style != models.StyleCartoon {
		t.Errorf("style = %s", writer.style)
	}
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name     string
		writer   *fakeWriter
		exporter fakeExporter
		uploader *fakeUploader
		wantErr  error
	}{
		{"no pages", &fakeWriter{err: parser.ErrNoPages}, fakeExporter{}, &fakeUploader{}, parser.ErrNoPages},
		{"nothing to export", &fakeWriter{pages: threePages()}, fakeExporter{err: export.ErrNothingToExport}, &fakeUploader{}, export.ErrNothingToExport},
		{"narration upload", &fakeWriter{pages: threePages()}, fakeExporter{}, &fakeUploader{failOn: "narration"}, nil},
		{"pdf upload", &fakeWriter{pages: threePages()}, fakeExporter{}, &fakeUploader{failOn: "storybook.pdf"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &fakeEvents{}
			p := NewStoryProcessor(tt.writer, fakeResolver{}, tt.exporter, tt.uploader, events)

			err := p.HandleStoryRequest(context.Background(), &models.StoryRequest{RequestID: uuid.New(), Topic: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			last := events.events[len(events.events)-1]
			if last.State != models.StateError || last.Detail == "" {
				t.Errorf("last event = %+v, want error state", last)
			}
		})
	}
}

func TestProcess_DefaultsInvalidStyle(t *testing.T) {
	writer := &fakeWriter{pages: threePages()}
	p := NewStoryProcessor(writer, fakeResolver{}, fakeExporter{}, &fakeUploader{}, nil)

	if _, err := p.Process(context.Background(), &models.StoryRequest{RequestID: uuid.New(), Topic: "x", Style: "oil"}); err != nil {
		t.Fatal(err)
	}
	if writer.style != models.StyleWatercolor {
		t.Errorf("style = %s, want watercolor", writer.style)
	}
}

type fakeNotifier struct {
	urls     []string
	payloads []webhook.Payload
}

func (f *fakeNotifier) Deliver(_ context.Context, url, _ string, payload webhook.Payload) error {
	f.urls = append(f.urls, url)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestHandleStoryRequest_Webhook(t *testing.T) {
	n := &fakeNotifier{}
	p := NewStoryProcessor(&fakeWriter{pages: threePages()}, fakeResolver{}, fakeExporter{}, &fakeUploader{}, nil).WithNotifier(n)

	req := &models.StoryRequest{RequestID: uuid.New(), Topic: "kancil", WebhookURL: "https://hooks.example.com/done"}
	if err := p.HandleStoryRequest(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	p.HandleStoryFailure(context.Background(), req, errors.New("quota exceeded"))

	if len(n.payloads) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(n.payloads))
	}
	ok, failed := n.payloads[0], n.payloads[1]
	if ok.Status != "succeeded" || ok.Pages != 3 || ok.RequestID != req.RequestID {
		t.Errorf("success payload = %+v", ok)
	}
	if !strings.HasSuffix(ok.DownloadURL, ".pdf") {
		t.Errorf("download url = %q", ok.DownloadURL)
	}
	if failed.Status != "failed" || failed.Error == nil || failed.Error.Message != "quota exceeded" {
		t.Errorf("failure payload = %+v", failed)
	}
	if n.urls[0] != req.WebhookURL {
		t.Errorf("url = %q", n.urls[0])
	}
}

func TestHandleStoryRequest_NoWebhookURL(t *testing.T) {
	n := &fakeNotifier{}
	p := NewStoryProcessor(&fakeWriter{pages: threePages()}, fakeResolver{}, fakeExporter{}, &fakeUploader{}, nil).WithNotifier(n)

	if err := p.HandleStoryRequest(context.Background(), &models.StoryRequest{RequestID: uuid.New(), Topic: "x"}); err != nil {
		t.Fatal(err)
	}
	if len(n.payloads) != 0 {
		t.Errorf("deliveries = %d, want 0", len(n.payloads))
	}
}
