package llm

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"google.golang.org/api/option"
	unifiedgenai "google.golang.org/genai"
)

// maxGeminiResponseLogBytes is the max length of a Gemini response body to log in full (to avoid huge logs).
const maxGeminiResponseLogBytes = 8192

// ErrEmptyResponse is returned when the text model produces no text.
var ErrEmptyResponse = errors.New("story generation returned no text")

// errNotConfigured is returned by a backend that could not be initialized.
var errNotConfigured = errors.New("gemini backend not configured")

// httpClientForEndpoint returns an http.Client that rewrites request URLs to the given base endpoint.
func httpClientForEndpoint(baseEndpoint string) *http.Client {
	base, err := url.Parse(baseEndpoint)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", baseEndpoint).Msg("Invalid GEMINI_API_ENDPOINT, using default")
		return nil
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	return &http.Client{
		Transport: &endpointRoundTripper{base: base, next: http.DefaultTransport},
	}
}

// endpointRoundTripper rewrites request URLs to a custom base (scheme, host, path prefix).
type endpointRoundTripper struct {
	base *url.URL
	next http.RoundTripper
}

func (e *endpointRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.URL.Scheme = e.base.Scheme
	req2.URL.Host = e.base.Host
	req2.URL.Path = path.Join(e.base.Path, strings.TrimPrefix(req.URL.Path, "/"))
	if req.URL.RawQuery != "" {
		req2.URL.RawQuery = req.URL.RawQuery
	}
	return e.next.RoundTrip(req2)
}

// logGeminiResponse logs Gemini response text, truncating if over maxGeminiResponseLogBytes.
func logGeminiResponse(caller, raw string) {
	if len(raw) <= maxGeminiResponseLogBytes {
		log.Info().Str("caller", caller).Str("gemini_response", raw).Msg("Gemini response")
		return
	}
	log.Info().
		Str("caller", caller).
		Str("gemini_response", raw[:maxGeminiResponseLogBytes]+"... [truncated]").
		Int("gemini_response_len", len(raw)).
		Msg("Gemini response")
}

// Options configures the Gemini client
type Options struct {
	APIKey         string
	APIEndpoint    string // optional base URL override for every Gemini call
	ModelText      string
	ModelImage     string
	ModelTTS       string
	Voice          string // prebuilt TTS voice
	Language       string // language the story is written in
	Temperature    float64
	PlaceholderURL string // fmt pattern with one %d for the random seed
}

func (o *Options) setDefaults() {
	if o.ModelText == "" {
		o.ModelText = "gemini-2.5-flash"
	}
	if o.ModelImage == "" {
		o.ModelImage = "gemini-2.5-flash-image"
	}
	if o.ModelTTS == "" {
		o.ModelTTS = "gemini-2.5-flash-preview-tts"
	}
	if o.Voice == "" {
		o.Voice = "Kore"
	}
	if o.Language == "" {
		o.Language = "Bahasa Indonesia"
	}
	if o.Temperature == 0 {
		o.Temperature = 0.8
	}
	if o.PlaceholderURL == "" {
		o.PlaceholderURL = "https://picsum.photos/seed/%d/1024/1024"
	}
}

// Image is an inline image payload returned by the image model
type Image struct {
	Data     []byte
	MimeType string
}

// Speech is an inline audio payload returned by the TTS model
type Speech struct {
	Data     []byte
	MimeType string // e.g. "audio/L16;codec=pcm;rate=24000"
}

type imageBackend interface {
	GenerateImage(ctx context.Context, model, prompt string) (*Image, error)
}

type speechBackend interface {
	Synthesize(ctx context.Context, model, voice, text string) (*Speech, error)
}

// Client wraps the three Gemini operations used to build a storybook
type Client struct {
	opts   Options
	text   llms.Model
	images imageBackend
	speech speechBackend
	closer func() error
}

// NewClient creates a new Gemini client.
// Backends that fail to initialize are logged; their operations then fail
// (text) or degrade (image, narration) at call time.
func NewClient(opts Options) *Client {
	opts.setDefaults()

	// Optional custom HTTP client for langchaingo when using a custom endpoint
	var langchaingoHTTPClient *http.Client
	if opts.APIEndpoint != "" {
		langchaingoHTTPClient = httpClientForEndpoint(opts.APIEndpoint)
	}

	textOpts := []googleai.Option{
		googleai.WithAPIKey(opts.APIKey),
		googleai.WithDefaultModel(opts.ModelText),
		googleai.WithDefaultTemperature(opts.Temperature),
	}
	if langchaingoHTTPClient != nil {
		textOpts = append(textOpts, googleai.WithHTTPClient(langchaingoHTTPClient))
	}
	var text llms.Model
	textModel, err := googleai.New(context.Background(), textOpts...)
	if err != nil {
		log.Error().Err(err).Str("model", opts.ModelText).Msg("Failed to initialize text model")
	} else {
		text = textModel
	}

	// genai client for strict modality (IMAGE); requires API key
	var genaiClient *genai.Client
	if opts.APIKey != "" {
		genaiOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
		if opts.APIEndpoint != "" {
			genaiOpts = append(genaiOpts, option.WithEndpoint(opts.APIEndpoint))
		}
		genaiClient, err = genai.NewClient(context.Background(), genaiOpts...)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize genai client for image generation")
		}
	}

	// Unified genai client for TTS with response_modalities: audio
	var unifiedClient *unifiedgenai.Client
	if opts.APIKey != "" {
		unifiedCfg := &unifiedgenai.ClientConfig{APIKey: opts.APIKey, Backend: unifiedgenai.BackendGeminiAPI}
		if opts.APIEndpoint != "" {
			unifiedCfg.HTTPOptions = unifiedgenai.HTTPOptions{BaseURL: opts.APIEndpoint}
		}
		unifiedClient, err = unifiedgenai.NewClient(context.Background(), unifiedCfg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize unified genai client for TTS")
		}
	}

	log.Info().
		Str("model_text", opts.ModelText).
		Str("model_image", opts.ModelImage).
		Str("model_tts", opts.ModelTTS).
		Str("tts_voice", opts.Voice).
		Str("language", opts.Language).
		Str("api_endpoint", opts.APIEndpoint).
		Bool("genai_client", genaiClient != nil).
		Bool("unified_tts", unifiedClient != nil).
		Msg("LLM client initialized")

	c := newClient(opts, text, &genaiImageBackend{client: genaiClient}, &unifiedSpeechBackend{client: unifiedClient})
	if genaiClient != nil {
		c.closer = genaiClient.Close
	}
	return c
}

func newClient(opts Options, text llms.Model, images imageBackend, speech speechBackend) *Client {
	opts.setDefaults()
	return &Client{opts: opts, text: text, images: images, speech: speech}
}

// Close releases the image client connection.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
