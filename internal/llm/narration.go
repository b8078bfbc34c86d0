package llm

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/audio"
	"github.com/snappy-loop/storybook/internal/models"
	unifiedgenai "google.golang.org/genai"
)

var pcmMimeRe = regexp.MustCompile(`(?i)audio/L(\d+)`)

// GenerateNarration synthesizes the narration for one page with the fixed voice.
// Any failure yields an Unavailable asset without a buffer.
func (c *Client) GenerateNarration(ctx context.Context, text string) models.NarrationAsset {
	if strings.TrimSpace(text) == "" {
		return unavailableNarration("narration text is empty")
	}

	speech, err := c.speech.Synthesize(ctx, c.opts.ModelTTS, c.opts.Voice, text)
	if err != nil {
		log.Warn().Err(err).
			Str("model", c.opts.ModelTTS).
			Int("text_length", len(text)).
			Msg("TTS generation failed")
		return unavailableNarration(err.Error())
	}

	buf, err := decodeSpeech(speech)
	if err != nil {
		log.Warn().Err(err).
			Str("mime_type", speech.MimeType).
			Int("audio_size_bytes", len(speech.Data)).
			Msg("TTS audio could not be decoded")
		return unavailableNarration(err.Error())
	}

	log.Info().
		Str("caller", "GenerateNarration").
		Str("voice", c.opts.Voice).
		Int("sample_rate", buf.SampleRate).
		Dur("duration", buf.Duration()).
		Msg("TTS audio generated")
	return models.NarrationAsset{Status: models.AssetReady, Buffer: buf}
}

func unavailableNarration(reason string) models.NarrationAsset {
	return models.NarrationAsset{Status: models.AssetUnavailable, Reason: reason}
}

// decodeSpeech turns a TTS payload into a Buffer. A raw PCM MIME type with an
// explicit rate is honored; anything else goes through audio.Decode.
func decodeSpeech(s *Speech) (*audio.Buffer, error) {
	if params, ok := parseAudioMimeType(s.MimeType); ok && params.bitsPerSample == 16 {
		return audio.DecodePCM16(s.Data, params.rate, audio.PCMChannels)
	}
	return audio.Decode(s.Data)
}

type audioParams struct {
	bitsPerSample int
	rate          int
}

// parseAudioMimeType parses bits per sample and rate from a raw PCM MIME type
// such as "audio/L16;codec=pcm;rate=24000". ok is false for container types.
func parseAudioMimeType(mimeType string) (audioParams, bool) {
	params := audioParams{bitsPerSample: 16, rate: audio.PCMSampleRate}
	m := pcmMimeRe.FindStringSubmatch(mimeType)
	if m == nil {
		return params, false
	}
	if bits, err := strconv.Atoi(m[1]); err == nil {
		params.bitsPerSample = bits
	}
	for _, part := range strings.Split(mimeType, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "rate=") {
			if rate, err := strconv.Atoi(part[len("rate="):]); err == nil && rate > 0 {
				params.rate = rate
			}
		}
	}
	return params, true
}

// unifiedSpeechBackend calls TTS through the unified genai SDK with response_modalities: ["audio"].
type unifiedSpeechBackend struct {
	client *unifiedgenai.Client
}

func (b *unifiedSpeechBackend) Synthesize(ctx context.Context, model, voice, text string) (*Speech, error) {
	if b.client == nil {
		return nil, fmt.Errorf("tts model: %w", errNotConfigured)
	}

	contents := []*unifiedgenai.Content{
		unifiedgenai.NewContentFromText(text, unifiedgenai.RoleUser),
	}
	config := &unifiedgenai.GenerateContentConfig{
		ResponseModalities: []string{"audio"},
		SpeechConfig: &unifiedgenai.SpeechConfig{
			VoiceConfig: &unifiedgenai.VoiceConfig{
				PrebuiltVoiceConfig: &unifiedgenai.PrebuiltVoiceConfig{
					VoiceName: voice,
				},
			},
		},
	}

	log.Debug().
		Str("model", model).
		Str("voice", voice).
		Msg("Calling unified genai TTS GenerateContentStream")

	// Collect audio data from streaming response
	var audioBuffer bytes.Buffer
	var lastMimeType string
	for resp, err := range b.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("TTS stream error: %w", err)
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				audioBuffer.Write(part.InlineData.Data)
				if part.InlineData.MIMEType != "" {
					lastMimeType = part.InlineData.MIMEType
				}
			}
		}
	}

	if audioBuffer.Len() == 0 {
		return nil, fmt.Errorf("TTS returned no audio data")
	}
	return &Speech{Data: audioBuffer.Bytes(), MimeType: lastMimeType}, nil
}
