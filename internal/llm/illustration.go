package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"reflect"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/models"
)

// GenerateIllustration draws one page illustration.
// It never fails: any error yields an Unavailable asset carrying a placeholder URL.
func (c *Client) GenerateIllustration(ctx context.Context, description string, style models.IllustrationStyle) models.ImageAsset {
	prompt := illustrationPrompt(description, style)
	log.Debug().
		Str("prompt", preview(prompt, 50)).
		Msg("Generating image")

	img, err := c.images.GenerateImage(ctx, c.opts.ModelImage, prompt)
	if err != nil {
		log.Warn().Err(err).
			Str("model", c.opts.ModelImage).
			Str("prompt_preview", preview(prompt, 80)).
			Msg("Image generation failed, using placeholder")
		return models.ImageAsset{
			Status: models.AssetUnavailable,
			URL:    c.placeholderURL(),
			Reason: err.Error(),
		}
	}

	return models.ImageAsset{
		Status: models.AssetReady,
		URL:    dataURI(img),
	}
}

func illustrationPrompt(description string, style models.IllustrationStyle) string {
	return fmt.Sprintf("%s style illustration for a children's book: %s", style.DisplayName(), description)
}

// dataURI wraps the payload as a base64 data URI; the MIME type defaults to PNG.
func dataURI(img *Image) string {
	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func (c *Client) placeholderURL() string {
	return fmt.Sprintf(c.opts.PlaceholderURL, rand.IntN(1000))
}

// genaiImageBackend requests native image output from generative-ai-go.
type genaiImageBackend struct {
	client *genai.Client
}

// GenerateImage returns the first inline image blob found in the response.
func (b *genaiImageBackend) GenerateImage(ctx context.Context, modelName, prompt string) (*Image, error) {
	if b.client == nil {
		return nil, fmt.Errorf("image model: %w", errNotConfigured)
	}
	model := b.client.GenerativeModel(modelName)
	setResponseModality(model, []string{"TEXT", "IMAGE"})

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, err
	}

	logGeminiResponse("GenerateIllustration", fmt.Sprintf("candidates=%d", len(resp.Candidates)))
	for i, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for j, part := range cand.Content.Parts {
			blob, ok := part.(genai.Blob)
			if !ok || len(blob.Data) == 0 {
				continue
			}
			log.Info().
				Str("caller", "GenerateIllustration").
				Int("image_size_bytes", len(blob.Data)).
				Str("mime_type", blob.MIMEType).
				Int("candidate", i).
				Int("part", j).
				Msg("Gemini response (image blob)")
			return &Image{Data: blob.Data, MimeType: blob.MIMEType}, nil
		}
	}

	return nil, fmt.Errorf("no image blob in response (candidates=%d)", len(resp.Candidates))
}

// setResponseModality sets model.ResponseModality when the genai SDK exposes it.
// Uses reflection so it no-ops on SDKs that don't have the field.
func setResponseModality(model *genai.GenerativeModel, modalities []string) {
	v := reflect.ValueOf(model).Elem()
	f := v.FieldByName("ResponseModality")
	if !f.IsValid() || !f.CanSet() {
		log.Debug().Msg("ResponseModality not available on GenerativeModel")
		return
	}
	if f.Kind() == reflect.Slice && f.Type().Elem().Kind() == reflect.String {
		f.Set(reflect.ValueOf(modalities))
	}
}
