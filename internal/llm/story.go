package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/models"
	"github.com/snappy-loop/storybook/internal/parser"
	"github.com/tmc/langchaingo/llms"
)

const storySystemPrompt = `You are an author of illustrated children's picture books.
Write a complete short story of 5 to 8 pages in %[1]s.

Output ONLY the pages, using exactly this format for every page:

==========
HALAMAN <page number>
==========
[DESKRIPSI ILUSTRASI]
<a detailed visual description of the illustration for this page, in English, describing characters consistently across pages>
[TEKS CERITA]
<the story text shown on the page, 2 to 4 short sentences in %[1]s>
[TEKS SUARA]
<the narration read aloud for this page in %[1]s, warm and expressive>

Rules:
- Every page must contain all three sections in this order, none of them empty.
- Do not add titles, notes or any text outside the pages.`

// storyPrompt builds the user instruction for a topic and illustration style.
func storyPrompt(topic string, style models.IllustrationStyle) string {
	return fmt.Sprintf("Write a storybook about: %s\nThe illustrations will be drawn in this style: %s.",
		strings.TrimSpace(topic), style.DisplayName())
}

// GenerateStoryText asks the text model for a delimited story and parses it into pages.
// Returns ErrEmptyResponse when the model produced no text and parser.ErrNoPages
// when no page survived parsing.
func (c *Client) GenerateStoryText(ctx context.Context, topic string, style models.IllustrationStyle) ([]models.StoryPage, error) {
	if c.text == nil {
		return nil, fmt.Errorf("text model: %w", errNotConfigured)
	}

	log.Info().
		Str("model", c.opts.ModelText).
		Str("topic", preview(topic, 80)).
		Str("style", string(style)).
		Msg("Generating story text")

	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextContent{Text: fmt.Sprintf(storySystemPrompt, c.opts.Language)}}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: storyPrompt(topic, style)}}},
	}
	resp, err := c.text.GenerateContent(ctx, messages,
		llms.WithModel(c.opts.ModelText),
		llms.WithTemperature(c.opts.Temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("story generation failed: %w", err)
	}

	var raw string
	if resp != nil && len(resp.Choices) > 0 {
		raw = resp.Choices[0].Content
	}
	logGeminiResponse("GenerateStoryText", raw)
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyResponse
	}

	res := parser.Parse(raw)
	for _, issue := range res.Issues {
		log.Warn().
			Int("block", issue.Block).
			Int("source_page", issue.SourcePage).
			Str("reason", issue.Reason).
			Msg("Dropped malformed story page")
	}
	if len(res.Pages) == 0 {
		return nil, parser.ErrNoPages
	}

	log.Info().
		Int("pages", len(res.Pages)).
		Int("dropped", len(res.Issues)).
		Msg("Story text generated")
	return res.Pages, nil
}
