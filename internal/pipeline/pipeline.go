// Package pipeline resolves the illustration and narration of every page.
//
// Pages are walked strictly in order. For each page the two requests run
// concurrently and the pipeline waits for both before moving on, so at most
// two backend calls are in flight at any time.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// AssetGenerator produces the per-page assets. Implementations report
// failures through the asset status instead of returning errors.
type AssetGenerator interface {
	GenerateIllustration(ctx context.Context, description string, style models.IllustrationStyle) models.ImageAsset
	GenerateNarration(ctx context.Context, text string) models.NarrationAsset
}

// Update carries the resolved assets of one page, or marks the end of a run.
type Update struct {
	Generation uint64
	Index      int // 0-based position in the page sequence
	Image      models.ImageAsset
	Narration  models.NarrationAsset
	Done       bool
}

// Pipeline walks pages and emits one Update per page
type Pipeline struct {
	assets  AssetGenerator
	limiter *rate.Limiter
}

// New creates a pipeline. A positive interval spaces the start of consecutive pages.
func New(assets AssetGenerator, interval time.Duration) *Pipeline {
	p := &Pipeline{assets: assets}
	if interval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return p
}

// Run resolves assets for pages in order and sends an Update for each page,
// followed by a final Update with Done set. Nothing is retried.
// It returns early only when ctx is done.
func (p *Pipeline) Run(ctx context.Context, generation uint64, pages []models.StoryPage, style models.IllustrationStyle, updates chan<- Update) error {
	log.Info().
		Uint64("generation", generation).
		Int("pages", len(pages)).
		Str("style", string(style)).
		Msg("Starting asset pipeline")

	for i := range pages {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("asset pipeline stopped at page %d: %w", i+1, err)
			}
		}

		u := p.resolvePage(ctx, generation, i, pages[i], style)
		if err := send(ctx, updates, u); err != nil {
			return err
		}
	}

	log.Info().Uint64("generation", generation).Msg("Asset pipeline completed")
	return send(ctx, updates, Update{Generation: generation, Index: len(pages), Done: true})
}

func (p *Pipeline) resolvePage(ctx context.Context, generation uint64, index int, page models.StoryPage, style models.IllustrationStyle) Update {
	u := Update{Generation: generation, Index: index}

	var g errgroup.Group
	g.Go(func() error {
		u.Image = p.assets.GenerateIllustration(ctx, page.IllustrationDescription, style)
		return nil
	})
	g.Go(func() error {
		u.Narration = p.assets.GenerateNarration(ctx, page.VoiceText)
		return nil
	})
	_ = g.Wait()

	log.Info().
		Uint64("generation", generation).
		Int("page", page.PageNumber).
		Str("image", string(u.Image.Status)).
		Str("narration", string(u.Narration.Status)).
		Msg("Page assets resolved")
	return u
}

func send(ctx context.Context, updates chan<- Update, u Update) error {
	select {
	case updates <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply merges an update into pages in place. It reports false when the
// index does not exist in pages.
func Apply(pages []models.StoryPage, u Update) bool {
	if u.Done || u.Index < 0 || u.Index >= len(pages) {
		return false
	}
	page := &pages[u.Index]
	page.ApplyImage(u.Image)
	page.ApplyNarration(u.Narration)
	page.IsLoadingAssets = false
	return true
}

// Resolve runs the pipeline to completion and returns a copy of pages with
// every asset merged.
func (p *Pipeline) Resolve(ctx context.Context, pages []models.StoryPage, style models.IllustrationStyle) ([]models.StoryPage, error) {
	out := make([]models.StoryPage, len(pages))
	copy(out, pages)

	updates := make(chan Update)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run(ctx, 0, pages, style, updates)
		close(updates)
	}()

	for u := range updates {
		Apply(out, u)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}
