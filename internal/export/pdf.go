// Package export renders a storybook to PDF.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/models"
)

// ErrNothingToExport is returned when no page has a resolved image yet.
var ErrNothingToExport = errors.New("no page with a resolved image to export")

// Loader resolves image references for rendering
type Loader interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

// Result describes a finished export
type Result struct {
	Pages []int // story page numbers included, in order
	Bytes int
}

// Exporter turns a page sequence into a PDF with one square page per story page.
type Exporter struct {
	loader   Loader
	renderer *Renderer
	title    string
}

// NewExporter creates an exporter
func NewExporter(loader Loader, renderer *Renderer) *Exporter {
	return &Exporter{loader: loader, renderer: renderer, title: "Storybook"}
}

// WithTitle returns a copy of the exporter that sets the document title.
func (e *Exporter) WithTitle(title string) *Exporter {
	cp := *e
	cp.title = title
	return &cp
}

// Export writes the PDF to w. Pages without a resolved image are skipped.
// Nothing is written to w unless the whole document was produced.
func (e *Exporter) Export(ctx context.Context, pages []models.StoryPage, w io.Writer) (Result, error) {
	var included []models.StoryPage
	for _, p := range pages {
		if p.HasImage() {
			included = append(included, p)
		}
	}
	if len(included) == 0 {
		return Result{}, ErrNothingToExport
	}

	log.Info().
		Int("pages", len(pages)).
		Int("exportable", len(included)).
		Msg("Exporting storybook to PDF")

	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: PageSize, Ht: PageSize},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(e.title, true)
	pdf.SetCreator("storybook", false)

	res := Result{}
	for _, p := range included {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		raster, err := e.renderPage(ctx, p)
		if err != nil {
			return Result{}, fmt.Errorf("page %d: %w", p.PageNumber, err)
		}

		name := fmt.Sprintf("page-%d", p.PageNumber)
		pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "PNG"}, raster)
		pdf.AddPage()
		pdf.ImageOptions(name, 0, 0, PageSize, PageSize, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		if pdf.Err() {
			return Result{}, fmt.Errorf("page %d: %w", p.PageNumber, pdf.Error())
		}
		res.Pages = append(res.Pages, p.PageNumber)
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return Result{}, fmt.Errorf("failed to write PDF: %w", err)
	}
	n, err := w.Write(out.Bytes())
	if err != nil {
		return Result{}, fmt.Errorf("failed to write PDF: %w", err)
	}
	res.Bytes = n

	log.Info().Ints("pages", res.Pages).Int("bytes", n).Msg("PDF export completed")
	return res, nil
}

// renderPage waits for the page image to load or fail, then rasterizes the page as PNG.
func (e *Exporter) renderPage(ctx context.Context, p models.StoryPage) (*bytes.Buffer, error) {
	img, err := e.loader.Load(ctx, p.ImageURL)
	if err != nil {
		log.Warn().Err(err).Int("page", p.PageNumber).Msg("Page image failed to load, rendering without it")
		img = nil
	}

	canvas, err := e.renderer.Render(img, p.StoryText)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, canvas, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		return nil, fmt.Errorf("failed to encode page: %w", err)
	}
	return buf, nil
}

// SaveFile exports to path. The file only appears once the export succeeded.
func (e *Exporter) SaveFile(ctx context.Context, pages []models.StoryPage, path string) (Result, error) {
	var buf bytes.Buffer
	res, err := e.Export(ctx, pages, &buf)
	if err != nil {
		return Result{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".storybook-*.pdf")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Result{}, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Result{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Result{}, fmt.Errorf("failed to save PDF: %w", err)
	}
	return res, nil
}
