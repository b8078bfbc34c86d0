package export

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rivo/uniseg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Page layout in pixels. The illustration covers the top 67% of the page.
const (
	PageSize    = 1024
	ImageHeight = 686
	textMarginX = 80
	textMarginY = 32
	minFontSize = 16
)

var (
	pageBackground  = color.NRGBA{R: 0xFD, G: 0xFB, B: 0xF7, A: 0xFF}
	missingImageBox = color.NRGBA{R: 0xEE, G: 0xE8, B: 0xDC, A: 0xFF}
	textColor       = color.NRGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xFF}
)

// Renderer rasterizes one story page: illustration on top, story text
// centered below on a light background.
type Renderer struct {
	font     *opentype.Font
	fontSize float64
}

// NewRenderer creates a renderer using the Go Regular font at fontSize points.
func NewRenderer(fontSize float64) (*Renderer, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	if fontSize < minFontSize {
		fontSize = 40
	}
	return &Renderer{font: f, fontSize: fontSize}, nil
}

// Render draws a page. A nil img leaves the illustration area empty.
func (r *Renderer) Render(img image.Image, text string) (*image.NRGBA, error) {
	canvas := imaging.New(PageSize, PageSize, pageBackground)

	imageArea := image.Rect(0, 0, PageSize, ImageHeight)
	if img != nil {
		filled := imaging.Fill(img, PageSize, ImageHeight, imaging.Center, imaging.Lanczos)
		draw.Draw(canvas, imageArea, filled, image.Point{}, draw.Src)
	} else {
		draw.Draw(canvas, imageArea, image.NewUniform(missingImageBox), image.Point{}, draw.Src)
	}

	if err := r.drawText(canvas, strings.TrimSpace(text)); err != nil {
		return nil, err
	}
	return canvas, nil
}

func (r *Renderer) drawText(dst draw.Image, text string) error {
	if text == "" {
		return nil
	}

	maxWidth := fixed.I(PageSize - 2*textMarginX)
	maxHeight := PageSize - ImageHeight - 2*textMarginY

	// Shrink the font until the wrapped text fits the text area.
	var (
		face  font.Face
		lines []string
	)
	for size := r.fontSize; ; size -= 2 {
		var err error
		face, err = opentype.NewFace(r.font, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			return fmt.Errorf("failed to create font face: %w", err)
		}
		lines = wrapText(face, text, maxWidth)
		if len(lines)*face.Metrics().Height.Ceil() <= maxHeight || size-2 < minFontSize {
			break
		}
		face.Close()
	}
	defer face.Close()

	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	blockHeight := len(lines) * lineHeight
	top := ImageHeight + (PageSize-ImageHeight-blockHeight)/2

	d := &font.Drawer{Dst: dst, Src: image.NewUniform(textColor), Face: face}
	for i, line := range lines {
		width := d.MeasureString(line)
		x := (fixed.I(PageSize) - width) / 2
		y := fixed.I(top+i*lineHeight) + metrics.Ascent
		d.Dot = fixed.Point26_6{X: x, Y: y}
		d.DrawString(line)
	}
	return nil
}

// wrapText breaks text into lines no wider than maxWidth, breaking only at
// Unicode line break opportunities. Explicit newlines start a new line.
func wrapText(face font.Face, text string, maxWidth fixed.Int26_6) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		var line string
		state := -1
		rest := para
		for len(rest) > 0 {
			var segment string
			segment, rest, _, state = uniseg.FirstLineSegmentInString(rest, state)
			candidate := line + segment
			if line != "" && font.MeasureString(face, strings.TrimRight(candidate, " ")) > maxWidth {
				lines = append(lines, strings.TrimRight(line, " "))
				line = segment
				continue
			}
			line = candidate
		}
		if line = strings.TrimRight(line, " "); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
