// Package parser splits a generated story blob into pages.
//
// The expected layout is
//
//	==========
//	HALAMAN 1
//	==========
//	[DESKRIPSI ILUSTRASI] ...
//	[TEKS CERITA] ...
//	[TEKS SUARA] ...
//
// The header may also be written on one line (=== HALAMAN 1 ===).
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/snappy-loop/storybook/internal/models"
)

// ErrNoPages is returned by callers when a blob yields no valid page.
var ErrNoPages = errors.New("no story pages generated")

const (
	LabelIllustration = "[DESKRIPSI ILUSTRASI]"
	LabelStory        = "[TEKS CERITA]"
	LabelVoice        = "[TEKS SUARA]"
)

var (
	inlineRe = regexp.MustCompile(`(?i)={3,}[ \t]*HALAMAN[ \t]+(\d+)[ \t]*={3,}`)
	headerRe = regexp.MustCompile(`(?i)^\s*HALAMAN\s+(\d+)\s*$`)
	ruleRe   = regexp.MustCompile(`^\s*={10,}\s*$`)
	labelRe  = regexp.MustCompile(`(?i)\[(?:(DESKRIPSI ILUSTRASI)|(TEKS CERITA)|(TEKS SUARA))\]`)
)

// cutMarker replaces rule lines inside a block, where it ends the open
// section. It also tags headers that were written on one line.
const cutMarker = "\x00"

// Issue describes a page block that was dropped.
type Issue struct {
	Block      int    `json:"block"`       // 0-based position of the block in the blob
	SourcePage int    `json:"source_page"` // number written in the HALAMAN header
	Reason     string `json:"reason"`
}

func (i Issue) String() string {
	return fmt.Sprintf("block %d (HALAMAN %d): %s", i.Block, i.SourcePage, i.Reason)
}

// Result holds the parsed pages and any dropped blocks.
type Result struct {
	Pages  []models.StoryPage
	Issues []Issue
}

type block struct {
	sourcePage int
	lines      []string
}

// Parse converts a story blob into pages numbered 1..K by position.
// Blocks missing a section, with an empty section, or with sections out of
// order are dropped and reported in Issues.
func Parse(text string) Result {
	var res Result
	for i, b := range splitBlocks(text) {
		body := strings.Join(b.lines, "\n")
		desc, story, voice, reason := extractSections(body)
		if reason != "" {
			res.Issues = append(res.Issues, Issue{Block: i, SourcePage: b.sourcePage, Reason: reason})
			continue
		}
		res.Pages = append(res.Pages, models.NewStoryPage(len(res.Pages)+1, desc, story, voice))
	}
	return res
}

// splitBlocks cuts text at page headers. A header is either the one-line
// form (=== HALAMAN n ===) or a HALAMAN n line sitting between two rule lines.
func splitBlocks(text string) []block {
	text = strings.ReplaceAll(text, cutMarker, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = inlineRe.ReplaceAllString(text, "\n"+cutMarker+"HALAMAN $1\n")
	lines := strings.Split(text, "\n")

	var blocks []block
	var current *block
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if n, ok := header(lines, i); ok {
			blocks = append(blocks, block{sourcePage: n})
			current = &blocks[len(blocks)-1]
			if !strings.HasPrefix(line, cutMarker) {
				i++ // closing rule
			}
			continue
		}
		if current == nil {
			continue
		}
		if ruleRe.MatchString(line) {
			line = cutMarker
		}
		current.lines = append(current.lines, line)
	}
	return blocks
}

// header reports whether lines[i] opens a page, and its number.
func header(lines []string, i int) (int, bool) {
	line := lines[i]
	inline := strings.HasPrefix(line, cutMarker)
	m := headerRe.FindStringSubmatch(strings.TrimPrefix(line, cutMarker))
	if m == nil {
		return 0, false
	}
	if !inline && (i == 0 || i+1 >= len(lines) || !ruleRe.MatchString(lines[i-1]) || !ruleRe.MatchString(lines[i+1])) {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	return n, true
}

// extractSections reads the three labeled sections of a block body. Each runs
// until the next label, rule line or the end of the body.
func extractSections(body string) (desc, story, voice, reason string) {
	labels := []string{LabelIllustration, LabelStory, LabelVoice}
	starts := make(map[string]int, len(labels))
	contents := make(map[string]string, len(labels))

	found := labelRe.FindAllStringSubmatchIndex(body, -1)
	for k, loc := range found {
		var name string
		for g, l := range labels {
			if loc[2+2*g] >= 0 {
				name = l
			}
		}
		if _, seen := starts[name]; seen {
			continue
		}
		end := len(body)
		if k+1 < len(found) {
			end = found[k+1][0]
		}
		content := body[loc[1]:end]
		if i := strings.Index(content, cutMarker); i >= 0 {
			content = content[:i]
		}
		starts[name] = loc[0]
		contents[name] = strings.TrimSpace(content)
	}

	for _, l := range labels {
		if _, ok := starts[l]; !ok {
			return "", "", "", "missing section " + l
		}
	}
	if starts[LabelIllustration] > starts[LabelStory] || starts[LabelStory] > starts[LabelVoice] {
		return "", "", "", "sections out of order"
	}
	for _, l := range labels {
		if contents[l] == "" {
			return "", "", "", "empty section " + l
		}
	}
	return contents[LabelIllustration], contents[LabelStory], contents[LabelVoice], ""
}
