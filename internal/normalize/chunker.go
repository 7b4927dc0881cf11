package normalize

import (
	"context"
	"fmt"
	"strings"

	"github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/ingest"
)

// WindowChunker cuts document text into overlapping character windows. It is
// fully deterministic: identical text always yields identical sections.
type WindowChunker struct {
	windowChars     int
	overlapChars    int
	minSectionChars int
}

func NewWindowChunker(cfg config.NormalizeConfig) *WindowChunker {
	cfg = cfg.Normalize()
	return &WindowChunker{
		windowChars:     cfg.WindowChars,
		overlapChars:    cfg.OverlapChars,
		minSectionChars: cfg.MinSectionChars,
	}
}

func (c *WindowChunker) Normalize(_ context.Context, doc ingest.RawDocument) ([]ingest.Section, error) {
	windows, err := c.windows(doc.Text)
	if err != nil {
		return nil, fmt.Errorf("chunk document %s: %w", doc.ID, err)
	}
	sections := make([]ingest.Section, 0, len(windows))
	for i, text := range windows {
		sections = append(sections, ingest.Section{
			ID:   fmt.Sprintf("%s-%03d", doc.ID, i+1),
			Text: text,
			Metadata: map[string]string{
				"section_hash": ingest.ContentHash(text),
			},
		})
	}
	return sections, nil
}

// windows slides a window of windowChars over the text, stepping back by
// overlapChars between windows. Breaks prefer a whitespace boundary near the
// window edge so words stay intact. A trailing fragment shorter than
// minSectionChars is dropped when earlier windows already cover it.
func (c *WindowChunker) windows(text string) ([]string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("no text to chunk")
	}
	runes := []rune(trimmed)
	if len(runes) <= c.windowChars {
		return []string{trimmed}, nil
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + c.windowChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakBefore(runes, end, c.windowChars/10)
		}
		window := strings.TrimSpace(string(runes[start:end]))
		if len([]rune(window)) >= c.minSectionChars || len(out) == 0 {
			out = append(out, window)
		}
		if end >= len(runes) {
			break
		}
		next := end - c.overlapChars
		if next <= start {
			next = end
		}
		// Step forward to a word boundary so no window begins mid-word. The
		// scan stops at end: when an unbroken token fills the whole overlap
		// region, the next window continues hard from end instead of
		// skipping the runes in between.
		for next < end && !isSpace(runes[next-1]) {
			next++
		}
		start = next
	}
	return out, nil
}

// breakBefore walks back from end looking for whitespace to break on, scanning
// at most lookback runes so pathological text cannot stall progress.
func breakBefore(runes []rune, end, lookback int) int {
	limit := end - lookback
	if limit < 1 {
		limit = 1
	}
	for i := end; i > limit; i-- {
		if isSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\n', '\t', '\r':
		return true
	}
	return false
}
