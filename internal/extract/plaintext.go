package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DefaultMaxPageRunes bounds the size of a synthesized page when the
// source has no explicit page breaks.
const DefaultMaxPageRunes = 4000

// supportedExtensions is the file type set handled by the plain-text
// extractor. PDF files are accepted and read as text; a real OCR engine
// would replace this extractor behind the same interface.
var supportedExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".text": true,
	".md":   true,
}

// PlainTextExtractor reads a file as UTF-8 text and splits it into pages
// on form-feed characters. Content without form feeds is windowed into
// pages of at most MaxPageRunes runes.
type PlainTextExtractor struct {
	// MaxPageRunes is the page size cap for content without form feeds.
	// Zero means DefaultMaxPageRunes.
	MaxPageRunes int
}

// NewPlainTextExtractor creates a plain-text extractor with defaults.
func NewPlainTextExtractor() *PlainTextExtractor {
	return &PlainTextExtractor{MaxPageRunes: DefaultMaxPageRunes}
}

// Supports reports whether the extension is in the supported set.
func (e *PlainTextExtractor) Supports(ext string) bool {
	return supportedExtensions[strings.ToLower(ext)]
}

// Extract reads the file and returns its pages.
// Empty pages (whitespace only) are dropped; page numbers stay contiguous.
func (e *PlainTextExtractor) Extract(ctx context.Context, path string) ([]Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	maxRunes := e.MaxPageRunes
	if maxRunes <= 0 {
		maxRunes = DefaultMaxPageRunes
	}

	var rawPages []string
	text := string(data)
	if strings.ContainsRune(text, '\f') {
		rawPages = strings.Split(text, "\f")
	} else {
		rawPages = windowText(text, maxRunes)
	}

	pages := make([]Page, 0, len(rawPages))
	pageNo := 1
	for _, raw := range rawPages {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		pages = append(pages, Page{
			Number: pageNo,
			Text:   trimmed,
		})
		pageNo++
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}

	return pages, nil
}

// windowText splits text into windows of at most maxRunes runes,
// preferring to break at a newline near the window boundary.
func windowText(text string, maxRunes int) []string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []string{text}
	}

	var windows []string
	for start := 0; start < len(runes); {
		end := start + maxRunes
		if end >= len(runes) {
			windows = append(windows, string(runes[start:]))
			break
		}

		// Look backwards for a newline to avoid splitting mid-line.
		cut := end
		for i := end; i > start && i > end-200; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}

		windows = append(windows, string(runes[start:cut]))
		start = cut
	}

	return windows
}

// Verify interface implementation
var _ Extractor = (*PlainTextExtractor)(nil)
