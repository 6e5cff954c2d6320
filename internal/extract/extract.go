// Package extract defines the text-extraction capability used by the
// ingestion pipeline. Extraction engines (OCR, PDF parsers) are external
// collaborators; the pipeline only depends on the Extractor interface.
package extract

import "context"

// Page is the extracted content of one document page.
type Page struct {
	// Number is the 1-based page number, unique within a document.
	Number int

	// Text is the extracted page text.
	Text string

	// BBox is optional layout metadata for the page region,
	// as [x0, y0, x1, y1]. Nil when the extractor has no layout info.
	BBox []float64
}

// Extractor produces page-ordered text for a document file.
type Extractor interface {
	// Extract returns the pages of the document at path in page order.
	// Callers bound extraction time via the context.
	Extract(ctx context.Context, path string) ([]Page, error)

	// Supports reports whether the extractor can handle the file extension
	// (lowercase, including the dot, e.g. ".pdf").
	Supports(ext string) bool
}
