// Package index provides the two retrieval stores of the pipeline: a
// full-text index with ranked keyword search and snippet extraction, and
// an approximate nearest-neighbor vector index over chunk embeddings.
package index

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Full-text backends.
const (
	BackendSQLite = "sqlite"
	BackendBleve  = "bleve"
)

// ChunkDoc is one indexable unit of page text.
type ChunkDoc struct {
	// ID is the chunk id, stringified.
	ID string
	// Text is the extracted page text.
	Text string
}

// Hit is one full-text search match.
type Hit struct {
	ChunkID string
	Score   float64
	// Snippet is a bounded excerpt around the best match,
	// with matched terms wrapped in <mark> tags.
	Snippet string
}

// FullTextIndex is the keyword retrieval contract.
type FullTextIndex interface {
	// Index adds or replaces chunks in the index.
	Index(ctx context.Context, docs []ChunkDoc) error

	// Delete removes chunks by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Search returns ranked hits for the query window plus the total
	// match count for pagination. The total counts every indexed entry
	// matching the query; entries whose chunks are not yet, or no
	// longer, live may be included until pending deletes settle.
	Search(ctx context.Context, query string, limit, offset int) ([]*Hit, int, error)

	// Close releases resources.
	Close() error
}

// NewFullTextIndex creates a full-text index for the given backend.
// If path is empty, the index is in-memory (testing).
func NewFullTextIndex(backend, path string) (FullTextIndex, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteFullText(path)
	case BackendBleve:
		return NewBleveFullText(path)
	default:
		return nil, fmt.Errorf("unknown fulltext backend: %q", backend)
	}
}

// queryTokenRegex matches searchable word tokens.
var queryTokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// queryTokens splits a raw query into lowercase word tokens, dropping
// operator characters so user input can't break backend query syntax.
func queryTokens(query string) []string {
	words := queryTokenRegex.FindAllString(query, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, strings.ToLower(w))
	}
	return tokens
}
