package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// BleveFullText implements FullTextIndex using Bleve v2 with its
// built-in match highlighting for snippets.
type BleveFullText struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ FullTextIndex = (*BleveFullText)(nil)

// bleveChunk is the document structure for Bleve indexing.
type bleveChunk struct {
	Content string `json:"content"`
}

// validateBleveIntegrity checks if a Bleve index is valid before opening.
// Returns nil if valid, error describing corruption if not.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Index doesn't exist, will be created
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}

	return nil
}

// isBleveCorruptionError checks if an error indicates index corruption.
func isBleveCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBleveFullText creates a Bleve-backed full-text index.
// If path is empty, creates an in-memory index for testing.
// Validates index integrity before opening and auto-recovers from corruption.
func NewBleveFullText(path string) (*BleveFullText, error) {
	indexMapping := createChunkMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateBleveIntegrity(path); validErr != nil {
			slog.Warn("fulltext_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("fulltext index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("fulltext_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please rescan"))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isBleveCorruptionError(err) {
			slog.Warn("fulltext_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("fulltext index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &BleveFullText{
		index: idx,
		path:  path,
	}, nil
}

// createChunkMapping builds the index mapping for chunk documents.
// The content field is stored with term vectors so highlighting can
// produce snippets.
func createChunkMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()

	contentField := bleve.NewTextFieldMapping()
	contentField.Store = true
	contentField.IncludeTermVectors = true

	chunkMapping := bleve.NewDocumentMapping()
	chunkMapping.AddFieldMappingsAt("content", contentField)
	indexMapping.DefaultMapping = chunkMapping

	return indexMapping
}

// Index adds chunks to the index. Existing ids are replaced.
func (b *BleveFullText) Index(ctx context.Context, docs []ChunkDoc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, bleveChunk{Content: doc.Text}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", doc.ID, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}

	return nil
}

// Search returns ranked hits with highlighted snippets plus the total
// match count.
func (b *BleveFullText) Search(ctx context.Context, queryStr string, limit, offset int) ([]*Hit, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, 0, fmt.Errorf("index is closed")
	}

	tokens := queryTokens(queryStr)
	if len(tokens) == 0 {
		return []*Hit{}, 0, nil
	}

	// AND-match all query terms, mirroring the FTS5 backend
	conjuncts := make([]query.Query, 0, len(tokens))
	for _, token := range tokens {
		mq := bleve.NewMatchQuery(token)
		mq.SetField("content")
		conjuncts = append(conjuncts, mq)
	}

	searchRequest := bleve.NewSearchRequest(bleve.NewConjunctionQuery(conjuncts...))
	searchRequest.Size = limit
	searchRequest.From = offset
	searchRequest.Highlight = bleve.NewHighlightWithStyle("html")
	searchRequest.Highlight.AddField("content")

	result, err := b.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]*Hit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		snippet := ""
		if frags, ok := hit.Fragments["content"]; ok && len(frags) > 0 {
			snippet = frags[0]
		}
		hits = append(hits, &Hit{
			ChunkID: hit.ID,
			Score:   hit.Score,
			Snippet: snippet,
		})
	}

	return hits, int(result.Total), nil
}

// Delete removes chunks from the index.
func (b *BleveFullText) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	return nil
}

// Close closes the index.
func (b *BleveFullText) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}
