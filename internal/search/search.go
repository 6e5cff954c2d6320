// Package search joins index hits with document metadata into flat,
// ranked result lists. Keyword search is paginated with a total count;
// semantic search returns the top-k nearest pages. Both modes are
// read-only.
package search

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/docsift/docsift/internal/docstore"
	"github.com/docsift/docsift/internal/embed"
	sifterr "github.com/docsift/docsift/internal/errors"
	"github.com/docsift/docsift/internal/index"
)

// Result is one search match: a document page with its provenance.
type Result struct {
	DocumentID int64   `json:"document_id"`
	Filename   string  `json:"filename"`
	PageNo     int     `json:"page_no"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score"`
	ChunkID    int64   `json:"chunk_id"`
}

// KeywordResults is a page of keyword matches plus the total count.
// TotalResults is computed by the full-text index and can briefly
// exceed the resolvable hits while an ingestion is mid-swap; hits for
// non-live chunks are dropped during resolution.
type KeywordResults struct {
	Query        string    `json:"query"`
	TotalResults int       `json:"total_results"`
	Page         int       `json:"page"`
	PageSize     int       `json:"page_size"`
	Results      []*Result `json:"results"`
}

// SemanticResults is a top-k list of semantic matches. No total: the
// vector index has no meaningful match count.
type SemanticResults struct {
	Query   string    `json:"query"`
	Results []*Result `json:"results"`
}

// Limits bounds pagination and top-k parameters.
type Limits struct {
	DefaultPageSize int
	MaxPageSize     int
	DefaultTopK     int
	MaxTopK         int
}

// DefaultLimits mirror the config defaults.
func DefaultLimits() Limits {
	return Limits{
		DefaultPageSize: 10,
		MaxPageSize:     100,
		DefaultTopK:     10,
		MaxTopK:         100,
	}
}

// Aggregator serves both search modes over the indexes and the store.
type Aggregator struct {
	store    docstore.Store
	fulltext index.FullTextIndex
	vectors  *index.VectorIndex
	embedder embed.Embedder
	limits   Limits
}

// NewAggregator wires the search paths.
func NewAggregator(store docstore.Store, fulltext index.FullTextIndex,
	vectors *index.VectorIndex, embedder embed.Embedder, limits Limits) *Aggregator {
	if limits.DefaultPageSize <= 0 {
		limits = DefaultLimits()
	}
	return &Aggregator{
		store:    store,
		fulltext: fulltext,
		vectors:  vectors,
		embedder: embedder,
		limits:   limits,
	}
}

// Keyword runs ranked full-text search with pagination.
func (a *Aggregator) Keyword(ctx context.Context, query string, page, pageSize int) (*KeywordResults, error) {
	if strings.TrimSpace(query) == "" {
		return nil, sifterr.New(sifterr.ErrCodeQueryEmpty, "search query must not be empty", nil)
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = a.limits.DefaultPageSize
	}
	if pageSize > a.limits.MaxPageSize {
		pageSize = a.limits.MaxPageSize
	}
	offset := (page - 1) * pageSize

	hits, total, err := a.fulltext.Search(ctx, query, pageSize, offset)
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeSearchFailed, err)
	}

	results, err := a.resolveFullTextHits(ctx, hits)
	if err != nil {
		return nil, err
	}

	// Deterministic order: score descending, ties broken by document
	// then page.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].DocumentID != results[j].DocumentID {
			return results[i].DocumentID < results[j].DocumentID
		}
		return results[i].PageNo < results[j].PageNo
	})

	return &KeywordResults{
		Query:        query,
		TotalResults: total,
		Page:         page,
		PageSize:     pageSize,
		Results:      results,
	}, nil
}

// Semantic embeds the query and returns the top-k nearest pages,
// optionally filtered by document id or filename.
func (a *Aggregator) Semantic(ctx context.Context, query string, topK int, filter *index.VectorFilter) (*SemanticResults, error) {
	if strings.TrimSpace(query) == "" {
		return nil, sifterr.New(sifterr.ErrCodeQueryEmpty, "search query must not be empty", nil)
	}

	if topK <= 0 {
		topK = a.limits.DefaultTopK
	}
	if topK > a.limits.MaxTopK {
		topK = a.limits.MaxTopK
	}

	vector, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeEmbeddingFailed, err)
	}

	matches, err := a.vectors.Search(ctx, vector, topK, filter)
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeSearchFailed, err)
	}

	ids := make([]int64, 0, len(matches))
	scores := make(map[int64]float64, len(matches))
	order := make(map[int64]int, len(matches))
	for i, m := range matches {
		id, err := strconv.ParseInt(m.ChunkID, 10, 64)
		if err != nil {
			continue // foreign id in the index, not resolvable
		}
		ids = append(ids, id)
		scores[id] = float64(m.Score)
		order[id] = i
	}

	chunks, err := a.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(chunks))
	docs := make(map[int64]*docstore.Document)
	for _, c := range chunks {
		doc, err := a.lookupDocument(ctx, docs, c.DocumentID)
		if err != nil {
			return nil, err
		}
		results = append(results, &Result{
			DocumentID: c.DocumentID,
			Filename:   doc.Filename,
			PageNo:     c.PageNo,
			Score:      scores[c.ID],
			ChunkID:    c.ID,
		})
	}

	// Preserve the index's nearest-first order
	sort.SliceStable(results, func(i, j int) bool {
		return order[results[i].ChunkID] < order[results[j].ChunkID]
	})

	return &SemanticResults{Query: query, Results: results}, nil
}

// resolveFullTextHits joins hits with chunk and document rows. Hits
// whose chunks are no longer live (retired by a concurrent commit)
// silently drop out.
func (a *Aggregator) resolveFullTextHits(ctx context.Context, hits []*index.Hit) ([]*Result, error) {
	ids := make([]int64, 0, len(hits))
	byID := make(map[int64]*index.Hit, len(hits))
	for _, h := range hits {
		id, err := strconv.ParseInt(h.ChunkID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		byID[id] = h
	}

	chunks, err := a.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(chunks))
	docs := make(map[int64]*docstore.Document)
	for _, c := range chunks {
		hit := byID[c.ID]
		doc, err := a.lookupDocument(ctx, docs, c.DocumentID)
		if err != nil {
			return nil, err
		}
		results = append(results, &Result{
			DocumentID: c.DocumentID,
			Filename:   doc.Filename,
			PageNo:     c.PageNo,
			Snippet:    hit.Snippet,
			Score:      hit.Score,
			ChunkID:    c.ID,
		})
	}

	return results, nil
}

// lookupDocument memoizes document rows per request.
func (a *Aggregator) lookupDocument(ctx context.Context, cache map[int64]*docstore.Document, id int64) (*docstore.Document, error) {
	if doc, ok := cache[id]; ok {
		return doc, nil
	}
	doc, err := a.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = doc
	return doc, nil
}
