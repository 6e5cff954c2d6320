package index

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// VectorConfig configures the vector index.
type VectorConfig struct {
	Dimensions int
	M          int
	EfSearch   int
}

// VectorMeta is per-chunk metadata stored alongside each vector so
// semantic search can filter without a store round-trip.
type VectorMeta struct {
	DocumentID int64
	Filename   string
}

// VectorFilter narrows semantic search results. Zero fields match all.
type VectorFilter struct {
	DocumentID int64 // 0 means any document
	Filename   string
}

// matches reports whether meta passes the filter.
func (f *VectorFilter) matches(meta VectorMeta) bool {
	if f == nil {
		return true
	}
	if f.DocumentID != 0 && meta.DocumentID != f.DocumentID {
		return false
	}
	if f.Filename != "" && meta.Filename != f.Filename {
		return false
	}
	return true
}

// VectorResult is one nearest-neighbor match.
type VectorResult struct {
	ChunkID  string
	Distance float32
	Score    float32
	Meta     VectorMeta
}

// ErrDimensionMismatch indicates a vector with wrong dimensions.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// VectorIndex is an approximate nearest-neighbor index over chunk
// embeddings, backed by coder/hnsw (pure Go, no CGO).
type VectorIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorConfig

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64 // chunk ID -> internal key
	keyMap  map[uint64]string // internal key -> chunk ID
	meta    map[string]VectorMeta
	nextKey uint64

	closed bool
}

// vectorMetadata stores ID mappings and chunk metadata for persistence.
type vectorMetadata struct {
	IDMap   map[string]uint64
	Meta    map[string]VectorMeta
	NextKey uint64
	Config  VectorConfig
}

// NewVectorIndex creates an empty vector index with cosine distance.
func NewVectorIndex(cfg VectorConfig) (*VectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16 // coder/hnsw default recommendation
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20 // coder/hnsw default
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25 // level generation factor (1/ln(M))

	return &VectorIndex{
		graph:   graph,
		config:  cfg,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		meta:    make(map[string]VectorMeta),
		nextKey: 0,
	}, nil
}

// OpenVectorIndex loads an index from disk, or creates an empty one if
// no file exists yet.
func OpenVectorIndex(path string, cfg VectorConfig) (*VectorIndex, error) {
	idx, err := NewVectorIndex(cfg)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return idx, nil
	}

	if err := idx.Load(path); err != nil {
		// A corrupt index is rebuildable from the document store by
		// rescanning, so clear it rather than refuse to start.
		slog.Warn("vector_index_corrupted",
			slog.String("path", path),
			slog.String("error", err.Error()))
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")

		fresh, freshErr := NewVectorIndex(cfg)
		if freshErr != nil {
			return nil, freshErr
		}
		slog.Info("vector_index_cleared",
			slog.String("path", path),
			slog.String("reason", "corruption detected, please rescan"))
		return fresh, nil
	}

	if idx.config.Dimensions != cfg.Dimensions {
		return nil, ErrDimensionMismatch{Expected: cfg.Dimensions, Got: idx.config.Dimensions}
	}

	return idx, nil
}

// Dimensions returns the configured vector dimensionality.
func (s *VectorIndex) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Dimensions
}

// Add inserts vectors with their chunk IDs and metadata.
// If an ID already exists, it is updated via lazy deletion.
func (s *VectorIndex) Add(ctx context.Context, ids []string, vectors [][]float32, metas []VectorMeta) error {
	if len(ids) == 0 {
		return nil
	}

	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if len(ids) != len(metas) {
		return fmt.Errorf("ids and metas length mismatch: %d vs %d", len(ids), len(metas))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{
				Expected: s.config.Dimensions,
				Got:      len(v),
			}
		}
	}

	for i, id := range ids {
		// Lazy deletion for existing IDs: orphan the old graph node
		// instead of removing it. Deleting the last node breaks the
		// graph in coder/hnsw.
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
			delete(s.meta, id)
		}

		key := s.nextKey
		s.nextKey++

		// Normalize for cosine similarity
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeVectorInPlace(vec)

		node := hnsw.MakeNode(key, vec)
		s.graph.Add(node)

		s.idMap[id] = key
		s.keyMap[key] = id
		s.meta[id] = metas[i]
	}

	return nil
}

// Search finds the k nearest neighbors to the query vector, optionally
// filtered by metadata. When a filter is set the graph is oversampled
// so filtered-out neighbors don't starve the result set.
func (s *VectorIndex) Search(ctx context.Context, query []float32, k int, filter *VectorFilter) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}

	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{
			Expected: s.config.Dimensions,
			Got:      len(query),
		}
	}

	if s.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalizedQuery := make([]float32, len(query))
	copy(normalizedQuery, query)
	normalizeVectorInPlace(normalizedQuery)

	fetchK := k
	if filter != nil && (filter.DocumentID != 0 || filter.Filename != "") {
		fetchK = k * 4
	}

	nodes := s.graph.Search(normalizedQuery, fetchK)

	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			// Lazy-deleted orphan, skip
			continue
		}

		meta := s.meta[id]
		if !filter.matches(meta) {
			continue
		}

		distance := s.graph.Distance(normalizedQuery, node.Value)
		results = append(results, &VectorResult{
			ChunkID:  id,
			Distance: distance,
			Score:    distanceToScore(distance),
			Meta:     meta,
		})

		if len(results) == k {
			break
		}
	}

	return results, nil
}

// Delete removes vectors by chunk ID using lazy deletion: mappings are
// dropped, the graph nodes stay but never appear in results.
func (s *VectorIndex) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.meta, id)
		}
	}

	return nil
}

// Contains checks if a chunk ID exists.
func (s *VectorIndex) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	_, exists := s.idMap[id]
	return exists
}

// Count returns the number of live vectors.
func (s *VectorIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}

	return len(s.idMap)
}

// Save persists the index to disk atomically (temp file + rename).
// The graph and the ID/metadata sidecar are written separately.
func (s *VectorIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	metaPath := path + ".meta"
	if err := s.saveMetadata(metaPath); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	return nil
}

// saveMetadata saves ID mappings and chunk metadata to a gob file.
func (s *VectorIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := vectorMetadata{
		IDMap:   s.idMap,
		Meta:    s.meta,
		NextKey: s.nextKey,
		Config:  s.config,
	}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load loads the index from disk.
func (s *VectorIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	metaPath := path + ".meta"
	if err := s.loadMetadata(metaPath); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires io.ByteReader
	reader := bufio.NewReader(file)
	if err := s.graph.Import(reader); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	return nil
}

// loadMetadata loads ID mappings and chunk metadata from a gob file.
func (s *VectorIndex) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta vectorMetadata

	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&meta); err != nil {
		return fmt.Errorf("decode vector metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.meta = meta.Meta
	s.keyMap = make(map[uint64]string)
	s.nextKey = meta.NextKey
	s.config = meta.Config

	if s.meta == nil {
		s.meta = make(map[string]VectorMeta)
	}
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}

	return nil
}

// Close releases resources.
func (s *VectorIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.graph = nil

	return nil
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts cosine distance (0..2) to a 0..1 similarity.
func distanceToScore(distance float32) float32 {
	return 1.0 - distance/2.0
}
