package embed

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder wraps StaticEmbedder and counts inner calls.
type countingEmbedder struct {
	*StaticEmbedder
	embedCalls atomic.Int32
	batchCalls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedCalls.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchCalls.Add(1)
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder_SecondCallHitsCache(t *testing.T) {
	// Given: a cached embedder over a counting inner
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	// When: embedding the same query twice
	a, err := cached.Embed(ctx, "contract renewal date")
	require.NoError(t, err)
	b, err := cached.Embed(ctx, "contract renewal date")
	require.NoError(t, err)

	// Then: only one inner call, identical vectors
	assert.Equal(t, int32(1), inner.embedCalls.Load())
	assert.Equal(t, a, b)
}

func TestCachedEmbedder_BatchOnlyComputesMisses(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	// Warm the cache with one text
	_, err := cached.Embed(ctx, "page one")
	require.NoError(t, err)

	// Batch with one hit and two misses
	vecs, err := cached.EmbedBatch(ctx, []string{"page one", "page two", "page three"})

	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, int32(1), inner.batchCalls.Load())
}

func TestCachedEmbedder_FullyCachedBatchSkipsInner(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	texts := []string{"alpha", "beta"}
	_, err := cached.EmbedBatch(ctx, texts)
	require.NoError(t, err)

	_, err = cached.EmbedBatch(ctx, texts)
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.batchCalls.Load())
}

func TestCachedEmbedder_Passthroughs(t *testing.T) {
	cached := NewCachedEmbedder(NewStaticEmbedder(), 0)

	assert.Equal(t, StaticDimensions, cached.Dimensions())
	assert.Equal(t, "static", cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
	assert.NoError(t, cached.Close())
}
