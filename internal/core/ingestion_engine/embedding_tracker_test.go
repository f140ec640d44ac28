package ingestion_engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Docket/internal/models"
)

func chunksOf(texts ...string) []models.Chunk {
	out := make([]models.Chunk, len(texts))
	for i, t := range texts {
		out[i] = models.Chunk{SourceID: "s", SourceKind: models.SourceKindFile, ChunkNumber: i, Content: t}
	}
	return out
}

func TestEmbeddingTracker_OrderAndTagging(t *testing.T) {
	emb := &fakeEmbedder{dim: 1536}
	tracker := NewEmbeddingTracker(emb)

	out, rep, err := tracker.AttachEmbeddings(context.Background(), chunksOf("a", "bb", "ccc"))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Embedded)
	assert.Equal(t, []string{"a", "bb", "ccc"}, emb.calls)
	for i, c := range out {
		require.NotNil(t, c.Embedding)
		assert.True(t, c.EmbeddingGenerated)
		assert.Equal(t, 1536, c.Embedding.Dim)
		assert.Equal(t, float32(i+1), c.Embedding.Vector[0])
	}
}

func TestEmbeddingTracker_PerChunkFailure(t *testing.T) {
	tracker := NewEmbeddingTracker(&fakeEmbedder{dim: 384, failOn: "bad"})

	in := chunksOf("good", "bad one", "also good")
	out, rep, err := tracker.AttachEmbeddings(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Embedded)
	assert.Equal(t, 1, rep.Failed)
	assert.False(t, out[1].EmbeddingGenerated)
	assert.Nil(t, out[1].Embedding)
	assert.True(t, out[2].EmbeddingGenerated)
	assert.Nil(t, in[0].Embedding, "input slice is not modified")
}

func TestEmbeddingTracker_RefusesUnsupportedDimension(t *testing.T) {
	tracker := NewEmbeddingTracker(&fakeEmbedder{dim: 999})

	_, err := tracker.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnsupportedDimension)

	out, rep, err := tracker.AttachEmbeddings(context.Background(), chunksOf("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unsupported)
	assert.False(t, out[0].EmbeddingGenerated)
}

func TestEmbeddingTracker_Cancelled(t *testing.T) {
	tracker := NewEmbeddingTracker(&fakeEmbedder{dim: 768}, WithRateLimit(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := tracker.AttachEmbeddings(ctx, chunksOf("a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbeddingTracker_EmbedImages(t *testing.T) {
	tracker := NewEmbeddingTracker(&fakeEmbedder{dim: 768})
	images := []models.Image{{StoragePath: "a"}, {StoragePath: "b", OCRText: "label"}}

	failed, err := tracker.EmbedImages(context.Background(), images)
	require.NoError(t, err)
	assert.Zero(t, failed)
	assert.Nil(t, images[0].Embedding)
	require.NotNil(t, images[1].Embedding)
	assert.Equal(t, 768, images[1].Embedding.Dim)
}
