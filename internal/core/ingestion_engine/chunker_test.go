package ingestion_engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joined(chunks []TextChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestChunker_ExactMaxIsSingleChunk(t *testing.T) {
	text := strings.Repeat("a", 5000)
	chunks := NewChunker(5000, 200).Chunk(text)

	require.Len(t, chunks, 1)
	assert.Equal(t, 5000, chunks[0].CharCount)
	assert.Equal(t, text, chunks[0].Text)
}

func TestChunker_HardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("a", 12000)
	chunks := NewChunker(5000, 200).Chunk(text)

	require.Len(t, chunks, 3)
	assert.Equal(t, 5000, chunks[0].CharCount)
	assert.Equal(t, 5000, chunks[1].CharCount)
	assert.Equal(t, 2000, chunks[2].CharCount)
}

func TestChunker_TrailingFragmentMergedIntoPrevious(t *testing.T) {
	text := strings.Repeat("a", 5000) + strings.Repeat("b", 150)
	chunks := NewChunker(5000, 200).Chunk(text)

	require.Len(t, chunks, 1)
	assert.Equal(t, 5150, chunks[0].CharCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, strings.Repeat("b", 150)))
}

func TestChunker_TrailingFragmentAfterParagraphs(t *testing.T) {
	first := strings.Repeat("p", 4000) + "\n\n"
	second := strings.Repeat("q", 4998) + "\n\n"
	tail := strings.Repeat("t", 150)
	chunks := NewChunker(5000, 200).Chunk(first + second + tail)

	require.Len(t, chunks, 2)
	assert.Equal(t, first, chunks[0].Text)
	assert.Equal(t, second+tail, chunks[1].Text)
}

func TestChunker_CutsBeforeCodeFence(t *testing.T) {
	text := strings.Repeat("x", 2000) + "```go\n" + strings.Repeat("y", 3100)
	chunks := NewChunker(5000, 200).Chunk(text)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("x", 2000), chunks[0].Text)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "```go"))
	assert.Equal(t, text, joined(chunks))
}

func TestChunker_SmallChunkMergedForward(t *testing.T) {
	// first cut lands after the blank line at 37 chars, below the minimum
	text := strings.Repeat("a", 35) + "\n\n" + strings.Repeat("b", 150)
	chunks := NewChunker(100, 50).Chunk(text)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 35)+"\n\n"+strings.Repeat("b", 100), chunks[0].Text)
	assert.Equal(t, strings.Repeat("b", 50), chunks[1].Text)
}

func TestChunker_BoundaryPriority(t *testing.T) {
	c := NewChunker(100, 10)

	t.Run("code fence beats paragraph", func(t *testing.T) {
		text := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 10) + "```" + strings.Repeat("c", 100)
		chunks := c.Chunk(text)
		assert.Equal(t, strings.Repeat("a", 40)+"\n\n"+strings.Repeat("b", 10), chunks[0].Text)
	})

	t.Run("paragraph beats sentence", func(t *testing.T) {
		text := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 20) + ". " + strings.Repeat("c", 100)
		chunks := c.Chunk(text)
		assert.Equal(t, strings.Repeat("a", 40)+"\n\n", chunks[0].Text)
	})

	t.Run("sentence when nothing else", func(t *testing.T) {
		text := strings.Repeat("a", 50) + ". " + strings.Repeat("c", 100)
		chunks := c.Chunk(text)
		assert.Equal(t, strings.Repeat("a", 50)+". ", chunks[0].Text)
	})

	t.Run("boundaries in the first 30 percent are ignored", func(t *testing.T) {
		text := strings.Repeat("a", 10) + "\n\n" + strings.Repeat("b", 150)
		chunks := c.Chunk(text)
		assert.Equal(t, 100, chunks[0].CharCount)
	})
}

func TestChunker_Idempotent(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("Sentence number one is here. ")
		if i%7 == 0 {
			b.WriteString("\n\n")
		}
		if i%50 == 0 {
			b.WriteString("```\ncode()\n```\n")
		}
	}
	text := b.String()
	c := NewChunker(1000, 100)

	first := c.Chunk(text)
	second := c.Chunk(text)
	assert.Equal(t, first, second)
	assert.Equal(t, text, joined(first))

	for i, ch := range first {
		assert.GreaterOrEqual(t, ch.CharCount, 100, "chunk %d", i)
	}
}

func TestChunker_CountsRunes(t *testing.T) {
	text := strings.Repeat("é", 120)
	chunks := NewChunker(100, 10).Chunk(text)

	require.Len(t, chunks, 2)
	assert.Equal(t, 100, chunks[0].CharCount)
	assert.Equal(t, 20, chunks[1].CharCount)
}

func TestChunker_EmptyInput(t *testing.T) {
	assert.Nil(t, NewChunker(0, 0).Chunk("  \n\t "))
}

func TestChunker_WordCount(t *testing.T) {
	chunks := NewChunker(0, 0).Chunk("one two  three\nfour")
	require.Len(t, chunks, 1)
	assert.Equal(t, 4, chunks[0].WordCount)
}
