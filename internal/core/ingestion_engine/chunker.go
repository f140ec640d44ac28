package ingestion_engine

import (
	"strings"
)

const (
	DefaultChunkMaxSize = 5000
	DefaultChunkMinSize = 200

	codeFence = "```"
	paragraph = "\n\n"
	sentence  = ". "
)

// boundaryFloor is the share of the window a boundary must lie beyond to be
// used; earlier boundaries would produce tiny chunks.
const boundaryFloor = 0.3

// TextChunk is one chunk of extracted text. Concatenating every Text of a
// Chunk call reproduces the input exactly.
type TextChunk struct {
	Text      string
	CharCount int
	WordCount int
}

// Chunker splits text into windows of at most maxSize characters, cutting
// at the best boundary inside each window.
type Chunker struct {
	maxSize int
	minSize int
}

func NewChunker(maxSize, minSize int) *Chunker {
	if maxSize <= 0 {
		maxSize = DefaultChunkMaxSize
	}
	if minSize < 0 || minSize >= maxSize {
		minSize = DefaultChunkMinSize
		if minSize >= maxSize {
			minSize = maxSize / 2
		}
	}
	return &Chunker{maxSize: maxSize, minSize: minSize}
}

type span struct{ start, end int }

// Chunk is deterministic and has no side effects. Sizes are counted in
// characters (runes), not bytes.
func (c *Chunker) Chunk(text string) []TextChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)

	var spans []span
	for start := 0; start < len(runes); {
		if len(runes)-start <= c.maxSize {
			spans = append(spans, span{start, len(runes)})
			break
		}
		cut := findBoundary(runes[start : start+c.maxSize])
		spans = append(spans, span{start, start + cut})
		start += cut
	}

	spans = c.mergeSmall(spans)

	out := make([]TextChunk, 0, len(spans))
	for _, s := range spans {
		t := string(runes[s.start:s.end])
		out = append(out, TextChunk{Text: t, CharCount: s.end - s.start, WordCount: len(strings.Fields(t))})
	}
	return out
}

// findBoundary returns the cut position within window, trying in order a
// code fence (cut before it), a blank line, then a sentence end (cut after
// each), and finally the window end.
func findBoundary(window []rune) int {
	floor := int(float64(len(window)) * boundaryFloor)
	w := string(window)

	if i := lastRuneIndex(w, codeFence); i > floor {
		return i
	}
	if i := lastRuneIndex(w, paragraph); i > floor {
		return i + 2
	}
	if i := lastRuneIndex(w, sentence); i > floor {
		return i + 2
	}
	return len(window)
}

// lastRuneIndex is strings.LastIndex measured in runes.
func lastRuneIndex(s, sep string) int {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return -1
	}
	return len([]rune(s[:i]))
}

// mergeSmall folds every span shorter than minSize into the following span,
// or into the preceding one when it is last.
func (c *Chunker) mergeSmall(spans []span) []span {
	for i := 0; i < len(spans) && len(spans) > 1; {
		if spans[i].end-spans[i].start >= c.minSize {
			i++
			continue
		}
		if i < len(spans)-1 {
			spans[i+1].start = spans[i].start
		} else {
			spans[i-1].end = spans[i].end
		}
		spans = append(spans[:i], spans[i+1:]...)
		if i == len(spans) {
			break
		}
	}
	return spans
}
