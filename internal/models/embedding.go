package models

import (
	"errors"
	"fmt"
)

// EmbeddingSlots are the fixed vector widths the store has a column for.
var EmbeddingSlots = []int{384, 768, 1024, 1536, 3072}

var ErrUnsupportedDimension = errors.New("embedding dimension has no storage slot")

// SlotFor returns dim when a column of that width exists.
func SlotFor(dim int) (int, error) {
	for _, s := range EmbeddingSlots {
		if s == dim {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %d (supported %v)", ErrUnsupportedDimension, dim, EmbeddingSlots)
}

// NewEmbedding validates vec against the slots and tags it with model.
func NewEmbedding(model string, vec []float32) (*Embedding, error) {
	dim, err := SlotFor(len(vec))
	if err != nil {
		return nil, err
	}
	return &Embedding{Model: model, Dim: dim, Vector: vec}, nil
}
