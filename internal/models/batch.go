package models

import (
	"errors"
	"fmt"
)

// ErrInvariant is wrapped by every batch validation failure.
var ErrInvariant = errors.New("ingestion invariant violated")

// IngestionBatch is everything one ingestion writes for a source. It is
// committed as a unit or not at all.
type IngestionBatch struct {
	Source *Source
	Pages  []Page
	Chunks []Chunk
	Images []Image
}

// Validate checks the referential and uniqueness rules the store relies on.
func (b *IngestionBatch) Validate() error {
	if b.Source == nil || b.Source.ID == "" {
		return fmt.Errorf("%w: batch has no source", ErrInvariant)
	}
	src := b.Source
	if src.Kind != SourceKindFile && src.Kind != SourceKindWeb {
		return fmt.Errorf("%w: unknown source kind %q", ErrInvariant, src.Kind)
	}
	if src.Kind == SourceKindFile && len(b.Pages) > 0 {
		return fmt.Errorf("%w: file source %s carries pages", ErrInvariant, src.ID)
	}

	pages := make(map[string]string, len(b.Pages))
	for _, p := range b.Pages {
		if p.SourceID != src.ID {
			return fmt.Errorf("%w: page %s belongs to %s", ErrInvariant, p.ID, p.SourceID)
		}
		if _, dup := pages[p.ID]; dup {
			return fmt.Errorf("%w: duplicate page %s", ErrInvariant, p.ID)
		}
		pages[p.ID] = p.URL
	}

	if err := b.validateChunks(pages); err != nil {
		return err
	}
	return b.validateImages(pages)
}

func (b *IngestionBatch) validateChunks(pages map[string]string) error {
	src := b.Source
	last := make(map[string]int)
	for _, c := range b.Chunks {
		if c.SourceID != src.ID || c.SourceKind != src.Kind {
			return fmt.Errorf("%w: chunk %d does not match source %s", ErrInvariant, c.ChunkNumber, src.ID)
		}
		// page_id is set iff the source is a web source
		if (c.PageID != nil) != (src.Kind == SourceKindWeb) {
			return fmt.Errorf("%w: chunk %d page_id presence does not match %s source", ErrInvariant, c.ChunkNumber, src.Kind)
		}
		scope := ""
		if c.PageID != nil {
			url, ok := pages[*c.PageID]
			if !ok {
				return fmt.Errorf("%w: chunk %d references unknown page %s", ErrInvariant, c.ChunkNumber, *c.PageID)
			}
			if c.URL != url {
				return fmt.Errorf("%w: chunk %d url %q differs from its page url %q", ErrInvariant, c.ChunkNumber, c.URL, url)
			}
			scope = url
		}
		prev, seen := last[scope]
		if seen && c.ChunkNumber <= prev {
			return fmt.Errorf("%w: chunk numbers out of order at %d", ErrInvariant, c.ChunkNumber)
		}
		last[scope] = c.ChunkNumber
		if c.Embedding != nil && !c.EmbeddingGenerated {
			return fmt.Errorf("%w: chunk %d has a vector but is not flagged", ErrInvariant, c.ChunkNumber)
		}
	}
	return nil
}

func (b *IngestionBatch) validateImages(pages map[string]string) error {
	src := b.Source
	type position struct {
		key   string
		index int
	}
	positions := make(map[position]bool, len(b.Images))
	paths := make(map[string]bool, len(b.Images))
	lastIndex := make(map[string]int)

	for _, img := range b.Images {
		if img.SourceID != src.ID {
			return fmt.Errorf("%w: image %s belongs to %s", ErrInvariant, img.StoragePath, img.SourceID)
		}
		if img.Anchor == nil || img.Anchor.SourceKind() != src.Kind {
			return fmt.Errorf("%w: image %s anchor does not match %s source", ErrInvariant, img.StoragePath, src.Kind)
		}
		if _, _, err := AnchorColumns(img.Anchor); err != nil {
			return fmt.Errorf("%w: image %s: %v", ErrInvariant, img.StoragePath, err)
		}
		if wa, ok := img.Anchor.(WebAnchor); ok {
			if _, known := pages[wa.PageID]; !known {
				return fmt.Errorf("%w: image %s references unknown page %s", ErrInvariant, img.StoragePath, wa.PageID)
			}
		}
		if img.ImageIndex < 0 {
			return fmt.Errorf("%w: image %s has negative index", ErrInvariant, img.StoragePath)
		}
		if img.StoragePath == "" || paths[img.StoragePath] {
			return fmt.Errorf("%w: storage path %q empty or reused", ErrInvariant, img.StoragePath)
		}
		paths[img.StoragePath] = true

		pos := position{key: img.Anchor.Key(), index: img.ImageIndex}
		if positions[pos] {
			return fmt.Errorf("%w: two images at position %s/%d", ErrInvariant, pos.key, pos.index)
		}
		positions[pos] = true

		if prev, seen := lastIndex[pos.key]; seen && img.ImageIndex <= prev {
			return fmt.Errorf("%w: images of %s out of index order", ErrInvariant, pos.key)
		}
		lastIndex[pos.key] = img.ImageIndex
	}
	return nil
}
