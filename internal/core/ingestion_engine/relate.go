package ingestion_engine

import (
	"strings"

	"github.com/markdave123-py/Docket/internal/models"
)

// RelateImages records on each chunk the ids of the images it refers to: an
// image the chunk links as a markdown target, e.g. ![chart](name), and for
// web chunks every image of the chunk's own page. Ids follow image order
// without duplicates.
func RelateImages(chunks []models.Chunk, images []models.Image) {
	if len(images) == 0 {
		return
	}
	for i := range chunks {
		ch := &chunks[i]
		seen := make(map[string]bool)
		var ids []string
		for _, img := range images {
			if seen[img.ID] {
				continue
			}
			if imageReferenced(ch, img) {
				seen[img.ID] = true
				ids = append(ids, img.ID)
			}
		}
		ch.RelatedImageIDs = ids
	}
}

func imageReferenced(ch *models.Chunk, img models.Image) bool {
	if wa, ok := img.Anchor.(models.WebAnchor); ok && ch.PageID != nil && *ch.PageID == wa.PageID {
		return true
	}
	return img.Name != "" && linksTo(ch.Content, img.Name)
}

// linksTo reports whether text has a markdown link or image whose target is
// exactly name, optionally followed by a title.
func linksTo(text, name string) bool {
	target := "](" + name
	for {
		i := strings.Index(text, target)
		if i < 0 {
			return false
		}
		text = text[i+len(target):]
		if strings.HasPrefix(text, ")") || strings.HasPrefix(text, " ") {
			return true
		}
	}
}
