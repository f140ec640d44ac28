package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Anchor positions an image inside its source. File sources anchor by page
// number, web sources by the owning page object. The set of implementations
// is closed.
type Anchor interface {
	SourceKind() SourceKind
	// Key is the positional key used in storage paths.
	Key() string
	isAnchor()
}

// FileAnchor places an image on a 1-indexed page of an uploaded file.
type FileAnchor struct {
	PageNumber int
}

func (FileAnchor) SourceKind() SourceKind { return SourceKindFile }
func (a FileAnchor) Key() string          { return strconv.Itoa(a.PageNumber) }
func (FileAnchor) isAnchor()              {}

// WebAnchor places an image on a crawled page.
type WebAnchor struct {
	PageID string
}

func (WebAnchor) SourceKind() SourceKind { return SourceKindWeb }
func (a WebAnchor) Key() string          { return a.PageID }
func (WebAnchor) isAnchor()              {}

// AnchorColumns flattens an anchor into the nullable (page_number, page_id)
// column pair. Exactly one of the two is non-nil.
func AnchorColumns(a Anchor) (pageNumber *int, pageID *string, err error) {
	switch v := a.(type) {
	case FileAnchor:
		if v.PageNumber < 1 {
			return nil, nil, fmt.Errorf("file anchor page number must be >= 1, got %d", v.PageNumber)
		}
		n := v.PageNumber
		return &n, nil, nil
	case WebAnchor:
		if v.PageID == "" {
			return nil, nil, fmt.Errorf("web anchor requires a page id")
		}
		id := v.PageID
		return nil, &id, nil
	default:
		return nil, nil, fmt.Errorf("unknown anchor %T", a)
	}
}

// AnchorFromColumns rebuilds the anchor from its stored columns.
func AnchorFromColumns(kind SourceKind, pageNumber *int, pageID *string) (Anchor, error) {
	switch kind {
	case SourceKindFile:
		if pageNumber == nil || pageID != nil {
			return nil, fmt.Errorf("file image must have page_number and no page_id")
		}
		return FileAnchor{PageNumber: *pageNumber}, nil
	case SourceKindWeb:
		if pageID == nil || pageNumber != nil {
			return nil, fmt.Errorf("web image must have page_id and no page_number")
		}
		return WebAnchor{PageID: *pageID}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

type anchorJSON struct {
	Kind       SourceKind `json:"kind"`
	PageNumber *int       `json:"page_number,omitempty"`
	PageID     *string    `json:"page_id,omitempty"`
}

func (a FileAnchor) MarshalJSON() ([]byte, error) {
	n := a.PageNumber
	return json.Marshal(anchorJSON{Kind: SourceKindFile, PageNumber: &n})
}

func (a WebAnchor) MarshalJSON() ([]byte, error) {
	id := a.PageID
	return json.Marshal(anchorJSON{Kind: SourceKindWeb, PageID: &id})
}
