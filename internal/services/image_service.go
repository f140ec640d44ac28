package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/markdave123-py/Docket/internal/core"
	"github.com/markdave123-py/Docket/internal/models"
)

// ImageLocation is an image row plus a short lived URL to its bytes.
type ImageLocation struct {
	Image     *models.Image `json:"image"`
	URL       string        `json:"url"`
	ExpiresAt time.Time     `json:"expires_at"`
}

type ImageService struct {
	db      core.DbClient
	storage core.ObjectClient
	bucket  string
	ttl     time.Duration
}

func NewImageService(db core.DbClient, storage core.ObjectClient, bucket string, ttl time.Duration) *ImageService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ImageService{db: db, storage: storage, bucket: bucket, ttl: ttl}
}

// Locate finds the image at position (page, index) of a source. page is a
// page number for file sources and a page id for web sources.
func (s *ImageService) Locate(ctx context.Context, sourceID, page string, index int) (*ImageLocation, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: negative image index", ErrInvalidRequest)
	}
	src, err := s.db.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, sourceID)
	}

	var anchor models.Anchor
	switch src.Kind {
	case models.SourceKindFile:
		n, err := strconv.Atoi(page)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: page must be a number >= 1 for file sources", ErrInvalidRequest)
		}
		anchor = models.FileAnchor{PageNumber: n}
	default:
		anchor = models.WebAnchor{PageID: page}
	}

	img, err := s.db.GetImageByPosition(ctx, sourceID, anchor, index)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: %s/%s/%d", ErrImageNotFound, sourceID, page, index)
	}

	url, err := s.storage.PresignGet(ctx, s.bucket, img.StoragePath, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("sign image url: %w", err)
	}
	return &ImageLocation{Image: img, URL: url, ExpiresAt: time.Now().Add(s.ttl).UTC()}, nil
}
