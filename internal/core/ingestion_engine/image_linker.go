package ingestion_engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Docket/internal/core"
	"github.com/markdave123-py/Docket/internal/models"
)

const defaultLinkConcurrency = 4

var errEmptyImage = errors.New("image payload is empty")

// AnchoredImage is an extracted image together with the position it was
// found at.
type AnchoredImage struct {
	Anchor models.Anchor
	models.ExtractedImage
}

// FileAnchored anchors engine output to file pages. Images without a page
// number belong to page 1.
func FileAnchored(images []models.ExtractedImage) []AnchoredImage {
	out := make([]AnchoredImage, 0, len(images))
	for _, img := range images {
		page := 1
		if img.PageNumber != nil && *img.PageNumber >= 1 {
			page = *img.PageNumber
		}
		out = append(out, AnchoredImage{Anchor: models.FileAnchor{PageNumber: page}, ExtractedImage: img})
	}
	return out
}

// WebAnchored anchors every image to the crawled page pageID.
func WebAnchored(pageID string, images []models.ExtractedImage) []AnchoredImage {
	out := make([]AnchoredImage, 0, len(images))
	for _, img := range images {
		out = append(out, AnchoredImage{Anchor: models.WebAnchor{PageID: pageID}, ExtractedImage: img})
	}
	return out
}

// LinkOptions turns on the optional per image enrichment.
type LinkOptions struct {
	OCR      bool
	Classify bool
	Language string
}

// LinkResult lists the stored images in (anchor, image_index) order.
type LinkResult struct {
	Images   []models.Image
	Failed   int
	Failures []string
	Warnings []string
	// UploadedKeys are the object keys written by this call, including
	// overwrites, for cleanup when the ingestion does not commit.
	UploadedKeys []string
}

// ImageLinker decodes extracted images, stores their bytes and builds the
// metadata rows that position them inside their source.
type ImageLinker struct {
	obj         core.ObjectClient
	bucket      string
	recognizer  core.ImageTextRecognizer
	classifier  core.ImageClassifier
	concurrency int
	logger      *slog.Logger
}

type LinkerOption func(*ImageLinker)

func WithRecognizer(r core.ImageTextRecognizer) LinkerOption {
	return func(l *ImageLinker) { l.recognizer = r }
}

func WithImageClassifier(c core.ImageClassifier) LinkerOption {
	return func(l *ImageLinker) { l.classifier = c }
}

func WithLinkConcurrency(n int) LinkerOption {
	return func(l *ImageLinker) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

func WithLinkerLogger(logger *slog.Logger) LinkerOption {
	return func(l *ImageLinker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewImageLinker(obj core.ObjectClient, bucket string, opts ...LinkerOption) *ImageLinker {
	l := &ImageLinker{
		obj:         obj,
		bucket:      bucket,
		concurrency: defaultLinkConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "image_linker")
	return l
}

type linkItem struct {
	anchor models.Anchor
	index  int
	src    models.ExtractedImage
}

type linkSlot struct {
	image    *models.Image
	uploaded string
	failure  string
	warnings []string
}

// Link stores every image and returns its metadata. A failing image is
// skipped and tallied; only cancellation fails the call.
func (l *ImageLinker) Link(ctx context.Context, src *models.Source, images []AnchoredImage, opts LinkOptions) (*LinkResult, error) {
	res := &LinkResult{}
	items, rejected := l.assignIndices(src, images)
	for _, r := range rejected {
		res.Failed++
		res.Failures = append(res.Failures, r)
	}

	slots := make([]linkSlot, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = l.linkOne(gctx, src.ID, items[i], opts)
			return nil
		})
	}
	err := g.Wait()

	for _, s := range slots {
		if s.uploaded != "" {
			res.UploadedKeys = append(res.UploadedKeys, s.uploaded)
		}
		res.Warnings = append(res.Warnings, s.warnings...)
		switch {
		case s.image != nil:
			res.Images = append(res.Images, *s.image)
		case s.failure != "":
			res.Failed++
			res.Failures = append(res.Failures, s.failure)
		}
	}
	if err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if res.Failed > 0 {
		l.logger.Warn("some images were not stored", "source_id", src.ID, "failed", res.Failed, "stored", len(res.Images))
	}
	return res, nil
}

// assignIndices groups images by anchor in first seen order and gives each
// its image_index. Reported indices are kept when every image of the anchor
// has a distinct non-negative one, otherwise images are numbered in the
// order they were reported.
func (l *ImageLinker) assignIndices(src *models.Source, images []AnchoredImage) ([]linkItem, []string) {
	type group struct {
		anchor models.Anchor
		images []models.ExtractedImage
	}
	var (
		order    []string
		groups   = make(map[string]*group)
		rejected []string
	)
	for _, img := range images {
		if img.Anchor == nil || img.Anchor.SourceKind() != src.Kind {
			rejected = append(rejected, fmt.Sprintf("%s: anchor does not match %s source", img.Name, src.Kind))
			continue
		}
		if _, _, err := models.AnchorColumns(img.Anchor); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", img.Name, err))
			continue
		}
		key := img.Anchor.Key()
		gr, ok := groups[key]
		if !ok {
			gr = &group{anchor: img.Anchor}
			groups[key] = gr
			order = append(order, key)
		}
		gr.images = append(gr.images, img.ExtractedImage)
	}

	var items []linkItem
	for _, key := range order {
		gr := groups[key]
		if reportedIndicesUsable(gr.images) {
			sorted := make([]models.ExtractedImage, len(gr.images))
			copy(sorted, gr.images)
			sort.SliceStable(sorted, func(a, b int) bool { return *sorted[a].ImageIndex < *sorted[b].ImageIndex })
			for _, img := range sorted {
				items = append(items, linkItem{anchor: gr.anchor, index: *img.ImageIndex, src: img})
			}
			continue
		}
		for i, img := range gr.images {
			items = append(items, linkItem{anchor: gr.anchor, index: i, src: img})
		}
	}
	return items, rejected
}

func reportedIndicesUsable(images []models.ExtractedImage) bool {
	seen := make(map[int]bool, len(images))
	for _, img := range images {
		if img.ImageIndex == nil || *img.ImageIndex < 0 || seen[*img.ImageIndex] {
			return false
		}
		seen[*img.ImageIndex] = true
	}
	return true
}

func (l *ImageLinker) linkOne(ctx context.Context, sourceID string, it linkItem, opts LinkOptions) linkSlot {
	data, declared, err := decodePayload(it.src.Base64)
	if err != nil {
		return linkSlot{failure: fmt.Sprintf("%s: decode: %v", it.src.Name, err)}
	}
	mimeType := detectMime(firstNonEmpty(it.src.MimeType, declared), data)
	key := StoragePath(sourceID, it.anchor, it.index, mimeType)

	if _, err := l.obj.UploadFile(ctx, l.bucket, key, bytes.NewReader(data), mimeType); err != nil {
		l.logger.Warn("image upload failed", "source_id", sourceID, "storage_path", key, "error", err)
		return linkSlot{failure: fmt.Sprintf("%s: upload: %v", key, err)}
	}

	img := &models.Image{
		ID:          ImageID(key),
		SourceID:    sourceID,
		Anchor:      it.anchor,
		ImageIndex:  it.index,
		Name:        firstNonEmpty(it.src.Name, fmt.Sprintf("%s_%d", it.anchor.Key(), it.index)),
		StoragePath: key,
		MimeType:    mimeType,
		ByteSize:    len(data),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		img.Width, img.Height = cfg.Width, cfg.Height
	}

	slot := linkSlot{image: img, uploaded: key}
	if opts.OCR && l.recognizer != nil {
		text, err := l.recognizer.RecognizeImage(ctx, data, opts.Language)
		if err != nil {
			slot.warnings = append(slot.warnings, fmt.Sprintf("%s: ocr: %v", key, err))
		} else {
			img.OCRText = strings.TrimSpace(text)
		}
	}
	if opts.Classify && l.classifier != nil {
		label, err := l.classifier.ClassifyImage(ctx, data, mimeType)
		if err != nil {
			slot.warnings = append(slot.warnings, fmt.Sprintf("%s: classify: %v", key, err))
		} else {
			img.Classification = label
		}
	}
	return slot
}

// Fetch reads the stored bytes of img.
func (l *ImageLinker) Fetch(ctx context.Context, img *models.Image) ([]byte, error) {
	return l.obj.GetFile(ctx, l.bucket, img.StoragePath)
}

// StoragePath is {source_id}/{positional_key}_{image_index}.{ext}.
func StoragePath(sourceID string, anchor models.Anchor, index int, mimeType string) string {
	return fmt.Sprintf("%s/%s_%d.%s", sourceID, anchor.Key(), index, extensionFor(mimeType))
}

var imageExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/tiff": "tiff",
	"image/bmp":  "bmp",
}

func extensionFor(mimeType string) string {
	if ext, ok := imageExtensions[mimeType]; ok {
		return ext
	}
	return "bin"
}

// decodePayload accepts plain or data URI base64 and returns the bytes plus
// the media type a data URI declared.
func decodePayload(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	declared := ""
	if strings.HasPrefix(payload, "data:") {
		if comma := strings.IndexByte(payload, ','); comma > 0 {
			meta := payload[len("data:"):comma]
			declared, _, _ = strings.Cut(meta, ";")
			payload = payload[comma+1:]
		}
	}
	if payload == "" {
		return nil, "", errEmptyImage
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		var rawErr error
		if data, rawErr = base64.RawStdEncoding.DecodeString(payload); rawErr != nil {
			return nil, "", err
		}
	}
	if len(data) == 0 {
		return nil, "", errEmptyImage
	}
	return data, declared, nil
}

func detectMime(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return strings.ToLower(mt)
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
