package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Docket/internal/core/classifier"
	"github.com/markdave123-py/Docket/internal/core/coretest"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/models"
)

const testBucket = "docket"

type harness struct {
	db    *coretest.MemDB
	store *coretest.MemStore
	emb   *fakeEmbedder
	ext   *fakeExtractor
	ing   *DocumentIngestor
}

func newHarness(t *testing.T, cfg IngestConfig) *harness {
	t.Helper()
	ext := &fakeExtractor{cls: classifier.Scanned}
	h := newHarnessWith(t, cfg, ext)
	h.ext = ext
	return h
}

func newHarnessWith(t *testing.T, cfg IngestConfig, ext Extractor) *harness {
	t.Helper()
	h := &harness{
		db:    coretest.NewMemDB(),
		store: coretest.NewMemStore(),
		emb:   &fakeEmbedder{dim: 768},
	}
	cfg.Bucket = testBucket
	ing, err := NewDocumentIngestor(h.db, h.store, ext,
		NewEmbeddingTracker(h.emb),
		NewImageLinker(h.store, testBucket),
		cfg,
	)
	require.NoError(t, err)
	t.Cleanup(ing.Stop)
	h.ing = ing
	return h
}

func (h *harness) addFile(t *testing.T, data []byte) string {
	t.Helper()
	id := SourceIDForContent(data)
	key := "uploads/" + id + "/scan.pdf"
	h.store.Put(key, data)
	require.NoError(t, h.db.UpsertSource(context.Background(), &models.Source{
		ID: id, Kind: models.SourceKindFile, Title: "scan.pdf", BlobKey: key,
		ContentType: "application/pdf", Phase: models.PhasePending,
	}))
	return id
}

func (h *harness) addSite(t *testing.T, payload models.CrawlPayload) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id := SourceIDForSite(payload.SiteURL)
	key := "uploads/" + id + "/crawl.json"
	h.store.Put(key, raw)
	require.NoError(t, h.db.UpsertSource(context.Background(), &models.Source{
		ID: id, Kind: models.SourceKindWeb, Title: payload.SiteURL, BlobKey: key,
		ContentType: "application/json", Phase: models.PhasePending,
	}))
	return id
}

func (h *harness) report(t *testing.T, id string) *IngestionReport {
	t.Helper()
	rep, err := DecodeReport(h.db.Report(id))
	require.NoError(t, err)
	require.NotNil(t, rep)
	return rep
}

func TestProcessOne_FileSource(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineFast, strings.Repeat("a", 12000),
			extracted(t, "fig1", intp(2), nil),
			extracted(t, "fig2", intp(2), nil),
			extracted(t, "cover", nil, intp(3)),
		), nil
	}
	id := h.addFile(t, []byte("%PDF-1.7 scanned"))

	rep, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id, Intent: ocr.Intent{OCR: true}})
	require.NoError(t, err)
	assert.Equal(t, ocr.EngineFast, rep.Engine)
	assert.Equal(t, classifier.Scanned, rep.Classification)
	assert.Equal(t, 3, rep.Chunks)
	assert.Equal(t, 3, rep.Images)

	chunks := h.db.Chunks(id)
	require.Len(t, chunks, 3)
	for n, c := range chunks {
		assert.Nil(t, c.PageID, "file chunks carry no page id")
		assert.Equal(t, n, c.ChunkNumber)
		assert.True(t, c.EmbeddingGenerated)
		require.NotNil(t, c.Embedding)
		assert.Equal(t, 768, c.Embedding.Dim)
		assert.Equal(t, "fake-embed", c.Embedding.Model)
	}

	var paths []string
	for _, img := range h.db.Images(id) {
		paths = append(paths, img.StoragePath)
	}
	assert.Equal(t, []string{id + "/2_0.png", id + "/2_1.png", id + "/1_3.png"}, paths)

	src, _ := h.db.GetSource(context.Background(), id)
	assert.Equal(t, models.PhaseComplete, src.Phase)
	assert.Equal(t, 12000, chunks[0].CharCount+chunks[1].CharCount+chunks[2].CharCount)
	assert.Equal(t, []models.Phase{
		models.PhaseClassifying, models.PhaseExtracting, models.PhaseChunking,
		models.PhaseEmbedding, models.PhaseStoring, models.PhaseComplete,
	}, h.db.Phases(id))

	p, ok := h.ing.Progress(id)
	require.True(t, ok)
	assert.Equal(t, models.PhaseComplete, p.Phase)
}

func TestProcessOne_ExhaustionStoresNothing(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return nil, &ocr.ExhaustedError{Attempts: []ocr.Attempt{
			{Engine: ocr.EngineFast, Outcome: ocr.OutcomeFailed, Reason: "boom"},
			{Engine: ocr.EngineRobust, Outcome: ocr.OutcomeUnhealthy, Reason: "down"},
			{Engine: ocr.EnginePlain, Outcome: ocr.OutcomeFailed, Reason: "empty"},
		}}
	}
	id := h.addFile(t, []byte("%PDF-1.7 unreadable"))

	_, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id, Intent: ocr.Intent{OCR: true}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ocr.ErrEnginesExhausted)
	for _, name := range []string{ocr.EngineFast, ocr.EngineRobust, ocr.EnginePlain} {
		assert.Contains(t, err.Error(), name)
	}

	assert.Empty(t, h.db.Chunks(id))
	assert.Empty(t, h.db.Images(id))
	assert.Empty(t, h.store.Keys(id+"/"))

	src, _ := h.db.GetSource(context.Background(), id)
	assert.Equal(t, models.PhaseFailed, src.Phase)
	rep := h.report(t, id)
	assert.Len(t, rep.Attempts, 3)
	assert.NotEmpty(t, rep.Error)

	p, _ := h.ing.Progress(id)
	assert.Equal(t, models.PhaseFailed, p.Phase)
}

func TestProcessOne_PersistFailureRemovesUploads(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.db.PersistErr = errors.New("connection reset")
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineFast, "some text", extracted(t, "fig", intp(1), nil)), nil
	}
	id := h.addFile(t, []byte("%PDF-1.7 a"))

	_, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	require.Error(t, err)
	assert.Empty(t, h.store.Keys(id+"/"))
	assert.Contains(t, h.store.Deleted(), id+"/1_0.png")
}

func TestProcessOne_CancelledDuringEmbedding(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineFast, "text to embed", extracted(t, "fig", intp(1), nil)), nil
	}
	id := h.addFile(t, []byte("%PDF-1.7 b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	block := make(chan struct{})
	h.emb.block = block
	go func() {
		<-block
		cancel()
	}()

	_, err := h.ing.ProcessOne(ctx, IngestJob{SourceID: id})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.db.Chunks(id))
	assert.Empty(t, h.db.Images(id))
	assert.Empty(t, h.store.Keys(id+"/"))

	src, _ := h.db.GetSource(context.Background(), id)
	assert.Equal(t, models.PhaseFailed, src.Phase)
}

func TestProcessOne_UnsupportedDimensionKeepsChunks(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.emb.dim = 999
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineFast, strings.Repeat("b", 6000)), nil
	}
	id := h.addFile(t, []byte("%PDF-1.7 c"))

	rep, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.EmbeddingsFailed)

	chunks := h.db.Chunks(id)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.False(t, c.EmbeddingGenerated)
		assert.Nil(t, c.Embedding)
	}
}

func TestProcessOne_ImageRoundTrip(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineRobust, "caption",
			extracted(t, "a", intp(2), intp(0)),
			extracted(t, "b", intp(2), intp(1)),
		), nil
	}
	id := h.addFile(t, []byte("%PDF-1.7 d"))
	_, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	require.NoError(t, err)

	img, err := h.db.GetImageByPosition(context.Background(), id, models.FileAnchor{PageNumber: 2}, 1)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, "b", img.Name)
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, 4, img.Width)
	assert.Equal(t, 3, img.Height)

	data, err := NewImageLinker(h.store, testBucket).Fetch(context.Background(), img)
	require.NoError(t, err)
	assert.Len(t, data, img.ByteSize)
	assert.Equal(t, pngBytes(t, 4, 3), data)
}

func TestProcessOne_ReingestRemovesObsoleteImages(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	images := []models.ExtractedImage{extracted(t, "a", intp(1), nil), extracted(t, "b", intp(1), nil)}
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineFast, "text", images...), nil
	}
	id := h.addFile(t, []byte("%PDF-1.7 e"))
	_, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	require.NoError(t, err)
	require.Len(t, h.store.Keys(id+"/"), 2)

	images = images[:1]
	_, err = h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	require.NoError(t, err)
	assert.Equal(t, []string{id + "/1_0.png"}, h.store.Keys(id+"/"))
	assert.Len(t, h.db.Images(id), 1)
}

func TestProcessOne_WebSource(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(req ocr.Request) (*ocr.Outcome, error) {
		html := string(req.FileBytes)
		if strings.Contains(html, "broken") {
			return nil, &ocr.ExhaustedError{Attempts: []ocr.Attempt{{Engine: ocr.EnginePlain, Outcome: ocr.OutcomeFailed, Reason: "no text"}}}
		}
		return outcome(ocr.EnginePlain, "text of "+html), nil
	}
	site := models.CrawlPayload{
		SiteURL: "https://docs.example.com",
		Pages: []models.CrawledPage{
			{URL: "https://docs.example.com/a", Title: "A", HTML: "page a", Images: []models.ExtractedImage{extracted(t, "logo", nil, nil)}},
			{URL: "https://docs.example.com/b", Title: "B", HTML: "page b"},
			{URL: "https://docs.example.com/c", Title: "C", HTML: "broken"},
		},
	}
	id := h.addSite(t, site)

	rep, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Pages)
	assert.NotEmpty(t, rep.Warnings)

	pageA := PageID(id, "https://docs.example.com/a")
	pageB := PageID(id, "https://docs.example.com/b")
	require.Len(t, h.db.Pages(id), 2)

	chunks := h.db.Chunks(id)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		require.NotNil(t, c.PageID, "web chunks carry their page id")
		assert.Equal(t, 0, c.ChunkNumber)
	}
	assert.Equal(t, pageA, *chunks[0].PageID)
	assert.Equal(t, "https://docs.example.com/a", chunks[0].URL)
	assert.Equal(t, pageB, *chunks[1].PageID)

	imgs := h.db.Images(id)
	require.Len(t, imgs, 1)
	assert.Equal(t, models.WebAnchor{PageID: pageA}, imgs[0].Anchor)
	assert.Equal(t, id+"/"+pageA+"_0.png", imgs[0].StoragePath)
	assert.Equal(t, []string{imgs[0].ID}, chunks[0].RelatedImageIDs)
	assert.Empty(t, chunks[1].RelatedImageIDs)
}

func TestProcessOne_SitesSharingAPage(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(req ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EnginePlain, string(req.FileBytes)), nil
	}
	shared := models.CrawledPage{URL: "https://a.example.com/docs/intro", HTML: "intro text"}
	first := h.addSite(t, models.CrawlPayload{SiteURL: "https://a.example.com", Pages: []models.CrawledPage{shared}})
	second := h.addSite(t, models.CrawlPayload{SiteURL: "https://a.example.com/docs", Pages: []models.CrawledPage{shared}})

	for _, id := range []string{first, second} {
		_, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
		require.NoError(t, err)
	}

	a, b := h.db.Chunks(first), h.db.Chunks(second)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].URL, b[0].URL)
	assert.Equal(t, a[0].ChunkNumber, b[0].ChunkNumber)
	assert.NotEqual(t, a[0].ID, b[0].ID, "each site owns its chunk rows")
}

func TestProcessOne_WebSourceAllPagesFail(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return nil, &ocr.ExhaustedError{Attempts: []ocr.Attempt{{Engine: ocr.EnginePlain, Outcome: ocr.OutcomeFailed, Reason: "no text"}}}
	}
	id := h.addSite(t, models.CrawlPayload{
		SiteURL: "https://empty.example.com",
		Pages:   []models.CrawledPage{{URL: "https://empty.example.com/", HTML: "<html></html>"}},
	})

	_, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	assert.ErrorIs(t, err, ocr.ErrEnginesExhausted)
	assert.Empty(t, h.db.Pages(id))
}

func TestProcessOne_WebSourceWithPlainExtraction(t *testing.T) {
	orch := ocr.NewOrchestrator(
		ocr.WithEngine(ocr.NewPlainEngine(false)),
		ocr.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	h := newHarnessWith(t, IngestConfig{}, orch)
	id := h.addSite(t, models.CrawlPayload{
		SiteURL: "https://guide.example.com",
		Pages: []models.CrawledPage{{
			URL:   "https://guide.example.com/setup",
			Title: "Setup",
			HTML: `<!DOCTYPE html><html><head><title>Setup</title>
<script>window.dataLayer = window.dataLayer || [];</script></head>
<body><h1>Setup guide</h1><p>Create a bucket before the first upload.</p>
<p>Workers pick up queued sources in the background.</p></body></html>`,
		}},
	})

	rep, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	require.NoError(t, err)
	assert.Equal(t, ocr.EnginePlain, rep.Engine)
	assert.Equal(t, 1, rep.Pages)

	chunks := h.db.Chunks(id)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "Create a bucket before the first upload.")
	assert.NotContains(t, chunks[0].Content, "dataLayer")
	require.NotNil(t, chunks[0].PageID)
}

func TestProcessOne_UnknownSource(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	_, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: "missing"})
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestIngestor_QueueBounds(t *testing.T) {
	h := newHarness(t, IngestConfig{QueueSize: 1})

	require.NoError(t, h.ing.Enqueue(IngestJob{SourceID: "a"}))
	assert.ErrorIs(t, h.ing.Enqueue(IngestJob{SourceID: "b"}), ErrQueueFull)

	h.ing.Stop()
	assert.ErrorIs(t, h.ing.Enqueue(IngestJob{SourceID: "c"}), ErrIngestorStopped)
	assert.ErrorIs(t, h.ing.Start(context.Background()), ErrIngestorStopped)
}

func TestIngestor_OneJobPerSource(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineFast, "text"), nil
	}
	id := h.addFile(t, []byte("%PDF-1.7 dup"))

	require.NoError(t, h.ing.Enqueue(IngestJob{SourceID: id}))
	assert.ErrorIs(t, h.ing.Enqueue(IngestJob{SourceID: id}), ErrSourceBusy)
	_, err := h.ing.ProcessOne(context.Background(), IngestJob{SourceID: id})
	assert.ErrorIs(t, err, ErrSourceBusy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.ing.Start(ctx))
	require.Eventually(t, func() bool {
		p, ok := h.ing.Progress(id)
		return ok && p.Phase == models.PhaseComplete
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.ing.Enqueue(IngestJob{SourceID: id}) == nil
	}, 5*time.Second, 10*time.Millisecond, "a settled source can be queued again")
}

func TestProcessOne_CleanupKeepsCommittedImages(t *testing.T) {
	h := newHarness(t, IngestConfig{})
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineFast, "text to embed", extracted(t, "fig", intp(1), nil)), nil
	}
	id := h.addFile(t, []byte("%PDF-1.7 shared"))
	key := id + "/1_0.png"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	block := make(chan struct{})
	h.emb.block = block
	go func() {
		<-block
		// another writer commits a row for the same object while this
		// run is still embedding
		src, _ := h.db.GetSource(context.Background(), id)
		_ = h.db.PersistIngestion(context.Background(), &models.IngestionBatch{
			Source: src,
			Images: []models.Image{{
				ID: ImageID(key), SourceID: id, Anchor: models.FileAnchor{PageNumber: 1},
				StoragePath: key, MimeType: "image/png",
			}},
		})
		cancel()
	}()

	_, err := h.ing.ProcessOne(ctx, IngestJob{SourceID: id})
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, h.db.Images(id), 1)
	assert.NotContains(t, h.store.Deleted(), key)
	assert.Equal(t, []string{key}, h.store.Keys(id+"/"), "committed rows keep their bytes")
}

func TestIngestor_StartProcessesQueuedJobs(t *testing.T) {
	h := newHarness(t, IngestConfig{Workers: 2})
	h.ext.run = func(ocr.Request) (*ocr.Outcome, error) {
		return outcome(ocr.EngineFast, "queued text"), nil
	}
	first := h.addFile(t, []byte("%PDF-1.7 one"))
	second := h.addFile(t, []byte("%PDF-1.7 two"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.ing.Start(ctx))
	require.NoError(t, h.ing.Enqueue(IngestJob{SourceID: first}))
	require.NoError(t, h.ing.Enqueue(IngestJob{SourceID: second}))

	for _, id := range []string{first, second} {
		require.Eventually(t, func() bool {
			p, ok := h.ing.Progress(id)
			return ok && p.Phase == models.PhaseComplete
		}, 5*time.Second, 10*time.Millisecond)
	}
}
