package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Docket/internal/core/coretest"
	"github.com/markdave123-py/Docket/internal/core/ingestion_engine"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/models"
)

const bucket = "docket"

type fixture struct {
	db       *coretest.MemDB
	store    *coretest.MemStore
	ing      *recordingIngestor
	progress *ingestion_engine.ProgressTracker
	sources  *SourceService
	images   *ImageService
}

func newFixture() *fixture {
	f := &fixture{
		db:       coretest.NewMemDB(),
		store:    coretest.NewMemStore(),
		ing:      &recordingIngestor{},
		progress: ingestion_engine.NewProgressTracker(),
	}
	f.sources = NewSourceService(f.db, f.store, f.ing, f.progress, bucket, nil)
	f.images = NewImageService(f.db, f.store, bucket, 5*time.Minute)
	return f
}

func TestSourceService_Upload(t *testing.T) {
	f := newFixture()
	data := []byte("%PDF-1.7 body")

	src, err := f.sources.Upload(context.Background(), UploadRequest{
		Filename: "../Quarterly Report.pdf",
		Data:     data,
		Tags:     []string{"finance"},
		Intent:   ocr.Intent{OCR: true, PreferredEngine: ocr.EngineRobust},
		Language: "deu",
	})
	require.NoError(t, err)

	assert.Equal(t, ingestion_engine.SourceIDForContent(data), src.ID)
	assert.Equal(t, models.SourceKindFile, src.Kind)
	assert.Equal(t, "uploads/"+src.ID+"/Quarterly_Report.pdf", src.BlobKey)
	assert.Equal(t, "application/pdf", src.ContentType)

	stored, err := f.store.GetFile(context.Background(), bucket, src.BlobKey)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	require.Len(t, f.ing.jobs, 1)
	assert.Equal(t, src.ID, f.ing.jobs[0].SourceID)
	assert.Equal(t, ocr.EngineRobust, f.ing.jobs[0].Intent.PreferredEngine)
	assert.Equal(t, "deu", f.ing.jobs[0].Language)

	p, err := f.sources.Progress(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePending, p.Phase)
}

func TestSourceService_UploadRejectsEmptyAndBusy(t *testing.T) {
	f := newFixture()
	_, err := f.sources.Upload(context.Background(), UploadRequest{Filename: "a.pdf"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	data := []byte("busy")
	id := ingestion_engine.SourceIDForContent(data)
	f.progress.Reset(id)
	f.progress.Advance(id, models.PhaseExtracting)
	_, err = f.sources.Upload(context.Background(), UploadRequest{Filename: "a.txt", Data: data})
	assert.ErrorIs(t, err, ErrIngestionInProgress)
}

func TestSourceService_DuplicateUploadWhileQueued(t *testing.T) {
	f := newFixture()
	req := UploadRequest{Filename: "a.txt", Data: []byte("same bytes")}

	_, err := f.sources.Upload(context.Background(), req)
	require.NoError(t, err)
	_, err = f.sources.Upload(context.Background(), req)
	assert.ErrorIs(t, err, ErrIngestionInProgress)
	assert.Len(t, f.ing.jobs, 1, "one job per source while it is pending")

	id := ingestion_engine.SourceIDForContent(req.Data)
	require.True(t, f.progress.Advance(id, models.PhaseComplete))
	_, err = f.sources.Upload(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, f.ing.jobs, 2, "a settled source can be ingested again")
}

func TestSourceService_BusyIngestorLeavesSourceAlone(t *testing.T) {
	f := newFixture()
	f.ing.err = ingestion_engine.ErrSourceBusy
	data := []byte("running elsewhere")

	_, err := f.sources.Upload(context.Background(), UploadRequest{Filename: "a.txt", Data: data})
	require.ErrorIs(t, err, ErrIngestionInProgress)

	id := ingestion_engine.SourceIDForContent(data)
	p, ok := f.progress.Get(id)
	require.True(t, ok)
	assert.NotEqual(t, models.PhaseFailed, p.Phase)
	assert.NotContains(t, f.db.Phases(id), models.PhaseFailed)
}

func TestSourceService_QueueFullMarksFailed(t *testing.T) {
	f := newFixture()
	f.ing.err = ingestion_engine.ErrQueueFull

	_, err := f.sources.Upload(context.Background(), UploadRequest{Filename: "a.txt", Data: []byte("x")})
	require.ErrorIs(t, err, ingestion_engine.ErrQueueFull)

	id := ingestion_engine.SourceIDForContent([]byte("x"))
	src, _ := f.db.GetSource(context.Background(), id)
	require.NotNil(t, src)
	assert.Equal(t, models.PhaseFailed, src.Phase)
}

func TestSourceService_SubmitCrawl(t *testing.T) {
	f := newFixture()
	_, err := f.sources.SubmitCrawl(context.Background(), CrawlRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	payload := models.CrawlPayload{
		SiteURL: "https://docs.example.com",
		Pages:   []models.CrawledPage{{URL: "https://docs.example.com/", HTML: "<p>hi</p>"}},
	}
	src, err := f.sources.SubmitCrawl(context.Background(), CrawlRequest{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, models.SourceKindWeb, src.Kind)
	assert.Equal(t, ingestion_engine.SourceIDForSite(payload.SiteURL), src.ID)

	raw, err := f.store.GetFile(context.Background(), bucket, src.BlobKey)
	require.NoError(t, err)
	var back models.CrawlPayload
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, payload.Pages[0].URL, back.Pages[0].URL)
	require.Len(t, f.ing.jobs, 1)
}

func TestSourceService_ProgressFallsBackToStoredPhase(t *testing.T) {
	f := newFixture()
	rep := &ingestion_engine.IngestionReport{SourceID: "s", Engine: ocr.EngineFast, Chunks: 4}
	require.NoError(t, f.db.UpsertSource(context.Background(), &models.Source{
		ID: "s", Kind: models.SourceKindFile, Phase: models.PhaseComplete,
	}))
	require.NoError(t, f.db.SaveIngestReport(context.Background(), "s", rep.Marshal()))

	_, err := f.sources.Progress(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSourceNotFound)

	p, err := f.sources.Progress(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, p.Phase)
	require.NotNil(t, p.Report)
	assert.Equal(t, ocr.EngineFast, p.Report.Engine)
	assert.Equal(t, 4, p.Report.Chunks)
}

func TestSourceService_Delete(t *testing.T) {
	f := newFixture()
	src := &models.Source{ID: "s", Kind: models.SourceKindFile, BlobKey: "uploads/s/a.pdf"}
	require.NoError(t, f.db.UpsertSource(context.Background(), src))
	f.store.Put(src.BlobKey, []byte("pdf"))
	f.store.Put("s/1_0.png", []byte("png"))
	require.NoError(t, f.db.PersistIngestion(context.Background(), &models.IngestionBatch{
		Source: src,
		Images: []models.Image{{
			ID: "i", SourceID: "s", Anchor: models.FileAnchor{PageNumber: 1}, StoragePath: "s/1_0.png",
		}},
	}))

	require.NoError(t, f.sources.Delete(context.Background(), "s"))
	assert.Empty(t, f.store.Keys(""))
	got, _ := f.db.GetSource(context.Background(), "s")
	assert.Nil(t, got)

	assert.ErrorIs(t, f.sources.Delete(context.Background(), "s"), ErrSourceNotFound)
}
