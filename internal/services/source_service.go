package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/markdave123-py/Docket/internal/core"
	"github.com/markdave123-py/Docket/internal/core/ingestion_engine"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/models"
)

// UploadRequest is a file handed in at the upload boundary together with
// the uploader's intent.
type UploadRequest struct {
	Filename      string
	ContentType   string
	Data          []byte
	Tags          []string
	Intent        ocr.Intent
	Language      string
	ExtractCharts bool
}

// CrawlRequest is an already crawled site.
type CrawlRequest struct {
	Payload models.CrawlPayload
	Tags    []string
}

// SourceProgress is what a polling caller sees for one source.
type SourceProgress struct {
	ingestion_engine.Progress
	Report *ingestion_engine.IngestionReport `json:"report,omitempty"`
}

type SourceService struct {
	db       core.DbClient
	storage  core.ObjectClient
	ingestor ingestion_engine.Ingestor
	progress *ingestion_engine.ProgressTracker
	bucket   string
	logger   *slog.Logger
}

func NewSourceService(db core.DbClient, storage core.ObjectClient, ing ingestion_engine.Ingestor, progress *ingestion_engine.ProgressTracker, bucket string, logger *slog.Logger) *SourceService {
	if progress == nil {
		progress = ingestion_engine.NewProgressTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceService{
		db: db, storage: storage, ingestor: ing, progress: progress, bucket: bucket,
		logger: logger.With("component", "source_service"),
	}
}

// Upload stores the blob, registers the source as pending and queues its
// ingestion. The returned source id is the progress handle.
func (s *SourceService) Upload(ctx context.Context, req UploadRequest) (*models.Source, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidRequest)
	}
	if pref := req.Intent.PreferredEngine; pref != "" && !ocr.ValidPreference(pref) {
		return nil, fmt.Errorf("%w: unknown preferred_engine %q", ErrInvalidRequest, pref)
	}
	filename := cleanFilename(req.Filename)
	contentType := ocr.ResolveContentType(req.ContentType, filename)
	id := ingestion_engine.SourceIDForContent(req.Data)

	src := &models.Source{
		ID:          id,
		Kind:        models.SourceKindFile,
		Title:       filename,
		BlobKey:     s.objectKey(id, filename),
		ContentType: contentType,
		Tags:        req.Tags,
		Phase:       models.PhasePending,
	}
	job := ingestion_engine.IngestJob{
		SourceID:      id,
		Intent:        req.Intent,
		Language:      req.Language,
		ExtractCharts: req.ExtractCharts,
	}
	if err := s.register(ctx, src, req.Data, job); err != nil {
		return nil, err
	}
	return src, nil
}

// SubmitCrawl stores a crawled site as one web source and queues it.
func (s *SourceService) SubmitCrawl(ctx context.Context, req CrawlRequest) (*models.Source, error) {
	p := req.Payload
	if strings.TrimSpace(p.SiteURL) == "" {
		return nil, fmt.Errorf("%w: site_url is required", ErrInvalidRequest)
	}
	if len(p.Pages) == 0 {
		return nil, fmt.Errorf("%w: at least one page is required", ErrInvalidRequest)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode crawl payload: %w", err)
	}

	id := ingestion_engine.SourceIDForSite(p.SiteURL)
	src := &models.Source{
		ID:          id,
		Kind:        models.SourceKindWeb,
		Title:       p.SiteURL,
		BlobKey:     s.objectKey(id, "crawl.json"),
		ContentType: "application/json",
		Tags:        req.Tags,
		Phase:       models.PhasePending,
	}
	if err := s.register(ctx, src, raw, ingestion_engine.IngestJob{SourceID: id}); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *SourceService) register(ctx context.Context, src *models.Source, data []byte, job ingestion_engine.IngestJob) error {
	// pending counts as busy: the claim holds until the queued run settles
	if !s.progress.Claim(src.ID) {
		p, _ := s.progress.Get(src.ID)
		return fmt.Errorf("%w: %s is %s", ErrIngestionInProgress, src.ID, p.Phase)
	}

	if _, err := s.storage.UploadFile(ctx, s.bucket, src.BlobKey, bytes.NewReader(data), src.ContentType); err != nil {
		s.progress.Fail(src.ID, err)
		return fmt.Errorf("store upload: %w", err)
	}
	if err := s.db.UpsertSource(ctx, src); err != nil {
		s.progress.Fail(src.ID, err)
		return fmt.Errorf("register source: %w", err)
	}
	if err := s.ingestor.Enqueue(job); err != nil {
		if errors.Is(err, ingestion_engine.ErrSourceBusy) {
			// a run this tracker did not see owns the source; its phases
			// will move the pending entry along
			return fmt.Errorf("%w: %s", ErrIngestionInProgress, src.ID)
		}
		s.progress.Fail(src.ID, err)
		if uerr := s.db.UpdateSourcePhase(ctx, src.ID, models.PhaseFailed); uerr != nil {
			s.logger.Warn("mark source failed", "source_id", src.ID, "error", uerr)
		}
		return fmt.Errorf("queue ingestion: %w", err)
	}
	s.logger.Info("source queued", "source_id", src.ID, "kind", src.Kind, "bytes", len(data))
	return nil
}

func (s *SourceService) Get(ctx context.Context, id string) (*models.Source, error) {
	src, err := s.db.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return src, nil
}

// Progress prefers the live tracker and falls back to the stored phase for
// sources ingested before the process started.
func (s *SourceService) Progress(ctx context.Context, id string) (*SourceProgress, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &SourceProgress{}
	if p, ok := s.progress.Get(id); ok {
		out.Progress = p
	} else {
		out.Progress = ingestion_engine.Progress{SourceID: id, Phase: src.Phase, UpdatedAt: src.UpdatedAt}
	}
	if out.Phase.Terminal() {
		rep, err := ingestion_engine.DecodeReport(src.Report)
		if err != nil {
			s.logger.Warn("decode ingest report", "source_id", id, "error", err)
		}
		out.Report = rep
	}
	return out, nil
}

func (s *SourceService) Chunks(ctx context.Context, id string) ([]models.Chunk, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.db.GetChunksBySource(ctx, id)
}

// Delete removes the stored objects of a source, then its rows. Pages,
// chunks and images go with the source row.
func (s *SourceService) Delete(ctx context.Context, id string) error {
	src, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	paths, err := s.db.ListImageStoragePaths(ctx, id)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}

	var errs []error
	for _, key := range append(paths, src.BlobKey) {
		if err := s.storage.DeleteFile(ctx, s.bucket, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("some objects were not deleted", "source_id", id, "error", err)
	}
	return s.db.DeleteSource(ctx, id)
}

// objectKey creates a consistent S3 key layout.
func (s *SourceService) objectKey(sourceID, filename string) string {
	return path.Join("uploads", sourceID, filename)
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, "\\", "/")))
	name = strings.ReplaceAll(name, " ", "_")
	if name == "" || name == "." || name == "/" {
		return "upload.bin"
	}
	return name
}
