package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Docket/internal/core"
	"github.com/markdave123-py/Docket/internal/core/classifier"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/models"
)

// DocumentIngestor runs ingestions on a bounded worker pool. Each job walks
// classify, extract, chunk and link, embed, then commits everything for the
// source in one transaction.
type DocumentIngestor struct {
	db        core.DbClient
	obj       core.ObjectClient
	extractor Extractor
	chunker   *Chunker
	linker    *ImageLinker
	tracker   *EmbeddingTracker
	progress  *ProgressTracker
	cfg       IngestConfig
	logger    *slog.Logger

	jobs     chan queuedJob
	pool     *ants.Pool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopped  bool

	// inflight holds the claim token of every queued or running source.
	inflight map[string]uint64
	seq      uint64
}

type queuedJob struct {
	IngestJob
	token uint64
}

var _ Ingestor = (*DocumentIngestor)(nil)

type IngestorOption func(*DocumentIngestor)

func WithIngestorLogger(logger *slog.Logger) IngestorOption {
	return func(i *DocumentIngestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithProgressTracker shares a tracker with the caller, e.g. the HTTP layer.
func WithProgressTracker(t *ProgressTracker) IngestorOption {
	return func(i *DocumentIngestor) {
		if t != nil {
			i.progress = t
		}
	}
}

func NewDocumentIngestor(
	db core.DbClient,
	obj core.ObjectClient,
	extractor Extractor,
	tracker *EmbeddingTracker,
	linker *ImageLinker,
	cfg IngestConfig,
	opts ...IngestorOption,
) (*DocumentIngestor, error) {
	if db == nil || obj == nil || extractor == nil || tracker == nil || linker == nil {
		return nil, errors.New("ingestor: db, object store, extractor, tracker and linker are required")
	}
	cfg = cfg.withDefaults()
	i := &DocumentIngestor{
		db:        db,
		obj:       obj,
		extractor: extractor,
		chunker:   NewChunker(cfg.ChunkMaxSize, cfg.ChunkMinSize),
		linker:    linker,
		tracker:   tracker,
		progress:  NewProgressTracker(),
		cfg:       cfg,
		logger:    slog.Default(),
		jobs:      make(chan queuedJob, cfg.QueueSize),
		stop:      make(chan struct{}),
		inflight:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "ingestor")

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	i.pool = pool
	return i, nil
}

// Start dispatches queued jobs onto the worker pool until ctx is done or
// Stop is called.
func (i *DocumentIngestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return ErrIngestorStopped
	}
	if i.started {
		return nil
	}
	i.started = true

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for {
			select {
			case <-ctx.Done():
				i.logger.Info("dispatcher shutting down")
				return
			case <-i.stop:
				return
			case job := <-i.jobs:
				i.wg.Add(1)
				err := i.pool.Submit(func() {
					defer i.wg.Done()
					i.run(ctx, job)
				})
				if err != nil {
					i.wg.Done()
					i.release(job.SourceID, job.token)
					i.logger.Error("submit ingestion job", "source_id", job.SourceID, "error", err)
				}
			}
		}
	}()
	return nil
}

// Enqueue schedules job without blocking. A source has at most one job
// queued or running at a time.
func (i *DocumentIngestor) Enqueue(job IngestJob) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return ErrIngestorStopped
	}
	if _, busy := i.inflight[job.SourceID]; busy {
		return fmt.Errorf("%w: %s", ErrSourceBusy, job.SourceID)
	}
	i.seq++
	select {
	case i.jobs <- queuedJob{IngestJob: job, token: i.seq}:
		i.inflight[job.SourceID] = i.seq
		return nil
	default:
		return ErrQueueFull
	}
}

func (i *DocumentIngestor) claim(sourceID string) (uint64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.inflight[sourceID]; busy {
		return 0, false
	}
	i.seq++
	i.inflight[sourceID] = i.seq
	return i.seq, true
}

// release drops the claim identified by token. Releasing twice, or after a
// newer claim was taken, is a no-op.
func (i *DocumentIngestor) release(sourceID string, token uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.inflight[sourceID] == token {
		delete(i.inflight, sourceID)
	}
}

func (i *DocumentIngestor) Progress(sourceID string) (Progress, bool) {
	return i.progress.Get(sourceID)
}

func (i *DocumentIngestor) ProgressTracker() *ProgressTracker {
	return i.progress
}

// Stop stops dispatching, waits for running jobs and releases the pool.
func (i *DocumentIngestor) Stop() {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		i.stopped = true
		i.mu.Unlock()
		close(i.stop)
		i.wg.Wait()
		i.pool.Release()
	})
}

func (i *DocumentIngestor) run(ctx context.Context, job queuedJob) {
	jctx, cancel := context.WithTimeout(ctx, i.cfg.JobTimeout)
	defer cancel()

	started := time.Now()
	rep, err := i.process(jctx, job.IngestJob, job.token)
	if err != nil {
		i.logger.Error("ingestion failed", "source_id", job.SourceID, "error", err, "elapsed", time.Since(started))
		return
	}
	i.logger.Info("ingestion complete",
		"source_id", job.SourceID,
		"engine", rep.Engine,
		"chunks", rep.Chunks,
		"images", rep.Images,
		"elapsed", time.Since(started),
	)
}

// ingestState is the task local state of one ProcessOne call.
type ingestState struct {
	src       *models.Source
	job       IngestJob
	rep       *IngestionReport
	prevPaths []string
	uploaded  []string
	token     uint64
}

// ProcessOne ingests a single source synchronously. Nothing is written for
// the source unless every stage up to the final commit succeeded. It fails
// with ErrSourceBusy while the source is queued or running elsewhere.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, job IngestJob) (*IngestionReport, error) {
	token, ok := i.claim(job.SourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceBusy, job.SourceID)
	}
	return i.process(ctx, job, token)
}

func (i *DocumentIngestor) process(ctx context.Context, job IngestJob, token uint64) (*IngestionReport, error) {
	defer i.release(job.SourceID, token)

	src, err := i.db.GetSource(ctx, job.SourceID)
	if err != nil {
		return nil, fmt.Errorf("load source %s: %w", job.SourceID, err)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, job.SourceID)
	}

	st := &ingestState{
		src: src,
		job:   job,
		rep:   &IngestionReport{SourceID: src.ID, Kind: src.Kind, StartedAt: time.Now().UTC()},
		token: token,
	}
	i.progress.Reset(src.ID)

	batch, err := i.build(ctx, st)
	if err == nil {
		err = i.store(ctx, st, batch)
	}
	if err != nil {
		i.fail(ctx, st, err)
		return st.rep, err
	}

	i.removeObsolete(ctx, st, batch)
	i.complete(ctx, st)
	return st.rep, nil
}

func (i *DocumentIngestor) build(ctx context.Context, st *ingestState) (*models.IngestionBatch, error) {
	paths, err := i.db.ListImageStoragePaths(ctx, st.src.ID)
	if err != nil {
		return nil, fmt.Errorf("list stored images: %w", err)
	}
	st.prevPaths = paths

	var batch *models.IngestionBatch
	switch st.src.Kind {
	case models.SourceKindFile:
		batch, err = i.buildFile(ctx, st)
	case models.SourceKindWeb:
		batch, err = i.buildWeb(ctx, st)
	default:
		err = fmt.Errorf("unknown source kind %q", st.src.Kind)
	}
	if err != nil {
		return nil, err
	}

	i.advance(ctx, st, models.PhaseEmbedding)
	chunks, er, err := i.tracker.AttachEmbeddings(ctx, batch.Chunks)
	if err != nil {
		return nil, err
	}
	st.rep.EmbeddingsFailed = er.Failed
	if er.Unsupported > 0 {
		st.rep.warn(fmt.Sprintf("%d chunk embeddings had no storage slot", er.Unsupported))
	}
	failed, err := i.tracker.EmbedImages(ctx, batch.Images)
	if err != nil {
		return nil, err
	}
	st.rep.EmbeddingsFailed += failed

	RelateImages(chunks, batch.Images)
	batch.Chunks = chunks
	return batch, nil
}

func (i *DocumentIngestor) buildFile(ctx context.Context, st *ingestState) (*models.IngestionBatch, error) {
	i.advance(ctx, st, models.PhaseClassifying)
	data, err := i.obj.GetFile(ctx, i.cfg.Bucket, st.src.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("fetch source blob: %w", err)
	}
	req := ocr.Request{
		FileBytes:     data,
		Filename:      path.Base(st.src.BlobKey),
		ContentType:   st.src.ContentType,
		LanguageHint:  i.language(st.job),
		ExtractCharts: st.job.ExtractCharts,
	}
	cls := i.extractor.Classify(req)
	st.rep.Classification = cls

	i.advance(ctx, st, models.PhaseExtracting)
	out, err := i.extractor.Run(ctx, req, st.job.Intent, cls)
	if err != nil {
		var ex *ocr.ExhaustedError
		if errors.As(err, &ex) {
			st.rep.Attempts = ex.Attempts
		}
		return nil, err
	}
	st.rep.Route = out.Plan.Route
	st.rep.Engine = out.Engine
	st.rep.Attempts = out.Attempts

	i.advance(ctx, st, models.PhaseChunking)
	var texts []TextChunk
	linked, err := i.chunkAndLink(ctx, st, func() { texts = i.chunker.Chunk(out.Result.Text) }, FileAnchored(out.Result.Images))
	if err != nil {
		return nil, err
	}

	chunks := make([]models.Chunk, 0, len(texts))
	for n, t := range texts {
		chunks = append(chunks, models.Chunk{
			ID:          ChunkID(st.src.ID, "", n),
			SourceID:    st.src.ID,
			SourceKind:  models.SourceKindFile,
			ChunkNumber: n,
			Content:     t.Text,
			CharCount:   t.CharCount,
			WordCount:   t.WordCount,
		})
	}
	return &models.IngestionBatch{Source: st.src, Chunks: chunks, Images: linked.Images}, nil
}

type extractedPage struct {
	page   models.Page
	images []models.ExtractedImage
}

func (i *DocumentIngestor) buildWeb(ctx context.Context, st *ingestState) (*models.IngestionBatch, error) {
	i.advance(ctx, st, models.PhaseClassifying)
	raw, err := i.obj.GetFile(ctx, i.cfg.Bucket, st.src.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("fetch crawl payload: %w", err)
	}
	var payload models.CrawlPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode crawl payload: %w", err)
	}
	if len(payload.Pages) == 0 {
		return nil, errors.New("crawl payload has no pages")
	}

	i.advance(ctx, st, models.PhaseExtracting)
	var (
		pages    []extractedPage
		attempts []ocr.Attempt
		seen     = make(map[string]bool)
	)
	for _, cp := range payload.Pages {
		if cp.URL == "" || seen[cp.URL] {
			st.rep.warn(fmt.Sprintf("skipped page with empty or repeated url %q", cp.URL))
			continue
		}
		seen[cp.URL] = true

		req := ocr.Request{
			FileBytes:    []byte(cp.HTML),
			Filename:     "page.html",
			ContentType:  "text/html",
			LanguageHint: i.language(st.job),
		}
		out, err := i.extractor.Run(ctx, req, ocr.Intent{}, classifier.Unknown)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ex *ocr.ExhaustedError
			if errors.As(err, &ex) {
				attempts = append(attempts, ex.Attempts...)
			}
			st.rep.warn(fmt.Sprintf("%s: %v", cp.URL, err))
			continue
		}
		attempts = append(attempts, out.Attempts...)
		st.rep.Route = out.Plan.Route
		st.rep.Engine = out.Engine

		pages = append(pages, extractedPage{
			page: models.Page{
				ID:           PageID(st.src.ID, cp.URL),
				SourceID:     st.src.ID,
				URL:          cp.URL,
				Content:      out.Result.Text,
				SectionTitle: cp.Title,
			},
			images: cp.Images,
		})
	}
	st.rep.Attempts = attempts
	if len(pages) == 0 {
		return nil, &ocr.ExhaustedError{Attempts: attempts}
	}
	st.rep.Pages = len(pages)

	i.advance(ctx, st, models.PhaseChunking)
	var anchored []AnchoredImage
	for _, p := range pages {
		anchored = append(anchored, WebAnchored(p.page.ID, p.images)...)
	}
	perPage := make([][]TextChunk, len(pages))
	linked, err := i.chunkAndLink(ctx, st, func() {
		for n, p := range pages {
			perPage[n] = i.chunker.Chunk(p.page.Content)
		}
	}, anchored)
	if err != nil {
		return nil, err
	}

	batch := &models.IngestionBatch{Source: st.src, Images: linked.Images}
	for n, p := range pages {
		batch.Pages = append(batch.Pages, p.page)
		pageID := p.page.ID
		for num, t := range perPage[n] {
			batch.Chunks = append(batch.Chunks, models.Chunk{
				ID:          ChunkID(st.src.ID, p.page.URL, num),
				SourceID:    st.src.ID,
				SourceKind:  models.SourceKindWeb,
				PageID:      &pageID,
				URL:         p.page.URL,
				ChunkNumber: num,
				Content:     t.Text,
				CharCount:   t.CharCount,
				WordCount:   t.WordCount,
			})
		}
	}
	return batch, nil
}

// chunkAndLink runs chunking and image linking side by side.
func (i *DocumentIngestor) chunkAndLink(ctx context.Context, st *ingestState, chunk func(), images []AnchoredImage) (*LinkResult, error) {
	var linked *LinkResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chunk()
		return nil
	})
	g.Go(func() error {
		var err error
		linked, err = i.linker.Link(gctx, st.src, images, LinkOptions{
			OCR:      i.cfg.ImageOCR,
			Classify: i.cfg.ImageClassify && st.job.ExtractCharts,
			Language: i.language(st.job),
		})
		return err
	})
	err := g.Wait()
	if linked != nil {
		st.uploaded = append(st.uploaded, linked.UploadedKeys...)
	}
	if err != nil {
		return nil, err
	}

	st.rep.Images = len(linked.Images)
	st.rep.ImagesFailed = linked.Failed
	st.rep.Warnings = append(st.rep.Warnings, linked.Failures...)
	st.rep.Warnings = append(st.rep.Warnings, linked.Warnings...)
	return linked, nil
}

func (i *DocumentIngestor) store(ctx context.Context, st *ingestState, batch *models.IngestionBatch) error {
	i.advance(ctx, st, models.PhaseStoring)

	words := 0
	for _, c := range batch.Chunks {
		words += c.WordCount
	}
	st.src.WordCount = words
	st.src.Phase = models.PhaseStoring
	st.rep.Chunks = len(batch.Chunks)
	st.rep.Images = len(batch.Images)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.db.PersistIngestion(ctx, batch); err != nil {
		return fmt.Errorf("persist ingestion: %w", err)
	}
	return nil
}

// removeObsolete deletes objects of a previous run that the committed batch
// no longer references.
func (i *DocumentIngestor) removeObsolete(ctx context.Context, st *ingestState, batch *models.IngestionBatch) {
	live := make(map[string]bool, len(batch.Images))
	for _, img := range batch.Images {
		live[img.StoragePath] = true
	}
	cctx := context.WithoutCancel(ctx)
	for _, p := range st.prevPaths {
		if live[p] {
			continue
		}
		if err := i.obj.DeleteFile(cctx, i.cfg.Bucket, p); err != nil {
			i.logger.Warn("delete obsolete image", "source_id", st.src.ID, "storage_path", p, "error", err)
		}
	}
}

// complete and fail write everything for the run before the terminal
// phase reaches the tracker, so a new run can only be claimed once this one
// has stopped touching the stores.
func (i *DocumentIngestor) complete(ctx context.Context, st *ingestState) {
	cctx := context.WithoutCancel(ctx)
	st.rep.FinishedAt = time.Now().UTC()
	i.finish(cctx, st, models.PhaseComplete)
	i.settle(st, func() { i.progress.Advance(st.src.ID, models.PhaseComplete) })
}

// fail records the failure and removes objects this run uploaded that no
// committed row references.
func (i *DocumentIngestor) fail(ctx context.Context, st *ingestState, cause error) {
	cctx := context.WithoutCancel(ctx)
	i.removeUncommitted(cctx, st)

	st.rep.Error = cause.Error()
	st.rep.FinishedAt = time.Now().UTC()
	i.finish(cctx, st, models.PhaseFailed)
	i.settle(st, func() { i.progress.Fail(st.src.ID, cause) })
}

// settle applies the terminal tracker update and drops the claim in one
// step, so no new run can start in between.
func (i *DocumentIngestor) settle(st *ingestState, terminal func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	terminal()
	if i.inflight[st.src.ID] == st.token {
		delete(i.inflight, st.src.ID)
	}
}

func (i *DocumentIngestor) finish(ctx context.Context, st *ingestState, phase models.Phase) {
	if err := i.db.UpdateSourcePhase(ctx, st.src.ID, phase); err != nil {
		i.logger.Warn("update source phase", "source_id", st.src.ID, "phase", phase, "error", err)
	}
	if err := i.db.SaveIngestReport(ctx, st.src.ID, st.rep.Marshal()); err != nil {
		i.logger.Warn("save ingest report", "source_id", st.src.ID, "error", err)
	}
}

// removeUncommitted deletes uploads of this run unless a stored row points
// at them. The stored paths are read again here; when they cannot be read
// nothing is deleted.
func (i *DocumentIngestor) removeUncommitted(ctx context.Context, st *ingestState) {
	if len(st.uploaded) == 0 {
		return
	}
	committed, err := i.db.ListImageStoragePaths(ctx, st.src.ID)
	if err != nil {
		i.logger.Warn("skip image cleanup", "source_id", st.src.ID, "uploaded", len(st.uploaded), "error", err)
		return
	}
	keep := make(map[string]bool, len(committed)+len(st.prevPaths))
	for _, p := range committed {
		keep[p] = true
	}
	for _, p := range st.prevPaths {
		keep[p] = true
	}
	for _, key := range st.uploaded {
		if keep[key] {
			continue
		}
		if err := i.obj.DeleteFile(ctx, i.cfg.Bucket, key); err != nil {
			i.logger.Warn("cleanup uploaded image", "source_id", st.src.ID, "storage_path", key, "error", err)
		}
	}
}

// advance moves the in-memory phase forward and mirrors it to the store.
// A store error is logged, not fatal.
func (i *DocumentIngestor) advance(ctx context.Context, st *ingestState, phase models.Phase) {
	if !i.progress.Advance(st.src.ID, phase) {
		return
	}
	if err := i.db.UpdateSourcePhase(ctx, st.src.ID, phase); err != nil {
		i.logger.Warn("update source phase", "source_id", st.src.ID, "phase", phase, "error", err)
	}
}

func (i *DocumentIngestor) language(job IngestJob) string {
	if job.Language != "" {
		return job.Language
	}
	return i.cfg.DefaultLanguage
}
