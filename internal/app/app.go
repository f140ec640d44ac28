package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/markdave123-py/Docket/internal/api/handlers"
	"github.com/markdave123-py/Docket/internal/config"
	"github.com/markdave123-py/Docket/internal/core/classifier"
	db "github.com/markdave123-py/Docket/internal/core/database"
	"github.com/markdave123-py/Docket/internal/core/ingestion_engine"
	"github.com/markdave123-py/Docket/internal/core/llm"
	objectclient "github.com/markdave123-py/Docket/internal/core/object-client"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/core/tesseract"
	"github.com/markdave123-py/Docket/internal/services"
)

type App struct {
	DBClient     *db.DatabaseClient
	ObjectClient *objectclient.S3Client
	Ingestor     *ingestion_engine.DocumentIngestor
	Server       *Server

	closers []io.Closer
	logger  *slog.Logger
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{logger: logger.With("component", "app")}

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBClient = dbClient
	a.closers = append(a.closers, dbClient)
	a.logger.Info("database initialized and ready")

	objClient, err := objectclient.NewS3Client(appCtx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ObjectClient = objClient
	a.logger.Info("object client initialized and ready", "bucket", cfg.BucketName)

	embedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}
	a.closers = append(a.closers, embedder)

	vision, err := llm.NewGeminiVision(appCtx, cfg.AIAPIKey, cfg.VisionModel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the vision model, %w", err)
	}
	a.closers = append(a.closers, vision)

	orchestrator := a.buildOrchestrator(cfg, vision)

	linkerOpts := []ingestion_engine.LinkerOption{
		ingestion_engine.WithImageClassifier(vision),
		ingestion_engine.WithLinkerLogger(logger),
	}
	if cfg.Ingest.ImageOCREnabled {
		rec := tesseract.NewRecognizer(cfg.Ingest.DefaultLanguage, cfg.Ingest.Workers)
		a.logger.Info("image ocr enabled", "tesseract", rec.Version())
		linkerOpts = append(linkerOpts, ingestion_engine.WithRecognizer(rec))
	}
	linker := ingestion_engine.NewImageLinker(objClient, cfg.BucketName, linkerOpts...)
	tracker := ingestion_engine.NewEmbeddingTracker(embedder,
		ingestion_engine.WithRateLimit(cfg.EmbedRPS),
		ingestion_engine.WithTrackerLogger(logger),
	)

	progress := ingestion_engine.NewProgressTracker()
	ing, err := ingestion_engine.NewDocumentIngestor(dbClient, objClient, orchestrator, tracker, linker,
		ingestion_engine.IngestConfig{
			Bucket:          cfg.BucketName,
			ChunkMaxSize:    cfg.Ingest.ChunkMaxSize,
			ChunkMinSize:    cfg.Ingest.ChunkMinSize,
			Workers:         cfg.Ingest.Workers,
			DefaultLanguage: cfg.Ingest.DefaultLanguage,
			ImageOCR:        cfg.Ingest.ImageOCREnabled,
			ImageClassify:   cfg.Ingest.ImageClassifyEnabled,
			JobTimeout:      cfg.Engines.MaxTimeout + 10*time.Minute,
		},
		ingestion_engine.WithIngestorLogger(logger),
		ingestion_engine.WithProgressTracker(progress),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ingestor = ing

	sourceHandler := handlers.NewSourceHandler(
		services.NewSourceService(dbClient, objClient, ing, progress, cfg.BucketName, logger),
		services.NewImageService(dbClient, objClient, cfg.BucketName, cfg.SignedURLTTL),
		cfg.MaxUploadBytes,
		logger,
	)
	a.Server = NewServer(cfg, sourceHandler, logger)
	return a, nil
}

func (a *App) buildOrchestrator(cfg *config.Config, vision ocr.Engine) *ocr.Orchestrator {
	opts := []ocr.Option{
		ocr.WithClassifier(classifier.New(
			classifier.WithSamplePages(cfg.Ingest.SamplePages),
			classifier.WithTextThreshold(cfg.Ingest.TextThreshold),
			classifier.WithLogger(a.logger),
		)),
		ocr.WithLargeDocumentBytes(int(cfg.Ingest.LargeDocumentBytes)),
		ocr.WithProbeTimeout(cfg.Engines.ProbeTimeout),
		ocr.WithInvokeTimeouts(cfg.Engines.BaseTimeout, cfg.Engines.TimeoutPerMB, cfg.Engines.MaxTimeout),
		ocr.WithLogger(a.logger),
		ocr.WithEngine(vision),
	}
	for _, e := range buildEngines(cfg.Engines, &http.Client{}, a.logger) {
		opts = append(opts, ocr.WithEngine(e))
	}
	return ocr.NewOrchestrator(opts...)
}

// Run starts the ingestion workers and the HTTP server and blocks until ctx
// is done, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Ingestor.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	a.Ingestor.Stop()
	return runErr
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
	a.closers = nil
}
