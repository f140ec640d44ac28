package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/Docket/internal/core"
	"github.com/markdave123-py/Docket/internal/models"
)

// EmbeddingTracker attaches one vector per chunk and records which model and
// width produced it.
type EmbeddingTracker struct {
	provider core.EmbeddingProvider
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// EmbeddingReport counts the outcome of an AttachEmbeddings call.
type EmbeddingReport struct {
	Embedded int
	Failed   int
	// Unsupported counts vectors refused because no slot matches their width.
	Unsupported int
}

type TrackerOption func(*EmbeddingTracker)

// WithRateLimit caps collaborator calls per second. Zero or less disables it.
func WithRateLimit(rps float64) TrackerOption {
	return func(t *EmbeddingTracker) {
		if rps > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *EmbeddingTracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func NewEmbeddingTracker(provider core.EmbeddingProvider, opts ...TrackerOption) *EmbeddingTracker {
	t := &EmbeddingTracker{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "embedding_tracker")
	return t
}

// Embed returns the tagged vector for one text. Widths without a storage
// slot are refused with ErrUnsupportedDimension.
func (t *EmbeddingTracker) Embed(ctx context.Context, text string) (*models.Embedding, error) {
	if t.provider == nil {
		return nil, errors.New("no embedding provider configured")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	vec, err := t.provider.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return models.NewEmbedding(t.provider.ModelName(), vec)
}

// AttachEmbeddings embeds every chunk in order. A chunk whose call fails is
// kept without a vector and with EmbeddingGenerated false. Only
// cancellation aborts the whole run.
func (t *EmbeddingTracker) AttachEmbeddings(ctx context.Context, chunks []models.Chunk) ([]models.Chunk, *EmbeddingReport, error) {
	rep := &EmbeddingReport{}
	out := make([]models.Chunk, len(chunks))
	copy(out, chunks)

	for i := range out {
		if err := ctx.Err(); err != nil {
			return nil, rep, err
		}
		emb, err := t.Embed(ctx, out[i].Content)
		if err != nil {
			if ctx.Err() != nil {
				return nil, rep, ctx.Err()
			}
			out[i].Embedding = nil
			out[i].EmbeddingGenerated = false
			rep.Failed++
			if errors.Is(err, ErrUnsupportedDimension) {
				rep.Unsupported++
			}
			t.logger.Error("chunk embedding failed",
				"source_id", out[i].SourceID,
				"chunk_number", out[i].ChunkNumber,
				"model", t.modelName(),
				"error", err,
			)
			continue
		}
		out[i].Embedding = emb
		out[i].EmbeddingGenerated = true
		rep.Embedded++
	}
	return out, rep, nil
}

// EmbedImages embeds the OCR text of images that have any. Failures leave
// the image without a vector.
func (t *EmbeddingTracker) EmbedImages(ctx context.Context, images []models.Image) (failed int, err error) {
	for i := range images {
		if images[i].OCRText == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		emb, err := t.Embed(ctx, images[i].OCRText)
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			failed++
			t.logger.Error("image embedding failed", "storage_path", images[i].StoragePath, "error", err)
			continue
		}
		images[i].Embedding = emb
	}
	return failed, nil
}

func (t *EmbeddingTracker) modelName() string {
	if t.provider == nil {
		return ""
	}
	return t.provider.ModelName()
}
