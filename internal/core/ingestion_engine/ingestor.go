package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/Docket/internal/core/classifier"
	"github.com/markdave123-py/Docket/internal/core/ocr"
)

type Ingestor interface {
	Start(ctx context.Context) error
	Enqueue(job IngestJob) error
	ProcessOne(ctx context.Context, job IngestJob) (*IngestionReport, error)
	Progress(sourceID string) (Progress, bool)
	Stop()
}

// IngestJob asks for one source to be (re)ingested.
type IngestJob struct {
	SourceID      string     `json:"source_id"`
	Intent        ocr.Intent `json:"intent"`
	Language      string     `json:"language,omitempty"`
	ExtractCharts bool       `json:"extract_charts"`
}

// Extractor classifies a document and walks its engine chain.
// *ocr.Orchestrator implements it.
type Extractor interface {
	Classify(req ocr.Request) classifier.Classification
	Run(ctx context.Context, req ocr.Request, intent ocr.Intent, cls classifier.Classification) (*ocr.Outcome, error)
}

var _ Extractor = (*ocr.Orchestrator)(nil)
