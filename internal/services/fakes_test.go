package services

import (
	"context"
	"sync"

	"github.com/markdave123-py/Docket/internal/core/ingestion_engine"
)

// recordingIngestor queues nothing; it remembers what it was asked to do.
type recordingIngestor struct {
	mu   sync.Mutex
	jobs []ingestion_engine.IngestJob
	err  error
}

func (r *recordingIngestor) Start(context.Context) error { return nil }

func (r *recordingIngestor) Enqueue(job ingestion_engine.IngestJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingIngestor) ProcessOne(context.Context, ingestion_engine.IngestJob) (*ingestion_engine.IngestionReport, error) {
	return nil, nil
}

func (r *recordingIngestor) Progress(string) (ingestion_engine.Progress, bool) {
	return ingestion_engine.Progress{}, false
}

func (r *recordingIngestor) Stop() {}
