package ingestion_engine

import (
	"encoding/json"
	"time"

	"github.com/markdave123-py/Docket/internal/core/classifier"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/models"
)

// IngestionReport summarizes one ingestion run. It is stored as JSON on the
// source row.
type IngestionReport struct {
	SourceID         string                    `json:"source_id"`
	Kind             models.SourceKind         `json:"source_kind"`
	Classification   classifier.Classification `json:"classification,omitempty"`
	Route            ocr.Route                 `json:"route,omitempty"`
	Engine           string                    `json:"engine,omitempty"`
	Attempts         []ocr.Attempt             `json:"attempts,omitempty"`
	Pages            int                       `json:"pages,omitempty"`
	Chunks           int                       `json:"chunks"`
	Images           int                       `json:"images"`
	ImagesFailed     int                       `json:"images_failed"`
	EmbeddingsFailed int                       `json:"embeddings_failed"`
	Warnings         []string                  `json:"warnings,omitempty"`
	Error            string                    `json:"error,omitempty"`
	StartedAt        time.Time                 `json:"started_at"`
	FinishedAt       time.Time                 `json:"finished_at"`
}

func (r *IngestionReport) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func (r *IngestionReport) Marshal() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

// DecodeReport parses a stored report. An empty input yields nil.
func DecodeReport(raw []byte) (*IngestionReport, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var r IngestionReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
