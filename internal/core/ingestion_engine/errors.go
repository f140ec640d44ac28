package ingestion_engine

import (
	"errors"

	"github.com/markdave123-py/Docket/internal/models"
)

var (
	ErrSourceNotFound  = errors.New("source not found")
	ErrQueueFull       = errors.New("ingestion queue is full")
	ErrIngestorStopped = errors.New("ingestor is stopped")
	ErrSourceBusy      = errors.New("source is already being ingested")

	// ErrUnsupportedDimension is returned when an embedding has no storage slot.
	ErrUnsupportedDimension = models.ErrUnsupportedDimension
)
