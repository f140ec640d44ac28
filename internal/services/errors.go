package services

import (
	"errors"

	"github.com/markdave123-py/Docket/internal/core/ingestion_engine"
)

var (
	ErrSourceNotFound      = ingestion_engine.ErrSourceNotFound
	ErrImageNotFound       = errors.New("image not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrIngestionInProgress = errors.New("source is already being ingested")
)
