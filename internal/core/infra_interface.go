package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/Docket/internal/models"
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	UpsertSource(ctx context.Context, src *models.Source) error
	// GetSource returns nil, nil when the source does not exist.
	GetSource(ctx context.Context, id string) (*models.Source, error)
	UpdateSourcePhase(ctx context.Context, id string, phase models.Phase) error
	SaveIngestReport(ctx context.Context, id string, report []byte) error
	DeleteSource(ctx context.Context, id string) error

	// PersistIngestion writes the whole batch in one transaction.
	PersistIngestion(ctx context.Context, batch *models.IngestionBatch) error

	GetChunksBySource(ctx context.Context, sourceID string) ([]models.Chunk, error)
	GetImageByPosition(ctx context.Context, sourceID string, anchor models.Anchor, index int) (*models.Image, error)
	ListImageStoragePaths(ctx context.Context, sourceID string) ([]string, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// PresignGet returns a short lived signed URL for key.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}
