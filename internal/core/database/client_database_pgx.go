package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/Docket/internal/config"
	"github.com/markdave123-py/Docket/internal/core"
	"github.com/markdave123-py/Docket/internal/models"
)

var ErrSourceNotFound = errors.New("source not found")

type DatabaseClient struct {
	db *sql.DB
}

var _ core.DbClient = (*DatabaseClient)(nil)

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// buildDSN appends certificate verification to DATABASE_URL when a CA
// certificate path is configured.
func buildDSN(databaseURL, certPath string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	if certPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// arrayScanner scans a Postgres array into dst. pgtype.Map caches plans
// and is not safe for concurrent use, so each scan gets its own.
func arrayScanner(dst any) sql.Scanner {
	return pgtype.NewMap().SQLScanner(dst)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Sources

const upsertSourceSQL = `
	INSERT INTO sources
		(source_id, source_kind, title, blob_key, content_type, tags, word_count, phase, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	ON CONFLICT (source_id) DO UPDATE SET
		title        = EXCLUDED.title,
		blob_key     = EXCLUDED.blob_key,
		content_type = EXCLUDED.content_type,
		tags         = EXCLUDED.tags,
		word_count   = EXCLUDED.word_count,
		phase        = EXCLUDED.phase,
		updated_at   = now()
`

func upsertSource(ctx context.Context, ex execer, src *models.Source) error {
	tags := src.Tags
	if tags == nil {
		tags = []string{}
	}
	phase := src.Phase
	if phase == "" {
		phase = models.PhasePending
	}
	_, err := ex.ExecContext(ctx, upsertSourceSQL,
		src.ID, string(src.Kind), src.Title, src.BlobKey, src.ContentType, tags, src.WordCount, string(phase))
	return err
}

func (c *DatabaseClient) UpsertSource(ctx context.Context, src *models.Source) error {
	if src == nil {
		return errors.New("nil source")
	}
	return upsertSource(ctx, c.db, src)
}

func (c *DatabaseClient) GetSource(ctx context.Context, id string) (*models.Source, error) {
	const q = `
		SELECT source_id, source_kind, title, blob_key, content_type, tags, word_count, phase,
		       ingest_report, created_at, updated_at
		FROM sources WHERE source_id = $1
	`
	var (
		s           models.Source
		kind, phase string
	)
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &kind, &s.Title, &s.BlobKey, &s.ContentType, arrayScanner(&s.Tags),
		&s.WordCount, &phase, &s.Report, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Kind = models.SourceKind(kind)
	s.Phase = models.Phase(phase)
	return &s, nil
}

func (c *DatabaseClient) UpdateSourcePhase(ctx context.Context, id string, phase models.Phase) error {
	const q = `UPDATE sources SET phase = $2, updated_at = now() WHERE source_id = $1`
	return c.execOne(ctx, q, id, string(phase))
}

func (c *DatabaseClient) SaveIngestReport(ctx context.Context, id string, report []byte) error {
	const q = `UPDATE sources SET ingest_report = $2::jsonb, updated_at = now() WHERE source_id = $1`
	return c.execOne(ctx, q, id, string(report))
}

// DeleteSource removes the source; pages, chunks and images cascade.
func (c *DatabaseClient) DeleteSource(ctx context.Context, id string) error {
	return c.execOne(ctx, `DELETE FROM sources WHERE source_id = $1`, id)
}

func (c *DatabaseClient) execOne(ctx context.Context, q string, args ...any) error {
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %v", ErrSourceNotFound, args[0])
	}
	return nil
}

// Ingestion batch

// PersistIngestion validates the batch and replaces everything the source
// owns in a single transaction. Rows of a previous ingestion that the new
// batch no longer contains are removed; nothing is visible until commit.
func (c *DatabaseClient) PersistIngestion(ctx context.Context, batch *models.IngestionBatch) error {
	if batch == nil {
		return errors.New("nil batch")
	}
	if err := batch.Validate(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := persistBatch(ctx, tx, batch); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingestion: %w", err)
	}
	return nil
}

func persistBatch(ctx context.Context, tx *sql.Tx, b *models.IngestionBatch) error {
	srcID := b.Source.ID
	if err := upsertSource(ctx, tx, b.Source); err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}

	pageIDs := make([]string, 0, len(b.Pages))
	for _, p := range b.Pages {
		pageIDs = append(pageIDs, p.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pages WHERE source_id = $1 AND NOT (page_id::text = ANY($2))`, srcID, pageIDs); err != nil {
		return fmt.Errorf("delete stale pages: %w", err)
	}
	if err := upsertPages(ctx, tx, b.Pages); err != nil {
		return err
	}

	chunkIDs := make([]string, 0, len(b.Chunks))
	for _, ch := range b.Chunks {
		chunkIDs = append(chunkIDs, ch.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE source_id = $1 AND NOT (id::text = ANY($2))`, srcID, chunkIDs); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}
	if err := upsertChunks(ctx, tx, b.Chunks); err != nil {
		return err
	}

	imageIDs := make([]string, 0, len(b.Images))
	for _, img := range b.Images {
		imageIDs = append(imageIDs, img.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM images WHERE source_id = $1 AND NOT (id::text = ANY($2))`, srcID, imageIDs); err != nil {
		return fmt.Errorf("delete stale images: %w", err)
	}
	return upsertImages(ctx, tx, b.Images)
}

func upsertPages(ctx context.Context, tx *sql.Tx, pages []models.Page) error {
	if len(pages) == 0 {
		return nil
	}
	const q = `
		INSERT INTO pages (page_id, source_id, url, content, section_title, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (page_id) DO UPDATE SET
			content       = EXCLUDED.content,
			section_title = EXCLUDED.section_title
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range pages {
		if _, err := stmt.ExecContext(ctx, p.ID, p.SourceID, p.URL, p.Content, p.SectionTitle); err != nil {
			return fmt.Errorf("upsert page %s: %w", p.URL, err)
		}
	}
	return nil
}

// Chunks are written in slice order, which the ingestor keeps in
// increasing chunk_number.
func upsertChunks(ctx context.Context, tx *sql.Tx, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	const q = `
		INSERT INTO chunks
			(id, source_id, source_kind, page_id, url, chunk_number, content, char_count, word_count,
			 embedding_384, embedding_768, embedding_1024, embedding_1536, embedding_3072,
			 embedding_model, embedding_dim, embedding_generated, related_image_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now())
		ON CONFLICT (id) DO UPDATE SET
			content             = EXCLUDED.content,
			char_count          = EXCLUDED.char_count,
			word_count          = EXCLUDED.word_count,
			embedding_384       = EXCLUDED.embedding_384,
			embedding_768       = EXCLUDED.embedding_768,
			embedding_1024      = EXCLUDED.embedding_1024,
			embedding_1536      = EXCLUDED.embedding_1536,
			embedding_3072      = EXCLUDED.embedding_3072,
			embedding_model     = EXCLUDED.embedding_model,
			embedding_dim       = EXCLUDED.embedding_dim,
			embedding_generated = EXCLUDED.embedding_generated,
			related_image_ids   = EXCLUDED.related_image_ids
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		slots, model, dim, err := slotArgs(ch.Embedding)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", ch.ChunkNumber, err)
		}
		related := ch.RelatedImageIDs
		if related == nil {
			related = []string{}
		}
		args := []any{ch.ID, ch.SourceID, string(ch.SourceKind), ch.PageID, ch.URL, ch.ChunkNumber,
			ch.Content, ch.CharCount, ch.WordCount}
		args = append(args, slots...)
		args = append(args, model, dim, ch.EmbeddingGenerated, related)

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert chunk %d: %w", ch.ChunkNumber, err)
		}
	}
	return nil
}

// Images are written in slice order, increasing image_index per page.
func upsertImages(ctx context.Context, tx *sql.Tx, images []models.Image) error {
	if len(images) == 0 {
		return nil
	}
	const q = `
		INSERT INTO images
			(id, source_id, source_kind, page_number, page_id, image_index, name, storage_path, mime_type,
			 byte_size, width, height, ocr_text, classification,
			 embedding_384, embedding_768, embedding_1024, embedding_1536, embedding_3072,
			 embedding_model, embedding_dim, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''),
		        $15, $16, $17, $18, $19, $20, $21, now())
		ON CONFLICT (id) DO UPDATE SET
			name           = EXCLUDED.name,
			mime_type      = EXCLUDED.mime_type,
			byte_size      = EXCLUDED.byte_size,
			width          = EXCLUDED.width,
			height         = EXCLUDED.height,
			ocr_text       = EXCLUDED.ocr_text,
			classification = EXCLUDED.classification,
			embedding_384  = EXCLUDED.embedding_384,
			embedding_768  = EXCLUDED.embedding_768,
			embedding_1024 = EXCLUDED.embedding_1024,
			embedding_1536 = EXCLUDED.embedding_1536,
			embedding_3072 = EXCLUDED.embedding_3072,
			embedding_model = EXCLUDED.embedding_model,
			embedding_dim  = EXCLUDED.embedding_dim
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range images {
		img := &images[i]
		pageNumber, pageID, err := models.AnchorColumns(img.Anchor)
		if err != nil {
			return fmt.Errorf("image %s: %w", img.StoragePath, err)
		}
		slots, model, dim, err := slotArgs(img.Embedding)
		if err != nil {
			return fmt.Errorf("image %s: %w", img.StoragePath, err)
		}
		args := []any{img.ID, img.SourceID, string(img.Kind()), pageNumber, pageID, img.ImageIndex,
			img.Name, img.StoragePath, img.MimeType, img.ByteSize, img.Width, img.Height,
			img.OCRText, img.Classification}
		args = append(args, slots...)
		args = append(args, model, dim)

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert image %s: %w", img.StoragePath, err)
		}
	}
	return nil
}

// slotArgs spreads an embedding over the fixed-width columns: the column
// matching its dimension gets the vector, every other column NULL.
func slotArgs(e *models.Embedding) (slots []any, model *string, dim *int, err error) {
	slots = make([]any, len(models.EmbeddingSlots))
	if e == nil {
		return slots, nil, nil, nil
	}
	if len(e.Vector) != e.Dim {
		return nil, nil, nil, fmt.Errorf("%w: vector has %d values, tagged %d", models.ErrUnsupportedDimension, len(e.Vector), e.Dim)
	}
	if _, err := models.SlotFor(e.Dim); err != nil {
		return nil, nil, nil, err
	}
	for i, s := range models.EmbeddingSlots {
		if s == e.Dim {
			slots[i] = pgvector.NewVector(e.Vector)
		}
	}
	m, d := e.Model, e.Dim
	return slots, &m, &d, nil
}

// embeddingColumn reads whichever slot is populated as one text value.
const embeddingColumn = `COALESCE(embedding_384::text, embedding_768::text, embedding_1024::text,
	embedding_1536::text, embedding_3072::text)`

func toEmbedding(vec sql.Null[pgvector.Vector], model sql.NullString, dim sql.NullInt64) *models.Embedding {
	if !vec.Valid || !model.Valid || !dim.Valid {
		return nil
	}
	return &models.Embedding{Model: model.String, Dim: int(dim.Int64), Vector: vec.V.Slice()}
}

func (c *DatabaseClient) GetChunksBySource(ctx context.Context, sourceID string) ([]models.Chunk, error) {
	q := `
		SELECT id, source_id, source_kind, page_id, url, chunk_number, content, char_count, word_count,
		       ` + embeddingColumn + `, embedding_model, embedding_dim, embedding_generated,
		       related_image_ids, created_at
		FROM chunks
		WHERE source_id = $1
		ORDER BY url ASC, chunk_number ASC
	`
	rows, err := c.db.QueryContext(ctx, q, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			ch     models.Chunk
			kind   string
			pageID sql.NullString
			vec    sql.Null[pgvector.Vector]
			model  sql.NullString
			dim    sql.NullInt64
		)
		if err := rows.Scan(
			&ch.ID, &ch.SourceID, &kind, &pageID, &ch.URL, &ch.ChunkNumber, &ch.Content, &ch.CharCount, &ch.WordCount,
			&vec, &model, &dim, &ch.EmbeddingGenerated, arrayScanner(&ch.RelatedImageIDs), &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		ch.SourceKind = models.SourceKind(kind)
		if pageID.Valid {
			ch.PageID = &pageID.String
		}
		ch.Embedding = toEmbedding(vec, model, dim)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// GetImageByPosition looks an image up by its positional key. It returns
// nil, nil when nothing is stored there.
func (c *DatabaseClient) GetImageByPosition(ctx context.Context, sourceID string, anchor models.Anchor, index int) (*models.Image, error) {
	pageNumber, pageID, err := models.AnchorColumns(anchor)
	if err != nil {
		return nil, err
	}
	q := `
		SELECT id, source_id, source_kind, page_number, page_id, image_index, name, storage_path, mime_type,
		       byte_size, width, height, ocr_text, COALESCE(classification, ''),
		       ` + embeddingColumn + `, embedding_model, embedding_dim, created_at
		FROM images
		WHERE source_id = $1
		  AND image_index = $2
		  AND page_number IS NOT DISTINCT FROM $3
		  AND page_id IS NOT DISTINCT FROM $4::uuid
	`
	var (
		img     models.Image
		kind    string
		pageNum sql.NullInt64
		pid     sql.NullString
		vec     sql.Null[pgvector.Vector]
		model   sql.NullString
		dim     sql.NullInt64
	)
	err = c.db.QueryRowContext(ctx, q, sourceID, index, pageNumber, pageID).Scan(
		&img.ID, &img.SourceID, &kind, &pageNum, &pid, &img.ImageIndex, &img.Name, &img.StoragePath, &img.MimeType,
		&img.ByteSize, &img.Width, &img.Height, &img.OCRText, &img.Classification,
		&vec, &model, &dim, &img.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		np *int
		ip *string
	)
	if pageNum.Valid {
		n := int(pageNum.Int64)
		np = &n
	}
	if pid.Valid {
		ip = &pid.String
	}
	img.Anchor, err = models.AnchorFromColumns(models.SourceKind(kind), np, ip)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", img.ID, err)
	}
	img.Embedding = toEmbedding(vec, model, dim)
	return &img, nil
}

func (c *DatabaseClient) ListImageStoragePaths(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT storage_path FROM images WHERE source_id = $1 ORDER BY storage_path`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
