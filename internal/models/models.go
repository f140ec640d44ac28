package models

import (
	"time"
)

// SourceKind distinguishes uploaded files from crawled sites.
type SourceKind string

const (
	SourceKindFile SourceKind = "file"
	SourceKindWeb  SourceKind = "web"
)

// Source is one uploaded file or one crawled site.
type Source struct {
	ID          string     `db:"source_id" json:"source_id"` // content derived, see ingestion_engine.SourceIDForContent
	Kind        SourceKind `db:"source_kind" json:"source_kind"`
	Title       string     `db:"title" json:"title"`
	BlobKey     string     `db:"blob_key" json:"blob_key"` // object key of the original upload or crawl payload
	ContentType string     `db:"content_type" json:"content_type"`
	Tags        []string   `db:"tags" json:"tags"`
	WordCount   int        `db:"word_count" json:"word_count"`
	Phase       Phase      `db:"phase" json:"phase"`
	Report      []byte     `db:"ingest_report" json:"-"` // JSON encoded IngestionReport
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Page is a single crawled page. Pages only exist for web sources.
type Page struct {
	ID           string    `db:"page_id" json:"page_id"`
	SourceID     string    `db:"source_id" json:"source_id"`
	URL          string    `db:"url" json:"url"`
	Content      string    `db:"content" json:"content"`
	SectionTitle string    `db:"section_title" json:"section_title"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Embedding is a vector together with the model that produced it.
type Embedding struct {
	Model  string    `json:"model"`
	Dim    int       `json:"dim"`
	Vector []float32 `json:"-"`
}

// Chunk is one bounded slice of a source's text.
type Chunk struct {
	ID                 string     `db:"id" json:"id"`
	SourceID           string     `db:"source_id" json:"source_id"`
	SourceKind         SourceKind `db:"source_kind" json:"source_kind"`
	PageID             *string    `db:"page_id" json:"page_id,omitempty"` // set iff SourceKind is web
	URL                string     `db:"url" json:"url,omitempty"`
	ChunkNumber        int        `db:"chunk_number" json:"chunk_number"`
	Content            string     `db:"content" json:"content"`
	CharCount          int        `db:"char_count" json:"char_count"`
	WordCount          int        `db:"word_count" json:"word_count"`
	Embedding          *Embedding `json:"embedding,omitempty"`
	EmbeddingGenerated bool       `db:"embedding_generated" json:"embedding_generated"`
	RelatedImageIDs    []string   `db:"related_image_ids" json:"related_image_ids,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// Image is one extracted visual unit.
type Image struct {
	ID             string     `db:"id" json:"id"`
	SourceID       string     `db:"source_id" json:"source_id"`
	Anchor         Anchor     `json:"anchor"`
	ImageIndex     int        `db:"image_index" json:"image_index"`
	Name           string     `db:"name" json:"name"`
	StoragePath    string     `db:"storage_path" json:"storage_path"`
	MimeType       string     `db:"mime_type" json:"mime_type"`
	ByteSize       int        `db:"byte_size" json:"byte_size"`
	Width          int        `db:"width" json:"width"`
	Height         int        `db:"height" json:"height"`
	OCRText        string     `db:"ocr_text" json:"ocr_text,omitempty"`
	Classification string     `db:"classification" json:"classification,omitempty"`
	Embedding      *Embedding `json:"embedding,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Kind reports which positional scheme the image uses.
func (img *Image) Kind() SourceKind {
	if img.Anchor == nil {
		return ""
	}
	return img.Anchor.SourceKind()
}

// ExtractedImage is an image as reported by a recognition engine or a crawl,
// before it has been linked and stored. Page number and index are optional.
type ExtractedImage struct {
	Name       string `json:"name"`
	Base64     string `json:"base64"`
	PageNumber *int   `json:"page_number"`
	ImageIndex *int   `json:"image_index"`
	MimeType   string `json:"mime_type"`
}

// CrawledPage is one page of an already crawled site.
type CrawledPage struct {
	URL    string           `json:"url"`
	Title  string           `json:"title"`
	HTML   string           `json:"html"`
	Images []ExtractedImage `json:"images,omitempty"`
}

// CrawlPayload is the stored form of a web source awaiting ingestion.
type CrawlPayload struct {
	SiteURL string        `json:"site_url"`
	Pages   []CrawledPage `json:"pages"`
}
