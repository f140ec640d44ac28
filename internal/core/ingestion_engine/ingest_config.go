package ingestion_engine

import "time"

const (
	defaultQueueSize  = 64
	defaultJobTimeout = 30 * time.Minute
)

// IngestConfig tunes the ingestion worker pool and the pipeline stages.
type IngestConfig struct {
	Bucket          string
	ChunkMaxSize    int
	ChunkMinSize    int
	Workers         int
	QueueSize       int
	DefaultLanguage string
	ImageOCR        bool
	ImageClassify   bool
	JobTimeout      time.Duration
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.QueueSize < 1 {
		c.QueueSize = defaultQueueSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "eng"
	}
	return c
}
