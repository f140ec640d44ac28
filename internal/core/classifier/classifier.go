// Package classifier decides whether a document already carries extractable
// text, is image only, or mixes both, by sampling its first pages.
package classifier

import (
	"log/slog"
)

// Classification is the outcome of sampling a document.
type Classification string

const (
	TextBased Classification = "text_based"
	Scanned   Classification = "scanned"
	Mixed     Classification = "mixed"
	Unknown   Classification = "unknown"
)

const (
	DefaultSamplePages   = 3
	DefaultTextThreshold = 500
)

// PageSample counts what one sampled page contains.
type PageSample struct {
	TextChars int
	Images    int
}

// Sampler reads up to pages pages from raw without modifying it.
type Sampler interface {
	Sample(raw []byte, pages int) ([]PageSample, error)
}

// Classifier samples documents with a Sampler and applies the decision table.
type Classifier struct {
	sampler       Sampler
	samplePages   int
	textThreshold int
	logger        *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSamplePages sets how many leading pages are sampled.
func WithSamplePages(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.samplePages = n
		}
	}
}

// WithTextThreshold sets the character count above which sampled text is
// considered substantial.
func WithTextThreshold(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.textThreshold = n
		}
	}
}

// WithSampler replaces the PDF sampler.
func WithSampler(s Sampler) Option {
	return func(c *Classifier) {
		if s != nil {
			c.sampler = s
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a classifier backed by the PDF sampler.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		sampler:       PDFSampler{},
		samplePages:   DefaultSamplePages,
		textThreshold: DefaultTextThreshold,
		logger:        slog.Default().With("component", "classifier"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify samples raw and returns its classification. Sampling errors are
// reported as Unknown so that callers can still attempt generic OCR.
func (c *Classifier) Classify(raw []byte) Classification {
	samples, err := c.sampler.Sample(raw, c.samplePages)
	if err != nil {
		c.logger.Debug("sampling failed, classifying as unknown", "err", err)
		return Unknown
	}
	return Decide(samples, c.textThreshold)
}

// Decide applies the classification table to a set of page samples.
func Decide(samples []PageSample, textThreshold int) Classification {
	if len(samples) == 0 {
		return Unknown
	}

	var chars, images int
	for _, s := range samples {
		chars += s.TextChars
		images += s.Images
	}
	substantial := chars > textThreshold

	switch {
	case substantial && images <= len(samples):
		return TextBased
	case substantial:
		return Mixed
	case images > 0:
		return Scanned
	default:
		return Unknown
	}
}
