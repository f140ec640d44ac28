// Package tesseract reads text out of single images with the Tesseract
// library through gosseract.
package tesseract

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/markdave123-py/Docket/internal/core"
)

// Recognizer runs one gosseract client per call. Clients are not safe for
// concurrent use, so at most `slots` recognitions run at once.
type Recognizer struct {
	defaultLanguage string
	slots           chan struct{}
	once            sync.Once
	version         string
}

var _ core.ImageTextRecognizer = (*Recognizer)(nil)

func NewRecognizer(defaultLanguage string, concurrency int) *Recognizer {
	if defaultLanguage == "" {
		defaultLanguage = "eng"
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Recognizer{defaultLanguage: defaultLanguage, slots: make(chan struct{}, concurrency)}
}

// Version reports the linked Tesseract version.
func (r *Recognizer) Version() string {
	r.once.Do(func() { r.version = gosseract.Version() })
	return r.version
}

func (r *Recognizer) RecognizeImage(ctx context.Context, data []byte, language string) (string, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-r.slots }()

	if language == "" {
		language = r.defaultLanguage
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(strings.Split(language, "+")...); err != nil {
		return "", fmt.Errorf("tesseract language %q: %w", language, err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("tesseract image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
