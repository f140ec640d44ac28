package ingestion_engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Docket/internal/core/classifier"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/models"
)

// fakeEmbedder returns dim wide vectors. Texts containing failOn are refused.
type fakeEmbedder struct {
	mu     sync.Mutex
	dim    int
	failOn string
	calls  []string
	block  chan struct{}
}

func (e *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, text)
	block := e.block
	e.block = nil
	e.mu.Unlock()

	if block != nil {
		close(block)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, errors.New("embedding service unavailable")
	}
	vec := make([]float32, e.dim)
	vec[0] = float32(len(text))
	return vec, nil
}

func (e *fakeEmbedder) ModelName() string { return "fake-embed" }

// fakeExtractor answers Run from a function so tests can vary per request.
type fakeExtractor struct {
	cls classifier.Classification
	run func(req ocr.Request) (*ocr.Outcome, error)
}

func (x *fakeExtractor) Classify(ocr.Request) classifier.Classification { return x.cls }

func (x *fakeExtractor) Run(ctx context.Context, req ocr.Request, _ ocr.Intent, _ classifier.Classification) (*ocr.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return x.run(req)
}

func outcome(engine, text string, images ...models.ExtractedImage) *ocr.Outcome {
	return &ocr.Outcome{
		Plan:     ocr.Plan{Route: ocr.RouteScannedSm, Engines: []string{engine}},
		Engine:   engine,
		Result:   &ocr.Result{Success: true, Text: text, Images: images},
		Attempts: []ocr.Attempt{{Engine: engine, Outcome: ocr.OutcomeSuccess}},
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func extracted(t *testing.T, name string, page, index *int) models.ExtractedImage {
	t.Helper()
	return models.ExtractedImage{
		Name:       name,
		Base64:     base64.StdEncoding.EncodeToString(pngBytes(t, 4, 3)),
		PageNumber: page,
		ImageIndex: index,
		MimeType:   "image/png",
	}
}

func intp(n int) *int { return &n }
