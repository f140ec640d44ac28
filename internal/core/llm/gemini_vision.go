package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/Docket/internal/core"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/models"
)

const transcribePrompt = `Transcribe all text visible in this image in reading order.
Render tables as Markdown tables and formulas as LaTeX. Return only the transcription.`

const classifyPrompt = `Classify this image. Answer with exactly one word from:
chart, diagram, table, formula, photo.`

// ImageLabels are the labels ClassifyImage may return.
var ImageLabels = []string{"chart", "diagram", "table", "formula", "photo"}

var ErrUnknownLabel = errors.New("model returned an unknown image label")

// GeminiVision is the vision-language engine used for standalone image
// files, and the image classifier.
type GeminiVision struct {
	client    *genai.Client
	modelName string
}

func NewGeminiVision(ctx context.Context, apiKey, modelName string) (*GeminiVision, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiVision{client: cl, modelName: modelName}, nil
}

func (g *GeminiVision) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiVision) Name() string { return ocr.EngineVision }

// Health checks local readiness only; the hosted model has no probe endpoint.
func (g *GeminiVision) Health(ctx context.Context) error {
	if g.client == nil {
		return errors.New("gemini client not initialised")
	}
	return ctx.Err()
}

// Process transcribes an image file. The image itself is reported back as
// the only image of page 1.
func (g *GeminiVision) Process(ctx context.Context, req ocr.Request) (*ocr.Result, error) {
	mimeType := imageMime(req.ContentType, req.FileBytes)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("vision: %s is not an image", mimeType)
	}

	text, err := g.generate(ctx, mimeType, req.FileBytes, transcribePrompt)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("vision: empty transcription")
	}

	page, index := 1, 0
	return &ocr.Result{
		Success: true,
		Text:    text,
		Images: []models.ExtractedImage{{
			Name:       req.Filename,
			Base64:     base64.StdEncoding.EncodeToString(req.FileBytes),
			PageNumber: &page,
			ImageIndex: &index,
			MimeType:   mimeType,
		}},
		Metadata: map[string]any{"model": g.modelName},
	}, nil
}

// ClassifyImage returns one of ImageLabels.
func (g *GeminiVision) ClassifyImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	answer, err := g.generate(ctx, imageMime(mimeType, data), data, classifyPrompt)
	if err != nil {
		return "", err
	}
	label := NormalizeLabel(answer)
	if label == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownLabel, answer)
	}
	return label, nil
}

// NormalizeLabel maps a free form model answer to a known label, or "".
func NormalizeLabel(answer string) string {
	word := strings.ToLower(strings.Trim(strings.TrimSpace(answer), ".!\"'`*"))
	for _, l := range ImageLabels {
		if word == l || word == l+"s" {
			return l
		}
	}
	return ""
}

func (g *GeminiVision) generate(ctx context.Context, mimeType string, data []byte, prompt string) (string, error) {
	m := g.client.GenerativeModel(g.modelName)

	format := strings.TrimPrefix(mimeType, "image/")
	resp, err := m.GenerateContent(ctx, genai.ImageData(format, data), genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

func imageMime(declared string, data []byte) string {
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	return http.DetectContentType(data)
}

var (
	_ ocr.Engine           = (*GeminiVision)(nil)
	_ core.ImageClassifier = (*GeminiVision)(nil)
)
