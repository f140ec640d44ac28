package core

import "context"

// EmbeddingProvider turns one text into one vector. Callers embed chunks one
// at a time so vectors never get reordered.
type EmbeddingProvider interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// ImageClassifier labels an image as chart, diagram, table, formula or photo.
type ImageClassifier interface {
	ClassifyImage(ctx context.Context, data []byte, mimeType string) (string, error)
}

// ImageTextRecognizer reads the text printed in a single image.
type ImageTextRecognizer interface {
	RecognizeImage(ctx context.Context, data []byte, language string) (string, error)
}
