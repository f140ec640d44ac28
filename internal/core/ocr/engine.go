// Package ocr selects a recognition engine for a document and walks an
// ordered fallback chain until one of them returns text.
package ocr

import (
	"context"

	"github.com/markdave123-py/Docket/internal/models"
)

// Engine names understood by the orchestrator and accepted as a preference.
const (
	EngineFast   = "fast"
	EngineRobust = "robust"
	EngineMixed  = "mixed"
	EngineVision = "vision"
	EnginePlain  = "plain"
)

// Device is the acceleration hint passed through to an engine on every call.
type Device string

const (
	DeviceAuto   Device = "auto"
	DeviceNative Device = "native"
	DeviceCPU    Device = "cpu"
)

// Request is what every engine receives.
type Request struct {
	FileBytes     []byte
	Filename      string
	ContentType   string
	DeviceHint    Device
	LanguageHint  string
	ExtractCharts bool
}

// Result is an engine response. Success false is never partial success.
type Result struct {
	Success  bool                    `json:"success"`
	Text     string                  `json:"text"`
	Images   []models.ExtractedImage `json:"images"`
	Metadata map[string]any          `json:"metadata"`
}

// Engine is the uniform adapter around one recognition backend.
type Engine interface {
	Name() string
	Health(ctx context.Context) error
	Process(ctx context.Context, req Request) (*Result, error)
}

// Intent carries what the uploader asked for.
type Intent struct {
	OCR             bool   `json:"ocr"`
	PreferredEngine string `json:"preferred_engine,omitempty"`
}
