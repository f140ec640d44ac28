package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPEngine talks to an engine running as a network service.
//
//	GET  {base}/health   -> 200 when ready
//	POST {base}/process  -> Result JSON
type HTTPEngine struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPEngine returns an adapter for the service at baseURL. Deadlines come
// from the caller's context, so client may be nil.
func NewHTTPEngine(name, baseURL string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPEngine{name: name, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (e *HTTPEngine) Name() string { return e.name }

func (e *HTTPEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s health: %w", e.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health: status %d", e.name, resp.StatusCode)
	}
	return nil
}

type processPayload struct {
	FileBytes     string `json:"file_bytes"`
	Filename      string `json:"filename"`
	DeviceHint    Device `json:"device_hint"`
	LanguageHint  string `json:"language_hint"`
	ExtractCharts bool   `json:"extract_charts"`
}

func (e *HTTPEngine) Process(ctx context.Context, in Request) (*Result, error) {
	body, err := json.Marshal(processPayload{
		FileBytes:     base64.StdEncoding.EncodeToString(in.FileBytes),
		Filename:      in.Filename,
		DeviceHint:    in.DeviceHint,
		LanguageHint:  in.LanguageHint,
		ExtractCharts: in.ExtractCharts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s process: %w", e.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s process: status %d: %s", e.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return decodeResult(e.name, resp.Body)
}

// decodeResult parses an engine response and rejects success=false.
func decodeResult(engine string, r io.Reader) (*Result, error) {
	var res Result
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, fmt.Errorf("%s: malformed response: %w", engine, err)
	}
	if !res.Success {
		reason, _ := res.Metadata["error"].(string)
		if reason == "" {
			reason = "success=false"
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrEngineFailed, engine, reason)
	}
	return &res, nil
}
