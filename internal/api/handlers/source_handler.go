package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/Docket/internal/core/ingestion_engine"
	"github.com/markdave123-py/Docket/internal/core/ocr"
	"github.com/markdave123-py/Docket/internal/models"
	"github.com/markdave123-py/Docket/internal/services"
)

const defaultMaxUpload = 64 << 20

type SourceHandler struct {
	sources   *services.SourceService
	images    *services.ImageService
	maxUpload int64
	logger    *slog.Logger
}

func NewSourceHandler(sources *services.SourceService, images *services.ImageService, maxUpload int64, logger *slog.Logger) *SourceHandler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceHandler{sources: sources, images: images, maxUpload: maxUpload, logger: logger.With("component", "source_handler")}
}

// Routes mounts the source endpoints on r.
func (h *SourceHandler) Routes(r chi.Router) {
	r.Post("/sources/upload", h.Upload)
	r.Post("/sources/web", h.SubmitCrawl)
	r.Get("/sources/{id}", h.GetSource)
	r.Get("/sources/{id}/progress", h.GetProgress)
	r.Get("/sources/{id}/chunks", h.GetChunks)
	r.Get("/sources/{id}/images/{page}/{index}", h.GetImage)
	r.Delete("/sources/{id}", h.DeleteSource)
}

type acceptedResponse struct {
	SourceID    string            `json:"source_id"`
	Kind        models.SourceKind `json:"source_kind"`
	Phase       models.Phase      `json:"phase"`
	ProgressURL string            `json:"progress_url"`
}

// Upload accepts a multipart file and returns the progress handle at once.
func (h *SourceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return
	}

	src, err := h.sources.Upload(r.Context(), services.UploadRequest{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		Tags:        splitTags(r.FormValue("tags")),
		Intent: ocr.Intent{
			OCR:             formBool(r, "ocr"),
			PreferredEngine: strings.TrimSpace(r.FormValue("preferred_engine")),
		},
		Language:      strings.TrimSpace(r.FormValue("language")),
		ExtractCharts: formBool(r, "extract_charts"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(src))
}

type crawlBody struct {
	SiteURL string               `json:"site_url"`
	Tags    []string             `json:"tags"`
	Pages   []models.CrawledPage `json:"pages"`
}

func (h *SourceHandler) SubmitCrawl(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	var body crawlBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	src, err := h.sources.SubmitCrawl(r.Context(), services.CrawlRequest{
		Payload: models.CrawlPayload{SiteURL: body.SiteURL, Pages: body.Pages},
		Tags:    body.Tags,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(src))
}

func (h *SourceHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.sources.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (h *SourceHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.sources.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *SourceHandler) GetChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := h.sources.Chunks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (h *SourceHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "image index must be a number", http.StatusBadRequest)
		return
	}
	loc, err := h.images.Locate(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "page"), index)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (h *SourceHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := h.sources.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SourceHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrSourceNotFound), errors.Is(err, services.ErrImageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrIngestionInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ingestion_engine.ErrQueueFull), errors.Is(err, ingestion_engine.ErrIngestorStopped):
		http.Error(w, "ingestion queue unavailable, retry later", http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func accepted(src *models.Source) acceptedResponse {
	return acceptedResponse{
		SourceID:    src.ID,
		Kind:        src.Kind,
		Phase:       src.Phase,
		ProgressURL: "/api/sources/" + src.ID + "/progress",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func formBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(r.FormValue(key)))
	return b
}

func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
