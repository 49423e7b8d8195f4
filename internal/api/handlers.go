package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkrv/docflow/internal/blob"
	"github.com/mkrv/docflow/internal/health"
	"github.com/mkrv/docflow/internal/ingest"
	"github.com/mkrv/docflow/internal/parser"
	"github.com/mkrv/docflow/internal/search"
	"github.com/mkrv/docflow/internal/storage"
	"github.com/mkrv/docflow/internal/task"
)

const maxJSONBodySize = 1 << 20 // 1MB

// Pipeline is the ingestion surface the API drives.
type Pipeline interface {
	Submit(ctx context.Context, filename, contentType string, size int64, content io.Reader, autoParse bool) (storage.Document, string, error)
	EnqueueParse(documentID string, opts parser.Options, chainIndex bool) (string, error)
	EnqueueIndex(documentID, collection string, overwrite bool) (string, error)
	Delete(ctx context.Context, documentID string) error
	Markdown(ctx context.Context, documentID string) (io.ReadCloser, error)
	QueueDepth() int
	ActiveWorkers() int
}

// Searcher answers search requests.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Hit, error)
}

// AnswerProvider synthesizes grounded answers.
type AnswerProvider interface {
	Answer(ctx context.Context, req search.AnswerRequest) (search.AnswerResponse, error)
}

// HealthChecker reports dependency health.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Store    *storage.Store
	Pipeline Pipeline
	Tasks    *task.Registry
	Search   Searcher
	Answer   AnswerProvider
	Health   HealthChecker
	// Token enables bearer auth on /api/v1 when non-empty.
	Token string
	// MaxUploadBytes caps the multipart request body. Defaults to 101 MiB,
	// leaving room for multipart framing around a max-size file.
	MaxUploadBytes int64
}

// NewHandler builds the HTTP router.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 101 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/upload", handleUpload(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{file_id}", handleGetDocument(deps))
		r.Get("/documents/{file_id}/markdown", handleDocumentMarkdown(deps))
		r.Delete("/documents/{file_id}", handleDeleteDocument(deps))
		r.Post("/documents/parse", handleParseDocument(deps))
		r.Post("/documents/index", handleIndexDocument(deps))
		r.Get("/tasks", handleListTasks(deps))
		r.Get("/tasks/{task_id}", handleGetTask(deps))
		r.Post("/search", handleSearch(deps))
		r.Post("/search/answer", handleAnswer(deps))
		r.Get("/pipeline/stats", handlePipelineStats(deps))
	})

	return r
}

type documentResponse struct {
	FileID            string    `json:"file_id"`
	OriginalName      string    `json:"original_name"`
	SizeBytes         int64     `json:"size_bytes"`
	ContentType       string    `json:"content_type,omitempty"`
	Status            string    `json:"status"`
	ContentBlockCount int       `json:"content_block_count"`
	MarkdownLength    int       `json:"markdown_length"`
	Collection        string    `json:"collection,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func documentJSON(d storage.Document) documentResponse {
	return documentResponse{
		FileID:            d.ID,
		OriginalName:      d.OriginalName,
		SizeBytes:         d.SizeBytes,
		ContentType:       d.ContentType,
		Status:            string(d.Status),
		ContentBlockCount: d.ContentBlockCount,
		MarkdownLength:    d.MarkdownLength,
		Collection:        d.Collection,
		Error:             d.Error,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "multipart field \"file\" is required: %v", err)
			return
		}
		defer file.Close()

		autoParse := true
		if v := r.FormValue("auto_parse"); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				httpError(w, r, http.StatusBadRequest, "invalid_request_error", "invalid auto_parse value %q", v)
				return
			}
			autoParse = parsed
		}

		doc, taskID, err := deps.Pipeline.Submit(r.Context(),
			header.Filename, header.Header.Get("Content-Type"), header.Size, file, autoParse)
		switch {
		case errors.Is(err, ingest.ErrInvalidFileType):
			httpError(w, r, http.StatusBadRequest, "unsupported_file_type", "%v", err)
			return
		case errors.Is(err, ingest.ErrFileTooLarge):
			httpError(w, r, http.StatusRequestEntityTooLarge, "file_too_large", "%v", err)
			return
		case errors.Is(err, ingest.ErrShuttingDown):
			httpError(w, r, http.StatusServiceUnavailable, "shutting_down", "%v", err)
			return
		case err != nil:
			httpError(w, r, http.StatusInternalServerError, "api_error", "upload failed: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"file_id":       doc.ID,
			"status":        string(doc.Status),
			"parse_task_id": taskID,
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)
		status := storage.DocumentStatus(r.URL.Query().Get("status"))

		docs, err := deps.Store.ListDocuments(status, limit, offset)
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		total, err := deps.Store.CountDocuments(status)
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to count documents: %v", err)
			return
		}

		out := make([]documentResponse, len(docs))
		for i, d := range docs {
			out[i] = documentJSON(d)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documents": out,
			"total":     total,
		})
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "file_id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, r, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, documentJSON(doc))
	}
}

func handleDocumentMarkdown(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "file_id")

		rc, err := deps.Pipeline.Markdown(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, r, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if errors.Is(err, blob.ErrNotFound) {
			httpError(w, r, http.StatusNotFound, "not_found", "document has no parsed content")
			return
		}
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to read markdown: %v", err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.Copy(w, rc)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "file_id")

		err := deps.Pipeline.Delete(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, r, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type parseDocumentRequest struct {
	FileID  string         `json:"file_id"`
	Options parser.Options `json:"parse_options"`
}

func handleParseDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		defer r.Body.Close()

		var req parseDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.FileID == "" {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "file_id is required")
			return
		}

		taskID, err := deps.Pipeline.EnqueueParse(req.FileID, req.Options, false)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, r, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to queue parse: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
	}
}

type indexDocumentRequest struct {
	FileID     string `json:"file_id"`
	Collection string `json:"collection_name"`
	Overwrite  bool   `json:"overwrite"`
}

func handleIndexDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		defer r.Body.Close()

		var req indexDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.FileID == "" {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "file_id is required")
			return
		}

		taskID, err := deps.Pipeline.EnqueueIndex(req.FileID, req.Collection, req.Overwrite)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, r, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to queue index: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tasks := deps.Tasks.List(task.Filter{
			Kind:       task.Kind(q.Get("kind")),
			Status:     task.Status(q.Get("status")),
			DocumentID: q.Get("document_id"),
		})
		if tasks == nil {
			tasks = []task.Task{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks": tasks,
			"total": len(tasks),
		})
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "task_id")

		t, err := deps.Tasks.Get(id)
		if errors.Is(err, task.ErrNotFound) {
			httpError(w, r, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handlePipelineStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{
			"queue_depth":    deps.Pipeline.QueueDepth(),
			"active_workers": deps.Pipeline.ActiveWorkers(),
		})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := deps.Health.Check(r.Context())
		status := http.StatusOK
		if report.Status == health.Unreachable {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
