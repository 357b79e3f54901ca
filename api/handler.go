package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/auth"
	"github.com/docuflow/document-extract-service/internal/config"
	"github.com/docuflow/document-extract-service/internal/faults"
	"github.com/docuflow/document-extract-service/internal/orchestrate"
	"github.com/docuflow/document-extract-service/internal/storage"
	"github.com/docuflow/document-extract-service/internal/store"
	"github.com/docuflow/document-extract-service/internal/vision"
)

const Version = "1.0.0"

// Handler exposes the extraction pipeline over HTTP.
type Handler struct {
	cfg      *config.Config
	pipeline *orchestrate.Orchestrator
	store    *store.Store
	objects  *storage.ObjectStore
	validate *validator.Validate
	log      *zap.Logger
}

func NewHandler(cfg *config.Config, pipeline *orchestrate.Orchestrator, st *store.Store, objects *storage.ObjectStore, log *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		pipeline: pipeline,
		store:    st,
		objects:  objects,
		validate: validator.New(),
		log:      log,
	}
}

// SetupRoutes configures the HTTP routes.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/api/login", auth.LoginHandler(h.store.Pool())).Methods("POST")

	protected := router.NewRoute().Subrouter()
	protected.Use(auth.Middleware)

	protected.HandleFunc("/parse", metricsMiddleware("/parse", h.Parse)).Methods("POST")
	protected.HandleFunc("/save", metricsMiddleware("/save", h.Save)).Methods("POST")
	protected.HandleFunc("/reject", metricsMiddleware("/reject", h.Reject)).Methods("POST")
	protected.HandleFunc("/api/search/documents", metricsMiddleware("/api/search/documents", h.SearchDocuments)).Methods("GET")
	protected.HandleFunc("/api/documents/{id}", metricsMiddleware("/api/documents/{id}", h.GetDocument)).Methods("GET")
	protected.HandleFunc("/api/documents/{id}/file", metricsMiddleware("/api/documents/{id}/file", h.GetDocumentFile)).Methods("GET")

	return router
}

// Parse accepts a multipart upload, runs the extraction pipeline and returns
// the post-processed payload. mode=fast (default) or mode=detailed.
func (h *Handler) Parse(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx := r.Context()

	claims, err := auth.GetClaimsFromContext(ctx)
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
		return
	}

	mode, err := vision.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	maxSize := h.cfg.Preprocess.MaxUploadSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		h.sendError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "file too large or invalid form data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, "no file provided (use 'file' field)")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, string(faults.CodeUnknown), "failed to read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := h.pipeline.ProcessDocument(ctx, orchestrate.Upload{
		Filename: header.Filename,
		Mime:     contentType,
		Data:     data,
		DocType:  r.FormValue("doc_type"),
		UserID:   claims.UserID,
	}, mode)
	if err != nil {
		parsesTotal.WithLabelValues(string(mode), "error").Inc()
		// A persistence failure after successful extraction still carries
		// the payload; return it so the caller can retry without another
		// model call.
		var extracted map[string]any
		if result != nil {
			extracted = result.Payload
		}
		h.sendFaultPayload(w, err, extracted)
		return
	}

	parsesTotal.WithLabelValues(string(result.Mode), "ok").Inc()
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"document_id": result.DocumentID,
		"mode":        result.Mode,
		"provider":    result.Provider,
		"duration_ms": result.Elapsed.Milliseconds(),
		"validation":  result.Validation,
		"data":        result.Payload,
	})
}

// SaveRequest is the approval body: the reviewed payload plus the document
// it belongs to.
type SaveRequest struct {
	DocumentID string         `json:"document_id" validate:"required,uuid4"`
	Data       map[string]any `json:"data" validate:"required"`
}

// Save persists the human-confirmed state and schedules the export fan-out.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx := r.Context()

	claims, err := auth.GetClaimsFromContext(ctx)
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
		return
	}

	var req SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, validationMessage(err))
		return
	}
	docID, err := uuid.Parse(req.DocumentID)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, "invalid document_id")
		return
	}

	if err := h.pipeline.Approve(ctx, docID, req.Data, claims.UserID); err != nil {
		h.sendFault(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"message":     "document approved",
		"document_id": docID,
	})
}

// RejectRequest identifies the document to reject.
type RejectRequest struct {
	DocumentID string `json:"document_id" validate:"required,uuid4"`
	Reason     string `json:"reason"`
}

// Reject marks a parsed document as rejected without altering its raw state.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx := r.Context()

	claims, err := auth.GetClaimsFromContext(ctx)
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
		return
	}

	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, validationMessage(err))
		return
	}
	docID, err := uuid.Parse(req.DocumentID)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, "invalid document_id")
		return
	}

	if err := h.pipeline.Reject(ctx, docID, claims.UserID); err != nil {
		h.sendFault(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"document_id": docID,
	})
}

// SearchDocuments lists documents filtered by status, language and an
// optional full-text query.
func (h *Handler) SearchDocuments(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	docs, total, err := h.store.SearchDocuments(r.Context(), searchParams(r.URL.Query()))
	if err != nil {
		h.sendFault(w, err)
		return
	}

	if docs == nil {
		docs = []store.DocumentSummary{}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"documents": docs,
		"total":     total,
	})
}

// searchParams reads the listing filters. "q" is accepted as a shorthand
// for "query".
func searchParams(q url.Values) store.SearchParams {
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	text := q.Get("query")
	if text == "" {
		text = q.Get("q")
	}
	return store.SearchParams{
		Status:   q.Get("status"),
		Query:    text,
		Language: q.Get("language"),
		Page:     page,
		PerPage:  perPage,
	}
}

// GetDocument returns a document with its current payload (latest approved
// snapshot when present, else raw).
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	docID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, "invalid document id")
		return
	}

	detail, err := h.store.GetDocument(r.Context(), docID)
	if err != nil {
		h.sendFault(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"document_id":  detail.ID,
		"doc_type":     detail.DocType,
		"status":       detail.Status,
		"language":     detail.Language,
		"payload_kind": detail.PayloadKind,
		"created_at":   detail.CreatedAt,
		"data":         detail.Payload,
	})
}

// GetDocumentFile redirects to a presigned URL for the original upload.
func (h *Handler) GetDocumentFile(w http.ResponseWriter, r *http.Request) {
	docID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, codeInvalidRequest, "invalid document id")
		return
	}

	var path string
	err = h.store.Pool().QueryRow(r.Context(), `
		SELECT f.storage_path FROM documents d
		JOIN files f ON f.id = d.file_id
		WHERE d.id = $1
	`, docID).Scan(&path)
	if err != nil || path == "" {
		h.sendError(w, http.StatusNotFound, codeNotFound, "original file not available")
		return
	}

	url, err := h.objects.PresignedURL(r.Context(), path)
	if err != nil {
		h.sendError(w, http.StatusBadGateway, codeStorage, "artifact store unavailable")
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status      string        `json:"status"`
	Version     string        `json:"version"`
	Timestamp   string        `json:"timestamp"`
	Uptime      string        `json:"uptime"`
	Memory      MemoryStats   `json:"memory"`
	ImageMagick ServiceStatus `json:"imageMagick"`
	Database    ServiceStatus `json:"database"`
	Storage     ServiceStatus `json:"storage"`
	Vision      string        `json:"vision"`
}

// MemoryStats reports process memory usage.
type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

// ServiceStatus reports one dependency.
type ServiceStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health reports dependency status for monitoring.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		ImageMagick: h.checkImageMagick(),
		Database:    h.checkDatabase(r),
		Storage:     h.checkStorage(),
		Vision:      h.cfg.Vision.Provider,
	}

	if !response.Database.Available {
		response.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) checkImageMagick() ServiceStatus {
	cmd := exec.Command("magick", "-version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		cmd = exec.Command("convert", "-version")
		output, err = cmd.CombinedOutput()
	}
	if err != nil {
		return ServiceStatus{Available: false, Error: "imagemagick not found or not executable"}
	}

	version := "unknown"
	if lines := strings.Split(string(output), "\n"); len(lines) > 0 {
		version = strings.TrimSpace(lines[0])
	}
	return ServiceStatus{Available: true, Version: version}
}

func (h *Handler) checkDatabase(r *http.Request) ServiceStatus {
	if err := h.store.Pool().Ping(r.Context()); err != nil {
		return ServiceStatus{Available: false, Error: err.Error()}
	}
	return ServiceStatus{Available: true, Version: "PostgreSQL"}
}

func (h *Handler) checkStorage() ServiceStatus {
	if h.objects == nil {
		return ServiceStatus{Available: false, Error: "storage client not initialized"}
	}
	return ServiceStatus{Available: true, Version: "MinIO S3"}
}

// Request-level error codes; extraction faults carry their own E-codes.
const (
	codeInvalidRequest  = "invalid_request"
	codeInvalidInput    = "invalid_input"
	codeUnauthorized    = "unauthorized"
	codeNotFound        = "not_found"
	codePayloadTooLarge = "payload_too_large"
	codeDuplicate       = "duplicate_in_progress"
	codeStorage         = "storage_unavailable"
)

// sendError sends one error response; every error class shares the
// {error_code, message} shape.
func (h *Handler) sendError(w http.ResponseWriter, statusCode int, code, message string) {
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error_code": code,
		"message":    message,
	})
}

// sendFault maps pipeline errors to HTTP: input rejections are 400,
// duplicate coalescing is 409, classified extraction faults carry their
// stable code and client-safe message.
func (h *Handler) sendFault(w http.ResponseWriter, err error) {
	h.sendFaultPayload(w, err, nil)
}

// sendFaultPayload additionally attaches an already-extracted payload so a
// caller hit by a persistence failure can retry without re-extracting.
func (h *Handler) sendFaultPayload(w http.ResponseWriter, err error, extracted map[string]any) {
	var rejected *faults.InputRejectedError
	if errors.As(err, &rejected) {
		h.sendError(w, http.StatusBadRequest, codeInvalidInput, rejected.Error())
		return
	}
	if errors.Is(err, faults.ErrDuplicateInProgress) {
		h.sendError(w, http.StatusConflict, codeDuplicate, "an identical document is already being processed")
		return
	}
	if errors.Is(err, faults.ErrNotFound) {
		h.sendError(w, http.StatusNotFound, codeNotFound, "document not found")
		return
	}

	code := faults.CodeOf(err)
	parseErrors.WithLabelValues(string(code)).Inc()

	status := http.StatusInternalServerError
	switch code {
	case faults.CodeRateLimited:
		status = http.StatusServiceUnavailable
	case faults.CodeAuth, faults.CodePermission, faults.CodeNetwork:
		status = http.StatusBadGateway
	case faults.CodeDeadline:
		status = http.StatusGatewayTimeout
	}

	h.log.Error("request failed", zap.String("error_code", string(code)), zap.Error(err))
	body := map[string]any{
		"error_code": string(code),
		"message":    faults.ClientMessageOf(err),
	}
	if extracted != nil {
		body["data"] = extracted
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Sprintf("field %s failed validation (%s)", verrs[0].Field(), verrs[0].Tag())
	}
	return "invalid request"
}
