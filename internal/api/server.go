package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/docflow-io/docflow/internal/domain"
	"github.com/docflow-io/docflow/internal/export"
	"github.com/docflow-io/docflow/internal/intake"
	"github.com/docflow-io/docflow/internal/orchestrator"
)

const maxPerPage = 100

type Server struct {
	logger                *log.Logger
	jobs                  jobService
	uploads               *intake.Store
	exportDir             string
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	corsOrigins           map[string]struct{}
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type jobService interface {
	Create(ctx context.Context, params orchestrator.CreateParams) (domain.Job, error)
	Dispatch(jobID string)
	Status(jobID string) (domain.Job, error)
	Result(jobID string) (domain.Job, error)
	List(state string, page, perPage int) ([]domain.Job, int, error)
	Cancel(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string) error
	Slots() (inUse, capacity int)
}

type Options struct {
	ExportDir             string
	CORSOrigins           []string
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Registry              *prometheus.Registry
}

func NewServer(logger *log.Logger, jobs jobService, uploads *intake.Store, opts Options) *Server {
	corsOrigins := make(map[string]struct{}, len(opts.CORSOrigins))
	for _, origin := range opts.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			corsOrigins[origin] = struct{}{}
		}
	}

	userIDHeader := opts.RateLimitUserIDHeader
	if userIDHeader == "" {
		userIDHeader = "X-User-ID"
	}

	exportDir := opts.ExportDir
	if exportDir == "" {
		exportDir = os.TempDir()
	}

	s := &Server{
		logger:                logger,
		jobs:                  jobs,
		uploads:               uploads,
		exportDir:             exportDir,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: userIDHeader,
		corsOrigins:           corsOrigins,
		metrics:               newMetrics(opts.Registry),
		tracer:                otel.Tracer("docflow/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withTracing(h)
	h = s.metrics.withHTTPMetrics(h)
	h = s.withCORS(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("GET /v1/limits", s.handleLimits)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}/status", s.handleJobStatus)
	s.mux.HandleFunc("GET /v1/jobs/{id}/result", s.handleJobResult)
	s.mux.HandleFunc("GET /v1/jobs/{id}/download", s.handleDownload)
	s.mux.HandleFunc("GET /v1/jobs/{id}/export", s.handleExport)
	s.mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancelJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/retry", s.handleRetryJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	inUse, capacity := s.jobs.Slots()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"active_jobs":         inUse,
		"max_concurrent_jobs": capacity,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	_, capacity := s.jobs.Slots()
	writeJSON(w, http.StatusOK, map[string]any{
		"max_file_size_bytes": s.uploads.MaxSizeBytes(),
		"allowed_extensions":  s.uploads.AllowedExtensions(),
		"max_concurrent_jobs": capacity,
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	// Headroom over the document cap for multipart framing and form fields.
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxSizeBytes()+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field \"file\" is required"})
		return
	}
	defer file.Close()

	var options domain.Options
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "options must be a JSON object"})
			return
		}
	}
	webhookURL := strings.TrimSpace(r.FormValue("webhook_url"))

	saved, err := s.uploads.Materialize(header.Filename, file)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, intake.ErrFileTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.jobs.Create(r.Context(), orchestrator.CreateParams{
		Filename:    saved.Filename,
		Path:        saved.Path,
		ContentType: saved.ContentType,
		SizeBytes:   saved.SizeBytes,
		Options:     options,
		WebhookURL:  webhookURL,
	})
	if err != nil {
		s.uploads.Remove(saved.Path)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.jobs.Dispatch(job.ID)
	s.metrics.jobsSubmitted.Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"filename":   job.SourceFilename,
		"size_bytes": job.SizeBytes,
		"state":      job.State,
		"created_at": job.CreatedAt,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	state := query.Get("state")
	switch state {
	case "", domain.JobStatePending, domain.JobStateProcessing, domain.JobStateCompleted, domain.JobStateFailed:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown state filter: %q", state)})
		return
	}

	page, err := positiveIntParam(query.Get("page"), 1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "page must be a positive integer"})
		return
	}
	perPage, err := positiveIntParam(query.Get("per_page"), 10)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "per_page must be a positive integer"})
		return
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	jobs, total, err := s.jobs.List(state, page, perPage)
	if err != nil {
		s.logger.Printf("list jobs failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}

	summaries := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		summary := map[string]any{
			"job_id":     job.ID,
			"filename":   job.SourceFilename,
			"state":      job.State,
			"progress":   job.Progress,
			"size_bytes": job.SizeBytes,
			"created_at": job.CreatedAt,
			"updated_at": job.UpdatedAt,
		}
		if job.Error != "" {
			summary["error"] = job.Error
		}
		summaries = append(summaries, summary)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":     summaries,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get status")
		return
	}

	status := map[string]any{
		"job_id":   job.ID,
		"state":    job.State,
		"progress": job.Progress,
	}
	if job.Error != "" {
		status["error"] = job.Error
	}
	if job.StartedAt != nil {
		status["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		status["completed_at"] = job.CompletedAt
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Result(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get result")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":            job.ID,
		"original_filename": job.SourceFilename,
		"completed_at":      job.CompletedAt,
		"result": map[string]any{
			"markdown":                    job.Result.Markdown,
			"html":                        job.Result.HTML,
			"structured":                  job.Result.Structured,
			"pages":                       job.Result.Pages,
			"elements_detected":           job.Result.ElementsDetected,
			"model_used":                  job.Result.ModelUsed,
			"file_type":                   job.Result.FileType,
			"processing_duration_seconds": job.Result.ProcessingDurationSeconds,
		},
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Result(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get result")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatMarkdown
	}
	file, err := export.Render(job, format)
	if err != nil {
		if errors.Is(err, export.ErrUnsupportedFormat) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Printf("render failed job_id=%s format=%s err=%v", job.ID, format, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render result"})
		return
	}

	w.Header().Set("Content-Type", file.MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Content)))
	_, _ = w.Write(file.Content)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Result(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get result")
		return
	}

	includeMetadata := true
	if raw := r.URL.Query().Get("include_metadata"); raw != "" {
		parsed, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "include_metadata must be a boolean"})
			return
		}
		includeMetadata = parsed
	}

	path, err := export.BuildArchive(job, s.exportDir, includeMetadata)
	if err != nil {
		s.logger.Printf("export failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to build export archive"})
		return
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		s.logger.Printf("export open failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read export archive"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("docflow_export_%s.zip", job.ID)))
	_, _ = io.Copy(w, f)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"state":  domain.JobStateFailed,
		"error":  domain.CancelledByUser,
	})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.jobs.Retry(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err, "failed to retry job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"state":  domain.JobStatePending,
	})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": domain.ErrNotFound.Error()})
	case errors.Is(err, domain.ErrInvalidState):
		writeJSON(w, http.StatusConflict, map[string]string{"error": domain.ErrInvalidState.Error()})
	default:
		s.logger.Printf("%s err=%v", fallback, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fallback})
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.corsOrigins) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, ok := s.corsOrigins[origin]; ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+s.rateLimitUserIDHeader)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func positiveIntParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if parsed < 1 {
		return 0, fmt.Errorf("must be positive, got %d", parsed)
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
