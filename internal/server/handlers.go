// Package server exposes the ingestion and search pipeline over HTTP:
// folder settings, scan jobs, keyword and semantic search, and direct
// uploads. Errors use a JSON envelope {"error":{"code","message"}}.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/docsift/docsift/internal/config"
	"github.com/docsift/docsift/internal/docstore"
	"github.com/docsift/docsift/internal/index"
	"github.com/docsift/docsift/internal/scan"
	"github.com/docsift/docsift/internal/search"
)

// maxUploadBytes caps direct uploads at 100 MiB.
const maxUploadBytes = 100 << 20

// Handlers carries the wired pipeline for the HTTP API.
type Handlers struct {
	cfg        *config.Config
	configPath string
	cfgMu      sync.Mutex

	store   docstore.Store
	tracker *scan.Tracker
	scanner *scan.Scanner
	queue   scan.Enqueuer
	search  *search.Aggregator
}

// NewHandlers wires the API handlers.
func NewHandlers(cfg *config.Config, configPath string, store docstore.Store,
	tracker *scan.Tracker, scanner *scan.Scanner, queue scan.Enqueuer,
	aggregator *search.Aggregator) *Handlers {
	return &Handlers{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		tracker:    tracker,
		scanner:    scanner,
		queue:      queue,
		search:     aggregator,
	}
}

// Routes registers all API routes on a router.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/settings/folder", h.GetFolderSettings)
		r.Post("/settings/folder", h.UpdateFolderSettings)
		r.Post("/scan", h.StartScan)
		r.Get("/scan/{job_id}", h.GetScanStatus)
		r.Get("/search/fulltext", h.SearchFulltext)
		r.Post("/search/semantic", h.SearchSemantic)
		r.Post("/upload", h.Upload)
		r.Get("/upload/status/{document_id}", h.UploadStatus)
	})
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// folderSettings is the wire shape of the folder configuration.
type folderSettings struct {
	FolderPath        string `json:"folder_path"`
	IncludeSubfolders bool   `json:"include_subfolders"`
	AutoIngest        bool   `json:"auto_ingest"`
}

// GetFolderSettings returns the current folder configuration.
func (h *Handlers) GetFolderSettings(w http.ResponseWriter, r *http.Request) {
	h.cfgMu.Lock()
	settings := folderSettings{
		FolderPath:        h.cfg.Folder.Path,
		IncludeSubfolders: h.cfg.Folder.IncludeSubfolders,
		AutoIngest:        h.cfg.Folder.AutoIngest,
	}
	h.cfgMu.Unlock()

	writeJSON(w, http.StatusOK, settings)
}

// folderSettingsUpdate allows partial updates: absent fields keep their
// current value.
type folderSettingsUpdate struct {
	FolderPath        *string `json:"folder_path"`
	IncludeSubfolders *bool   `json:"include_subfolders"`
	AutoIngest        *bool   `json:"auto_ingest"`
}

// UpdateFolderSettings applies a partial settings update and persists
// it to the config file.
func (h *Handlers) UpdateFolderSettings(w http.ResponseWriter, r *http.Request) {
	var update folderSettingsUpdate
	if err := decodeJSON(r, &update); err != nil {
		ValidationError(w, "invalid request body: "+err.Error())
		return
	}

	if update.FolderPath != nil && *update.FolderPath != "" {
		info, err := os.Stat(*update.FolderPath)
		if err != nil {
			ValidationError(w, fmt.Sprintf("folder path not accessible: %v", err))
			return
		}
		if !info.IsDir() {
			ValidationError(w, "folder path is not a directory")
			return
		}
	}

	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()

	if update.FolderPath != nil {
		h.cfg.Folder.Path = *update.FolderPath
	}
	if update.IncludeSubfolders != nil {
		h.cfg.Folder.IncludeSubfolders = *update.IncludeSubfolders
	}
	if update.AutoIngest != nil {
		h.cfg.Folder.AutoIngest = *update.AutoIngest
	}

	if h.configPath != "" {
		if err := h.cfg.Save(h.configPath); err != nil {
			slog.Error("failed to persist settings", slog.String("error", err.Error()))
			InternalError(w, "failed to persist settings")
			return
		}
	}

	writeJSON(w, http.StatusOK, folderSettings{
		FolderPath:        h.cfg.Folder.Path,
		IncludeSubfolders: h.cfg.Folder.IncludeSubfolders,
		AutoIngest:        h.cfg.Folder.AutoIngest,
	})
}

// scanRequest optionally overrides the configured folder.
type scanRequest struct {
	Path              *string `json:"path"`
	IncludeSubfolders *bool   `json:"include_subfolders"`
}

// scanAccepted is the response to a started scan.
type scanAccepted struct {
	JobID             string `json:"job_id"`
	ScanPath          string `json:"scan_path"`
	IncludeSubfolders bool   `json:"include_subfolders"`
	Message           string `json:"message"`
}

// StartScan creates a scan job and runs the scan in the background.
// Clients poll GET /scan/{job_id} for progress.
func (h *Handlers) StartScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			ValidationError(w, "invalid request body: "+err.Error())
			return
		}
	}

	h.cfgMu.Lock()
	scanPath := h.cfg.Folder.Path
	recurse := h.cfg.Folder.IncludeSubfolders
	h.cfgMu.Unlock()

	if req.Path != nil {
		scanPath = *req.Path
	}
	if req.IncludeSubfolders != nil {
		recurse = *req.IncludeSubfolders
	}

	if scanPath == "" {
		ValidationError(w, "no scan path given and no folder configured")
		return
	}

	job, err := h.tracker.Create(r.Context(), scanPath, recurse)
	if err != nil {
		FromError(w, err)
		return
	}

	// The request context dies with this response; the scan gets its own.
	go h.scanner.Run(context.Background(), job)

	writeJSON(w, http.StatusAccepted, scanAccepted{
		JobID:             job.ID,
		ScanPath:          job.ScanPath,
		IncludeSubfolders: job.IncludeSubfolders,
		Message:           "scan started",
	})
}

// scanStatus is the wire shape of a scan job.
type scanStatus struct {
	JobID             string   `json:"job_id"`
	ScanPath          string   `json:"scan_path"`
	IncludeSubfolders bool     `json:"include_subfolders"`
	Status            string   `json:"status"`
	StartedAt         string   `json:"started_at"`
	CompletedAt       *string  `json:"completed_at,omitempty"`
	NewFiles          int      `json:"new_files"`
	SkippedFiles      int      `json:"skipped_files"`
	ErrorCount        int      `json:"error_count"`
	Errors            []string `json:"errors"`
}

// GetScanStatus returns the state of one scan job.
func (h *Handlers) GetScanStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	job, err := h.tracker.Get(r.Context(), jobID)
	if err != nil {
		FromError(w, err)
		return
	}

	status := scanStatus{
		JobID:             job.ID,
		ScanPath:          job.ScanPath,
		IncludeSubfolders: job.IncludeSubfolders,
		Status:            string(job.Status),
		StartedAt:         job.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		NewFiles:          job.NewFiles,
		SkippedFiles:      job.SkippedFiles,
		ErrorCount:        job.ErrorCount,
		Errors:            job.Errors,
	}
	if status.Errors == nil {
		status.Errors = []string{}
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
		status.CompletedAt = &completed
	}

	writeJSON(w, http.StatusOK, status)
}

// SearchFulltext serves paginated keyword search.
func (h *Handlers) SearchFulltext(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)

	results, err := h.search.Keyword(r.Context(), query, page, pageSize)
	if err != nil {
		FromError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// semanticRequest is the semantic search request body.
type semanticRequest struct {
	Query   string           `json:"query"`
	TopK    int              `json:"top_k"`
	Filters *semanticFilters `json:"filters"`
}

type semanticFilters struct {
	DocumentID int64  `json:"document_id"`
	Filename   string `json:"filename"`
}

// SearchSemantic serves top-k nearest-neighbor search.
func (h *Handlers) SearchSemantic(w http.ResponseWriter, r *http.Request) {
	var req semanticRequest
	if err := decodeJSON(r, &req); err != nil {
		ValidationError(w, "invalid request body: "+err.Error())
		return
	}

	var filter *index.VectorFilter
	if req.Filters != nil {
		filter = &index.VectorFilter{
			DocumentID: req.Filters.DocumentID,
			Filename:   req.Filters.Filename,
		}
	}

	results, err := h.search.Semantic(r.Context(), req.Query, req.TopK, filter)
	if err != nil {
		FromError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// uploadResponse returns the id of the document covering the uploaded
// content.
type uploadResponse struct {
	DocumentID int64  `json:"document_id"`
	Message    string `json:"message"`
}

// Upload ingests raw file bytes. Content is deduplicated by
// fingerprint: known content returns the existing document, a document
// stuck in error is requeued, new content gets a managed storage copy
// and an ingestion task.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		ValidationError(w, "filename query parameter is required")
		return
	}
	filename = filepath.Base(filename)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		ValidationError(w, "failed to read upload body: "+err.Error())
		return
	}
	if len(body) == 0 {
		ValidationError(w, "upload body is empty")
		return
	}

	sum := sha256.Sum256(body)
	fingerprint := hex.EncodeToString(sum[:])

	existing, err := h.store.GetDocumentByFingerprint(r.Context(), fingerprint)
	if err == nil {
		if existing.Status != docstore.StatusError {
			writeJSON(w, http.StatusOK, uploadResponse{
				DocumentID: existing.ID,
				Message:    "document already known",
			})
			return
		}

		// A previous ingestion of this content failed; try again.
		if err := h.store.RequeueDocument(r.Context(), existing.ID, fingerprint, int64(len(body))); err != nil {
			FromError(w, err)
			return
		}
		if err := h.enqueueUpload(r.Context(), existing.ID, existing.StoragePath, fingerprint); err != nil {
			FromError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, uploadResponse{
			DocumentID: existing.ID,
			Message:    "document requeued for ingestion",
		})
		return
	}

	doc := &docstore.Document{
		Filename:    filename,
		SourcePath:  "upload://" + fingerprint,
		Fingerprint: fingerprint,
		Status:      docstore.StatusQueued,
		FileSize:    int64(len(body)),
	}
	if err := h.store.CreateDocument(r.Context(), doc); err != nil {
		FromError(w, err)
		return
	}

	storagePath, err := h.saveUpload(doc.ID, filename, body)
	if err != nil {
		slog.Error("failed to store upload", slog.String("error", err.Error()))
		_ = h.store.SetDocumentStatus(r.Context(), doc.ID, docstore.StatusError, err.Error())
		InternalError(w, "failed to store upload")
		return
	}
	if err := h.store.SetDocumentStoragePath(r.Context(), doc.ID, storagePath); err != nil {
		FromError(w, err)
		return
	}

	if err := h.enqueueUpload(r.Context(), doc.ID, storagePath, fingerprint); err != nil {
		FromError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{
		DocumentID: doc.ID,
		Message:    "document queued for ingestion",
	})
}

// saveUpload writes the managed storage copy named <docid>_<filename>.
func (h *Handlers) saveUpload(docID int64, filename string, body []byte) (string, error) {
	h.cfgMu.Lock()
	storageDir := h.cfg.Paths.StorageDir
	h.cfgMu.Unlock()

	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return "", fmt.Errorf("create storage directory: %w", err)
	}

	storagePath := filepath.Join(storageDir, fmt.Sprintf("%d_%s", docID, filename))
	tmp := storagePath + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(tmp, storagePath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return storagePath, nil
}

// enqueueUpload spawns the ingestion task for an uploaded document.
// Uploads belong to no scan job.
func (h *Handlers) enqueueUpload(ctx context.Context, docID int64, sourcePath, fingerprint string) error {
	return h.queue.Enqueue(ctx, &docstore.Task{
		DocumentID:  docID,
		SourcePath:  sourcePath,
		Fingerprint: fingerprint,
		State:       docstore.TaskPending,
	})
}

// uploadStatus is the polling shape for one document.
type uploadStatus struct {
	DocumentID   int64  `json:"document_id"`
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	PageCount    int    `json:"page_count,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// UploadStatus reports the ingestion state of one document.
func (h *Handlers) UploadStatus(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "document_id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		ValidationError(w, "document_id must be an integer")
		return
	}

	doc, err := h.store.GetDocument(r.Context(), id)
	if err != nil {
		FromError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadStatus{
		DocumentID:   doc.ID,
		Filename:     doc.Filename,
		Status:       string(doc.Status),
		PageCount:    doc.PageCount,
		ErrorMessage: doc.ErrorMsg,
	})
}

// TriggerScan starts a scan of the configured folder. Used by the
// watcher's auto-ingest loop and the startup scan.
func (h *Handlers) TriggerScan(ctx context.Context, reason string) error {
	h.cfgMu.Lock()
	scanPath := h.cfg.Folder.Path
	recurse := h.cfg.Folder.IncludeSubfolders
	h.cfgMu.Unlock()

	if scanPath == "" {
		return fmt.Errorf("no folder configured")
	}

	job, err := h.tracker.Create(ctx, scanPath, recurse)
	if err != nil {
		return err
	}

	slog.Info("scan_triggered",
		slog.String("job_id", job.ID),
		slog.String("reason", reason))
	go h.scanner.Run(context.Background(), job)
	return nil
}
