// Package api provides the HTTP surface: folder listing and management,
// quota-checked uploads, and the two-step download flow
// (initialize-download, download-start).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lsh908400/portfolio-be/internal/events"
	"github.com/lsh908400/portfolio-be/internal/logging"
	"github.com/lsh908400/portfolio-be/internal/metadata/postgres"
	"github.com/lsh908400/portfolio-be/internal/metrics"
	"github.com/lsh908400/portfolio-be/internal/progress"
	"github.com/lsh908400/portfolio-be/internal/quota"
	"github.com/lsh908400/portfolio-be/internal/realtime"
	"github.com/lsh908400/portfolio-be/internal/sandbox"
	"github.com/lsh908400/portfolio-be/internal/session"
	"github.com/lsh908400/portfolio-be/internal/transfer"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// FolderRecords is the relational mirror of folder configs. Implemented by
// the postgres store; may be nil, the sidecar config stays authoritative.
type FolderRecords interface {
	GetFolder(ctx context.Context, id string) (*postgres.FolderRow, error)
	UpsertFolder(ctx context.Context, row *postgres.FolderRow) error
	DeleteFolderTree(ctx context.Context, id string) error
}

// DocumentHook is notified of folder removals so the surrounding document
// store can update its records. Incidental: failures are logged, never
// surfaced.
type DocumentHook interface {
	FolderDeleted(ctx context.Context, id string)
}

// NopHook is the default no-op DocumentHook.
type NopHook struct{}

// FolderDeleted implements DocumentHook.
func (NopHook) FolderDeleted(context.Context, string) {}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the HTTP server.
type Server struct {
	sandbox  *sandbox.Sandbox
	store    session.Store
	reporter *progress.Reporter
	gateway  *realtime.Gateway
	folders  FolderRecords // optional, may be nil
	docHook  DocumentHook

	maxDownloadSize int64

	files    *transfer.FileStreamer
	archives *transfer.ArchiveStreamer
}

// NewServer creates a new server. folders and docHook may be nil.
func NewServer(
	sb *sandbox.Sandbox,
	store session.Store,
	reporter *progress.Reporter,
	broadcaster *events.Broadcaster,
	folders FolderRecords,
	docHook DocumentHook,
	maxDownloadSize int64,
) *Server {
	if docHook == nil {
		docHook = NopHook{}
	}
	return &Server{
		sandbox:         sb,
		store:           store,
		reporter:        reporter,
		gateway:         realtime.NewGateway(store, broadcaster),
		folders:         folders,
		docHook:         docHook,
		maxDownloadSize: maxDownloadSize,
		files:           transfer.NewFileStreamer(reporter),
		archives:        transfer.NewArchiveStreamer(reporter),
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/folder", s.handleGetFolder)
	mux.HandleFunc("POST /api/folder", s.handlePostFolder)
	mux.HandleFunc("DELETE /api/folder", s.handleDeleteFolder)
	mux.HandleFunc("POST /api/folder/upload", s.handleUpload)
	mux.HandleFunc("GET /api/folder/initialize-download", s.handleInitDownload)
	mux.HandleFunc("GET /api/folder/download-start", s.handleDownloadStart)

	mux.HandleFunc("GET /ws", s.gateway.HandleWS)

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// folderEntry is one row of the folder listing response.
type folderEntry struct {
	Name                 string `json:"name"`
	IsDirectory          bool   `json:"isDirectory"`
	Path                 string `json:"path"`
	MaxSizeBytes         int64  `json:"maxSizeBytes"`
	MaxSizeFormatted     string `json:"maxSizeFormatted"`
	CurrentSizeFormatted string `json:"currentSizeFormatted"`
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	dir := r.URL.Query().Get("dir")
	if id == "" || dir == "" {
		s.sendError(w, http.StatusBadRequest, "id and dir are required")
		return
	}

	cfg, err := s.provisionFolder(r.Context(), id, dir)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dirPath := cfg.Path
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "read folder: "+err.Error())
		return
	}

	contents := make([]folderEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == sandbox.ConfigFileName {
			continue
		}
		item := folderEntry{
			Name:                 entry.Name(),
			IsDirectory:          entry.IsDir(),
			Path:                 path.Join(sandbox.Sanitize(id), entry.Name()),
			CurrentSizeFormatted: quota.FormatBytes(0),
		}
		if entry.IsDir() {
			childPath := filepath.Join(dirPath, entry.Name())
			if size, err := quota.DirectorySize(childPath); err == nil {
				item.CurrentSizeFormatted = quota.FormatBytes(size)
			}
			if childCfg, err := s.sandbox.ReadConfig(childPath); err == nil && childCfg != nil {
				item.MaxSizeBytes = childCfg.MaxSizeBytes
				item.MaxSizeFormatted = quota.FormatBytes(uint64(childCfg.MaxSizeBytes))
			}
		}
		contents = append(contents, item)
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    contents,
		"message": "folder contents loaded",
	})
}

// provisionFolder ensures the sandbox directory, sidecar config, and
// relational record all exist for a folder id. First access mints a random
// password and the default quota.
func (s *Server) provisionFolder(ctx context.Context, id, recordID string) (*sandbox.FolderConfig, error) {
	var opts *sandbox.ConfigOptions
	if s.folders != nil {
		row, err := s.folders.GetFolder(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			opts = &sandbox.ConfigOptions{
				PasswordHash: row.Password,
				MaxSizeBytes: row.Volume,
			}
		}
	}
	if opts == nil {
		opts = &sandbox.ConfigOptions{Password: uuid.NewString()}
	}

	cfg, err := s.sandbox.LoadOrCreateConfig(id, opts)
	if err != nil {
		return nil, err
	}

	if s.folders != nil && opts.PasswordHash == "" {
		row := &postgres.FolderRow{
			ID:       recordID,
			Password: cfg.PasswordHash,
			Volume:   cfg.MaxSizeBytes,
		}
		if err := s.folders.UpsertFolder(ctx, row); err != nil {
			logging.Warn("folder record mirror failed",
				zap.String("id", recordID), zap.Error(err))
		}
	}
	return cfg, nil
}

type postFolderRequest struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	MaxSizeBytes int64  `json:"maxSizeBytes"`
}

func (s *Server) handlePostFolder(w http.ResponseWriter, r *http.Request) {
	var req postFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" || req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "path and name are required")
		return
	}

	parentID := sandbox.Sanitize(req.Path)
	if parentID == "" {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}
	rootID := parentID
	if i := strings.IndexByte(parentID, '/'); i >= 0 {
		rootID = parentID[:i]
	}

	parent, err := s.lookupFolder(r.Context(), rootID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if parent == nil {
		s.sendError(w, http.StatusNotFound, "parent folder not found")
		return
	}

	// Requested quota is clamped to the parent's; invalid requests inherit it.
	maxSize := req.MaxSizeBytes
	if maxSize <= 0 || maxSize > parent.MaxSizeBytes {
		maxSize = parent.MaxSizeBytes
	}

	newPath := path.Join(parentID, sandbox.Sanitize(req.Name))
	if _, err := s.sandbox.LoadOrCreateConfig(newPath, &sandbox.ConfigOptions{
		PasswordHash: parent.PasswordHash,
		MaxSizeBytes: maxSize,
	}); err != nil {
		if errors.Is(err, sandbox.ErrEscape) {
			s.sendError(w, http.StatusBadRequest, "invalid path")
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "folder created",
	})
}

// lookupFolder loads a root folder's config, preferring the relational
// record, falling back to the sidecar. Returns nil when neither exists.
func (s *Server) lookupFolder(ctx context.Context, rootID string) (*sandbox.FolderConfig, error) {
	if s.folders != nil {
		row, err := s.folders.GetFolder(ctx, rootID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			dir, err := s.sandbox.Locate(rootID)
			if err != nil {
				return nil, err
			}
			return &sandbox.FolderConfig{
				ID:           rootID,
				Path:         dir,
				PasswordHash: row.Password,
				MaxSizeBytes: row.Volume,
				CreatedAt:    row.CreatedAt,
			}, nil
		}
	}
	dir, err := s.sandbox.Locate(rootID)
	if err != nil {
		return nil, err
	}
	return s.sandbox.ReadConfig(dir)
}

type deleteFolderRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	var req deleteFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	rel := path.Join(sandbox.Sanitize(req.ID), sandbox.Sanitize(req.Name))
	target, err := s.sandbox.ResolveFile(req.ID, req.Name)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if target == s.sandbox.Root() {
		s.sendError(w, http.StatusBadRequest, "cannot delete root")
		return
	}
	if _, err := os.Stat(target); err != nil {
		s.sendError(w, http.StatusNotFound, "folder not found")
		return
	}
	if err := os.RemoveAll(target); err != nil {
		s.sendError(w, http.StatusInternalServerError, "delete folder: "+err.Error())
		return
	}

	if s.folders != nil {
		if err := s.folders.DeleteFolderTree(r.Context(), rel); err != nil {
			logging.Warn("folder record removal failed",
				zap.String("path", rel), zap.Error(err))
		}
	}
	s.docHook.FolderDeleted(r.Context(), rel)
	logging.Info("folder deleted", zap.String("path", rel))

	s.sendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "folder deleted",
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	folderName := r.FormValue("folderName")
	if folderName == "" {
		s.sendError(w, http.StatusBadRequest, "folderName is required")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	cfg, err := s.sandbox.LoadOrCreateConfig(folderName, nil)
	if err != nil {
		if errors.Is(err, sandbox.ErrEscape) {
			s.sendError(w, http.StatusBadRequest, "invalid folder name")
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var requested uint64
	for _, fh := range files {
		requested += uint64(fh.Size)
	}
	ok, err := quota.CheckCapacity(cfg.Path, uint64(cfg.MaxSizeBytes), requested)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		metrics.RecordQuotaDenied()
		s.sendError(w, http.StatusRequestEntityTooLarge, "folder quota exceeded")
		return
	}

	stored := make([]string, 0, len(files))
	for _, fh := range files {
		name := sandbox.Sanitize(filepath.Base(fh.Filename))
		if name == "" || name == sandbox.ConfigFileName {
			s.sendError(w, http.StatusBadRequest, "invalid file name: "+fh.Filename)
			return
		}
		dst, err := s.sandbox.ResolveFile(folderName, name)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid file name: "+fh.Filename)
			return
		}
		if err := saveMultipartFile(fh, dst); err != nil {
			s.sendError(w, http.StatusInternalServerError, "store file: "+err.Error())
			return
		}
		stored = append(stored, path.Join(sandbox.Sanitize(folderName), name))
	}
	metrics.RecordUpload(int64(requested))

	logging.Info("files uploaded",
		zap.String("folder", folderName),
		zap.Int("count", len(stored)),
		zap.Uint64("bytes", requested))

	s.sendJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   fmt.Sprintf("%d files uploaded to %s", len(stored), folderName),
		"files":     stored,
		"fileCount": len(stored),
	})
}

func saveMultipartFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func (s *Server) handleInitDownload(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("filePath")
	fileName := r.URL.Query().Get("fileName")
	if filePath == "" || fileName == "" {
		s.sendError(w, http.StatusBadRequest, "filePath and fileName are required")
		return
	}

	cleanPath := sandbox.Sanitize(filePath)
	cleanName := sandbox.Sanitize(fileName)
	full, err := s.sandbox.ResolveFile(cleanPath, cleanName)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}

	info, err := os.Stat(full)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "download target not found")
		return
	}
	if !info.IsDir() && info.Size() > s.maxDownloadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds download limit of %s", quota.FormatBytes(uint64(s.maxDownloadSize))))
		return
	}

	downloadID := s.store.Create(session.Meta{
		FilePath: cleanPath,
		FileName: cleanName,
		IsFile:   !info.IsDir(),
	})

	logging.Info("download initialized",
		zap.String("download_id", downloadID),
		zap.String("path", cleanPath),
		zap.String("name", cleanName),
		zap.Bool("is_file", !info.IsDir()))

	s.sendJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"downloadId":  downloadID,
		"fileName":    cleanName,
		"isFile":      !info.IsDir(),
		"downloadUrl": "/api/folder/download-start?downloadId=" + downloadID,
	})
}

func (s *Server) handleDownloadStart(w http.ResponseWriter, r *http.Request) {
	downloadID := r.URL.Query().Get("downloadId")
	if downloadID == "" {
		s.sendError(w, http.StatusBadRequest, "downloadId is required")
		return
	}
	sess, ok := s.store.Get(downloadID)
	if !ok {
		s.sendError(w, http.StatusNotFound, "download session not found")
		return
	}
	// A download url is single-use: once byte transport has begun (or the
	// session is terminal) a repeat request must not restart the stream.
	if sess.Ready || sess.Status.Terminal() {
		s.sendError(w, http.StatusConflict, "download already started")
		return
	}

	full, err := s.sandbox.ResolveFile(sess.FilePath, sess.FileName)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Expose-Headers", "X-Download-ID")
	w.Header().Set("X-Download-ID", downloadID)

	// Byte transport is about to begin: flip ready and set the active
	// marker suppressing concurrent history replay.
	s.store.Merge(downloadID, session.Update{Ready: session.Bool(true)})
	s.store.SetActive(downloadID, true)

	logging.Info("starting download",
		zap.String("download_id", downloadID),
		zap.String("path", sess.FilePath),
		zap.String("name", sess.FileName),
		zap.Bool("is_file", sess.IsFile))

	if sess.IsFile {
		err = s.streamFile(w, r, sess, full)
	} else {
		err = s.archives.Stream(r.Context(), w, transfer.ArchiveRequest{
			Dir:        full,
			FileName:   sess.FileName,
			DownloadID: downloadID,
		})
	}

	switch {
	case errors.Is(err, transfer.ErrNotFound):
		s.store.SetActive(downloadID, false)
		s.sendError(w, http.StatusNotFound, "download target not found")
		return
	case errors.Is(err, transfer.ErrRangeNotSatisfiable):
		s.store.SetActive(downloadID, false)
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
		return
	case err != nil:
		// Headers are out; the terminal event already carried the failure.
		logging.Warn("transfer failed",
			zap.String("download_id", downloadID), zap.Error(err))
	}

	// A session that did not complete has no client left to acknowledge;
	// release the active marker so status queries can replay it.
	if final, ok := s.store.Get(downloadID); ok && final.Status != session.StatusComplete {
		s.store.SetActive(downloadID, false)
	}
}

func (s *Server) streamFile(w http.ResponseWriter, r *http.Request, sess session.Session, full string) error {
	req := transfer.FileRequest{
		Path:        full,
		FileName:    sess.FileName,
		ContentType: contentTypeFor(sess.FileName),
		DownloadID:  sess.DownloadID,
	}
	if info, err := os.Stat(full); err == nil && !info.IsDir() {
		req.HasRange, req.RangeStart, req.RangeEnd = parseRangeHeader(r.Header.Get("Range"), info.Size())
	}
	return s.files.Stream(r.Context(), w, req)
}

func contentTypeFor(name string) string {
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return ct
}

// parseRangeHeader parses a single "bytes=start-end" range into an inclusive
// [start, end] pair. Malformed headers are ignored (full response); bounds
// beyond the file are preserved so validation can answer 416.
func parseRangeHeader(rangeHeader string, totalSize int64) (hasRange bool, start, end int64) {
	if rangeHeader == "" {
		return false, 0, 0
	}
	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return false, 0, 0
	}
	startStr, endStr := matches[1], matches[2]

	// Suffix form "bytes=-n": the final n bytes.
	if startStr == "" && endStr != "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return false, 0, 0
		}
		start = totalSize - suffix
		if start < 0 {
			start = 0
		}
		return true, start, totalSize - 1
	}
	if startStr == "" {
		return false, 0, 0
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return false, 0, 0
	}
	if endStr == "" {
		return true, start, totalSize - 1
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return false, 0, 0
	}
	return true, start, end
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
