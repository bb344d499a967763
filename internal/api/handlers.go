package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/chunkerweb/internal/session"
	"github.com/p-arndt/chunkerweb/internal/store"
)

const uploadField = "world"

type healthResponse struct {
	Status       string  `json:"status"`
	CLIPath      *string `json:"cliPath"`
	CLIAvailable bool    `json:"cliAvailable"`
	Sessions     int     `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		CLIAvailable: s.sessions.Available(r.Context()) == nil,
		Sessions:     s.sessions.Count(),
	}
	if p := s.cfg.Worker.CLIPath; p != "" {
		resp.CLIPath = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	UploadID string `json:"uploadId"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// handleUpload streams the "world" file of a multipart form to its own
// directory below the upload root.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r, int64(s.cfg.Server.MaxUploadSize))

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errNoWorldFile)
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, errNoWorldFile)
			return
		}
		if err != nil {
			s.uploadFailed(w, r, err)
			return
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			part.Close()
			continue
		}

		resp, err := s.saveUpload(part.FileName(), part)
		part.Close()
		if errors.Is(err, errInvalidFilename) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			s.uploadFailed(w, r, err)
			return
		}
		s.logger.Info("world uploaded", "upload_id", resp.UploadID, "filename", resp.Filename, "request_id", requestID(r.Context()))
		writeJSON(w, http.StatusOK, resp)
		return
	}
}

func (s *Server) saveUpload(name string, src io.Reader) (*uploadResponse, error) {
	filename, err := uploadFilename(name)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.UploadDir(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, filename)

	size, err := writeFile(path, src)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	if s.uploads != nil {
		err := s.uploads.CreateUpload(&store.Upload{
			ID:        id,
			Path:      path,
			Filename:  filename,
			SizeBytes: size,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("record upload", "upload_id", id, "error", err)
		}
	}

	return &uploadResponse{Success: true, UploadID: id, Path: path, Filename: filename}, nil
}

func writeFile(path string, src io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write upload: %w", err)
	}
	return n, nil
}

func (s *Server) uploadFailed(w http.ResponseWriter, r *http.Request, err error) {
	if isTooLarge(err) {
		s.logger.Warn("upload too large", "error", err, "request_id", requestID(r.Context()))
		writeError(w, http.StatusRequestEntityTooLarge, errUploadTooLarge)
		return
	}
	s.logger.Error("upload error", "error", err, "request_id", requestID(r.Context()))
	writeError(w, http.StatusInternalServerError, errUploadFailed)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if !validSessionID(id) {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}

	path, filename, err := s.sessions.Archive(id)
	if err != nil {
		writeDownloadError(w, err)
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		writeDownloadError(w, session.ErrNoArchive)
		return
	}
	if err != nil {
		s.logger.Error("download error", "session_id", id, "error", err)
		writeDownloadError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("download error", "session_id", id, "error", err)
		writeDownloadError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	http.ServeContent(w, r, filename, info.ModTime(), f)
}
