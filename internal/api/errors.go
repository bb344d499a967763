package api

import (
	"errors"
	"net/http"

	"github.com/p-arndt/chunkerweb/internal/session"
	"github.com/p-arndt/chunkerweb/internal/store"
)

// Error texts returned to the browser.
const (
	errNoWorldFile     = "No world file uploaded"
	errUploadFailed    = "Failed to upload file"
	errUploadTooLarge  = "Uploaded file is too large"
	errSessionNotFound = "Session not found"
	errOutputNotFound  = "Output file not found"
	errDownloadFailed  = "Failed to download file"

	msgCLINotFound      = "Chunker CLI not found. Please ensure the server is properly configured."
	msgSessionFailedFmt = "Failed to create session: %s"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDownloadError maps a session lookup failure to a response.
func writeDownloadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoArchive):
		writeError(w, http.StatusNotFound, errOutputNotFound)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errSessionNotFound)
	default:
		writeError(w, http.StatusInternalServerError, errDownloadFailed)
	}
}
