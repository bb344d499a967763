// Package web serves the browser UI and the ledger status page data.
package web

import (
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/p-arndt/chunkerweb/internal/store"
)

// SessionLister is the ledger view needed for the status endpoint.
type SessionLister interface {
	ListSessions() ([]*store.Session, error)
}

type Handler struct {
	ledger    SessionLister
	startTime time.Time
	uiFS      fs.FS
}

// NewHandler serves the UI from uiDir. ledger may be nil, in which case the
// status endpoint reports no sessions.
func NewHandler(uiDir string, ledger SessionLister) *Handler {
	return &Handler{
		ledger:    ledger,
		startTime: time.Now(),
		uiFS:      os.DirFS(uiDir),
	}
}

// ServeSPA serves the built UI. Unknown paths that do not look like assets
// get index.html so client-side routing works.
func (h *Handler) ServeSPA(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if p == "" || p == "." {
		p = "index.html"
	}

	file, err := h.uiFS.Open(p)
	if err == nil {
		if stat, serr := file.Stat(); serr != nil || stat.IsDir() {
			file.Close()
			err = fs.ErrNotExist
		}
	}
	if err != nil {
		if strings.HasPrefix(p, "static/") || strings.Contains(path.Base(p), ".") {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		file, err = h.uiFS.Open("index.html")
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	rs, ok := file.(io.ReadSeeker)
	if !ok {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), rs)
}

// GetStatus returns ledger counts and the most recent sessions.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var sessions []*store.Session
	if h.ledger != nil {
		var err error
		sessions, err = h.ledger.ListSessions()
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "failed to list sessions"}`))
			return
		}
	}

	counts := map[string]int{
		store.StatusActive:   0,
		store.StatusClosed:   0,
		store.StatusOrphaned: 0,
	}
	for _, s := range sessions {
		counts[s.Status]++
	}

	n := min(len(sessions), maxRecentSessions)
	recent := make([]statusSession, 0, n)
	for _, sess := range sessions[:n] {
		recent = append(recent, statusSession{
			Status:    sess.Status,
			CloseCode: sess.CloseCode,
			CreatedAt: sess.CreatedAt,
			ClosedAt:  sess.ClosedAt,
		})
	}

	response := map[string]any{
		"total_sessions":    len(sessions),
		"active_sessions":   counts[store.StatusActive],
		"closed_sessions":   counts[store.StatusClosed],
		"orphaned_sessions": counts[store.StatusOrphaned],
		"sessions":          recent,
		"uptime_seconds":    int(time.Since(h.startTime).Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

const maxRecentSessions = 50

// statusSession is the public view of a ledger row. Session ids are download
// keys and remote addresses identify users, so neither is published.
type statusSession struct {
	Status    string     `json:"status"`
	CloseCode *int       `json:"close_code,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}
