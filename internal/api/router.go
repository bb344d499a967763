// Package api is the HTTP surface of the bridge: the WebSocket session
// endpoint, world uploads, archive downloads and health.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/p-arndt/chunkerweb/internal/config"
	"github.com/p-arndt/chunkerweb/internal/web"
)

type Server struct {
	cfg        *config.Config
	sessions   SessionService
	uploads    UploadStore
	logger     *slog.Logger
	mux        *http.ServeMux
	webHandler *web.Handler
	upgrader   websocket.Upgrader
}

// NewServer wires the routes. uploads may be nil when no ledger is kept.
func NewServer(cfg *config.Config, sessions SessionService, uploads UploadStore, webHandler *web.Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		sessions:   sessions,
		uploads:    uploads,
		logger:     logger,
		mux:        http.NewServeMux(),
		webHandler: webHandler,
		upgrader: websocket.Upgrader{
			// The UI may be served from a dev server on another origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/upload", s.handleUpload)
	s.mux.HandleFunc("GET /download/{sessionId}", s.handleDownload)
	s.mux.HandleFunc("GET /api/status", s.webHandler.GetStatus)

	// WebSocket upgrades and the SPA share the root.
	s.mux.HandleFunc("GET /", s.handleRoot)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	s.webHandler.ServeSPA(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
