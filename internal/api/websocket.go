package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-arndt/chunkerweb/internal/session"
	"github.com/p-arndt/chunkerweb/protocol"
)

// wsConn adapts a WebSocket connection to session.Conn. Writes are
// serialized and bounded by the write timeout.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.ws.Close()
}

var _ session.Conn = (*wsConn)(nil)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err, "request_id", requestID(r.Context()))
		return
	}
	if limit := int64(s.cfg.Server.MaxFrameSize); limit > 0 {
		ws.SetReadLimit(limit)
	}
	conn := newWSConn(ws, s.cfg.Server.WriteTimeout)
	logger := s.logger.With("remote_addr", r.RemoteAddr, "request_id", requestID(r.Context()))
	logger.Info("websocket client connected")

	if err := s.sessions.Available(r.Context()); err != nil {
		logger.Error("worker unavailable", "error", err)
		conn.WriteJSON(protocol.Envelope{Type: protocol.EnvelopeError, Error: msgCLINotFound})
		conn.Close()
		return
	}

	sess, err := s.sessions.Open(r.Context(), conn, r.RemoteAddr)
	if err != nil {
		logger.Error("error creating session", "error", err)
		conn.WriteJSON(protocol.Envelope{Type: protocol.EnvelopeError, Error: fmt.Sprintf(msgSessionFailedFmt, err)})
		conn.Close()
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read", "error", err)
			}
			break
		}
		sess.HandleFrame(data)
	}

	logger.Info("websocket client disconnected")
	sess.Close(session.CloseNormal)
}
