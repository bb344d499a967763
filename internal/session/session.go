// Package session bridges one client connection to one worker process.
//
// A Session owns the worker, the client connection, the session workspace
// and the table of requests still waiting for a terminal worker message.
// Client frames and worker output arrive on independent goroutines; all
// mutable state is guarded by the session mutex and every write to the
// client goes through a single send lock.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/chunkerweb/internal/workspace"
	"github.com/p-arndt/chunkerweb/protocol"
)

// CloseNormal is the close code used when the client goes away.
const CloseNormal = 1000

// Transform rewrites a successful terminal worker message before it is
// forwarded. It runs at most once per request, on a session task.
type Transform func(ctx context.Context, msg protocol.Message) protocol.Message

// Options bound what a session may do on the filesystem.
type Options struct {
	// InputRoots limits select_world to paths below these directories.
	// Nil allows any path.
	InputRoots      []string
	MaxArchiveBytes int64
	MaxExtractBytes int64
	// KillTimeout bounds how long close waits for the worker to exit.
	KillTimeout time.Duration
}

type Session struct {
	id     string
	conn   Conn
	ws     *workspace.Workspace
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu          sync.Mutex
	worker      Worker
	pending     map[protocol.RequestID]Transform
	settings    Settings
	archiveName string
	closing     bool

	sendMu    sync.Mutex
	connected bool

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(s *Session, code int)
}

func newSession(id string, conn Conn, ws *workspace.Workspace, opts Options, logger *slog.Logger, onClose func(*Session, int)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		conn:      conn,
		ws:        ws,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[protocol.RequestID]Transform),
		connected: true,
		done:      make(chan struct{}),
		onClose:   onClose,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// DownloadURL is where the client fetches the converted archive.
func (s *Session) DownloadURL() string {
	return "/download/" + s.id
}

// attachWorker hands the started worker to the session. It reports false
// when the session closed in the meantime; the caller then owns the worker.
func (s *Session) attachWorker(w Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.worker = w
	return true
}

// HandleFrame processes one raw client frame. Frames that cannot be
// understood are answered with an error envelope.
func (s *Session) HandleFrame(data []byte) {
	var env protocol.Envelope
	err := json.Unmarshal(data, &env)
	if err == nil {
		err = s.HandleEvent(env)
	}
	if err != nil {
		s.logger.Error("handle client message", "error", err)
		s.sendRaw(protocol.Envelope{Type: protocol.EnvelopeError, Error: MsgProcessFailed})
	}
}

// HandleEvent processes one client envelope.
func (s *Session) HandleEvent(env protocol.Envelope) error {
	if !s.isConnected() {
		return nil
	}
	switch env.Type {
	case protocol.EnvelopeClose:
		code := CloseNormal
		if env.Code != nil {
			code = *env.Code
		}
		s.Close(code)
	case protocol.EnvelopeMessage:
		var req protocol.ClientRequest
		if err := json.Unmarshal([]byte(env.Data), &req); err != nil {
			return fmt.Errorf("decode client request: %w", err)
		}
		s.dispatch(req)
	default:
		s.logger.Warn("unhandled client event", "type", env.Type)
	}
	return nil
}

func (s *Session) dispatch(req protocol.ClientRequest) {
	switch req.Type {
	case protocol.ClientFlow:
		s.onFlow(req)
	case protocol.ClientSettings:
		s.onSettings(req)
	case protocol.ClientMappings:
		s.onMappings(req)
	default:
		s.logger.Warn("unhandled message type", "type", req.Type, "method", req.Method)
	}
}

// HandleWorkerMessage routes one worker message to the client. Progress
// messages leave the request open. Any other message is terminal: the
// pending entry is removed and, for a successful response, its transform
// runs before the message is forwarded.
func (s *Session) HandleWorkerMessage(msg protocol.Message) {
	typ := msg.Type()
	if typ.IsProgress() {
		msg["continue"] = true
		s.sendMessage(msg)
		return
	}

	id := msg.RequestID()
	s.mu.Lock()
	transform := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if transform == nil || typ != protocol.MessageResponse {
		s.sendMessage(msg)
		return
	}
	s.goTask(func(ctx context.Context) {
		s.sendMessage(transform(ctx, msg))
	})
}

// request registers id as pending with an optional transform and sends req
// to the worker. A request that cannot be delivered is answered with an
// error so that it does not stay pending.
func (s *Session) request(req protocol.Request, transform Transform) {
	s.mu.Lock()
	w := s.worker
	if w != nil && !req.RequestID.IsZero() {
		s.pending[req.RequestID] = transform
	}
	s.mu.Unlock()

	if w == nil {
		return
	}
	if err := w.Send(req); err != nil {
		s.logger.Error("send to worker", "type", req.Type, "error", err)
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
		s.sendError(req.RequestID, msgWorkerFailed, err)
	}
}

// PendingCount returns the number of requests awaiting a terminal message.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// goTask runs fn on a session task. Tasks are not started once the session
// is closing, and close waits for running tasks.
func (s *Session) goTask(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *Session) sendMessage(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode message", "error", err)
		return
	}
	s.sendRaw(protocol.Envelope{Type: protocol.EnvelopeMessage, Data: string(data)})
}

func (s *Session) sendResponse(id protocol.RequestID, output any) {
	s.sendMessage(protocol.NewResponse(id, output))
}

// sendError reports a failed request. err, when given, becomes the trace.
func (s *Session) sendError(id protocol.RequestID, message string, err error) {
	var tr string
	if err != nil {
		tr = trace(err)
	}
	s.sendMessage(protocol.NewError(id, message, tr))
}

// sendRaw writes v to the client unless the session is disconnected.
func (s *Session) sendRaw(v any) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.connected {
		return
	}
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Debug("write to client", "error", err)
	}
}

func (s *Session) isConnected() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.connected
}

// Close tears the session down with code as the close reason. It is safe
// to call any number of times from any goroutine except a session task;
// every call returns after the teardown has finished.
func (s *Session) Close(code int) {
	s.closeOnce.Do(func() { s.shutdown(code, true) })
}

// abort tears down a session whose worker never started. The client is not
// notified and the connection is left open for the caller.
func (s *Session) abort() {
	s.closeOnce.Do(func() { s.shutdown(-1, false) })
}

func (s *Session) shutdown(code int, notify bool) {
	s.sendMu.Lock()
	if notify && s.connected {
		if err := s.conn.WriteJSON(protocol.CloseEnvelope(code)); err != nil {
			s.logger.Debug("write close to client", "error", err)
		}
	}
	s.connected = false
	s.sendMu.Unlock()

	s.mu.Lock()
	s.closing = true
	w := s.worker
	s.worker = nil
	s.mu.Unlock()
	s.cancel()

	if w != nil {
		ctx := context.Background()
		if s.opts.KillTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.KillTimeout)
			defer cancel()
		}
		if err := w.Kill(ctx); err != nil {
			s.logger.Warn("kill worker", "error", err)
		}
	}

	s.tasks.Wait()

	s.logger.Info("deleting session data", "code", code)
	if err := s.ws.Remove(); err != nil {
		s.logger.Error("remove workspace", "path", s.ws.Root, "error", err)
	}

	if s.onClose != nil {
		s.onClose(s, code)
	}
	if notify {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close client connection", "error", err)
		}
	}
	close(s.done)
}
