package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/internal/worker"
	"github.com/p-arndt/chunkerweb/internal/workspace"
	"github.com/p-arndt/chunkerweb/protocol"
)

// Manager creates sessions and tracks them in its registry.
type Manager struct {
	opts       Options
	starter    WorkerStarter
	registry   *Registry
	workspaces *workspace.Manager
	store      SessionStore
	logger     *slog.Logger
}

func NewManager(opts Options, starter WorkerStarter, workspaces *workspace.Manager, st SessionStore, logger *slog.Logger) *Manager {
	return &Manager{
		opts:       opts,
		starter:    starter,
		registry:   NewRegistry(),
		workspaces: workspaces,
		store:      st,
		logger:     logger,
	}
}

// Open creates a session for conn, starts its worker and sends the open
// envelope. When the worker cannot be started everything created so far is
// removed and the error is returned; conn is left open.
func (m *Manager) Open(ctx context.Context, conn Conn, remoteAddr string) (*Session, error) {
	id := uuid.NewString()
	ws, err := m.workspaces.Create(id)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	logger := m.logger.With("session_id", id)
	s := newSession(id, conn, ws, m.opts, logger, m.onClose)
	m.registry.Add(s)

	if m.store != nil {
		err := m.store.CreateSession(&store.Session{
			ID:         id,
			Status:     store.StatusActive,
			RemoteAddr: remoteAddr,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("record session", "error", err)
		}
	}

	w, err := m.starter.Start(ctx, WorkerCallbacks{
		SessionID: id,
		OnMessage: s.HandleWorkerMessage,
		OnExit: func(code int) {
			logger.Debug("process exited", "code", code)
			s.Close(code)
		},
		Logger: logger,
	})
	if err != nil {
		s.abort()
		return nil, err
	}
	if !s.attachWorker(w) {
		// The session closed while the worker was starting.
		w.Kill(context.Background())
		return nil, ErrClosed
	}

	s.sendRaw(protocol.Envelope{Type: protocol.EnvelopeOpen})
	logger.Info("session opened", "remote_addr", remoteAddr)
	return s, nil
}

func (m *Manager) onClose(s *Session, code int) {
	m.registry.Remove(s.ID())
	if m.store != nil {
		if err := m.store.CloseSession(s.ID(), code); err != nil {
			s.logger.Warn("record session close", "error", err)
		}
	}
	s.logger.Info("session closed", "code", code)
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Archive returns the output archive of a live session and the name it is
// downloaded as.
func (m *Manager) Archive(id string) (path, filename string, err error) {
	s, err := m.Get(id)
	if err != nil {
		return "", "", err
	}
	path, filename, ok := s.Archive()
	if !ok {
		return "", "", fmt.Errorf("%w: session %s", ErrNoArchive, id)
	}
	return path, filename, nil
}

// IsLive reports whether a session with the given id is open.
func (m *Manager) IsLive(id string) bool {
	_, ok := m.registry.Get(id)
	return ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return m.registry.Len()
}

// Available reports whether new sessions can start a worker.
func (m *Manager) Available(ctx context.Context) error {
	return m.starter.Available(ctx)
}

// Shutdown closes every live session with a normal close code and waits
// for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range m.registry.List() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(CloseNormal)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SupervisorStarter starts workers with worker.Start.
type SupervisorStarter struct {
	Launcher worker.Launcher
	Config   worker.Config
}

func (st *SupervisorStarter) Start(ctx context.Context, cb WorkerCallbacks) (Worker, error) {
	sup, err := worker.Start(ctx, st.Launcher, st.Config, worker.Options{
		Name:      cb.SessionID,
		OnMessage: cb.OnMessage,
		OnExit:    cb.OnExit,
		Logger:    cb.Logger,
	})
	if err != nil {
		return nil, err
	}
	return sup, nil
}

func (st *SupervisorStarter) Available(ctx context.Context) error {
	return st.Launcher.Available(ctx, st.Config.CLIPath)
}
