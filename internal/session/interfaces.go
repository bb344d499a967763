package session

import (
	"context"
	"log/slog"

	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/protocol"
)

// Conn is the client side of a session. Writes are serialized by the
// session.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Worker is the session's handle on its worker process.
type Worker interface {
	Send(v any) error
	// Kill stops the worker and waits for it to exit.
	Kill(ctx context.Context) error
}

// WorkerStarter starts the worker for a new session.
type WorkerStarter interface {
	Start(ctx context.Context, cb WorkerCallbacks) (Worker, error)
	Available(ctx context.Context) error
}

// WorkerCallbacks connects a worker's output to its session.
type WorkerCallbacks struct {
	SessionID string
	OnMessage func(protocol.Message)
	OnExit    func(code int)
	Logger    *slog.Logger
}

type SessionStore interface {
	CreateSession(sess *store.Session) error
	CloseSession(id string, code int) error
}
