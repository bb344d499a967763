package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/internal/workspace"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListActiveSessions() ([]*store.Session, error)
	UpdateSessionStatus(id string, status string) error
	PruneSessions(cutoff time.Time) (int64, error)
	ListExpiredUploads(cutoff time.Time) ([]*store.Upload, error)
	DeleteUpload(id string) error
}

// SessionRegistry reports which sessions are live in this process.
type SessionRegistry interface {
	IsLive(id string) bool
}

// Workspaces abstracts the session workspace directory.
type Workspaces interface {
	List() ([]*workspace.Workspace, error)
	Delete(id string) error
}

// ContainerCleaner removes worker containers left behind by dead sessions.
type ContainerCleaner interface {
	RemoveOrphans(ctx context.Context, live func(sessionID string) bool) (int, error)
}
