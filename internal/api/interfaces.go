package api

import (
	"context"

	"github.com/p-arndt/chunkerweb/internal/session"
	"github.com/p-arndt/chunkerweb/internal/store"
)

// SessionService abstracts session management operations needed by API handlers.
type SessionService interface {
	Open(ctx context.Context, conn session.Conn, remoteAddr string) (*session.Session, error)
	Archive(id string) (path, filename string, err error)
	Count() int
	Available(ctx context.Context) error
}

// UploadStore records uploaded worlds so the reaper can expire them.
type UploadStore interface {
	CreateUpload(u *store.Upload) error
}
