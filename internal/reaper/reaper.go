package reaper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/p-arndt/chunkerweb/internal/store"
)

// WorkspaceGrace is how old a workspace without a live session must be
// before it is removed. Workspaces are created just before their session
// is registered.
const WorkspaceGrace = time.Minute

type Config struct {
	Interval         time.Duration
	UploadTTL        time.Duration
	SessionRetention time.Duration
}

type Reaper struct {
	store      ReaperStore
	sessions   SessionRegistry
	workspaces Workspaces
	containers ContainerCleaner
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func New(st ReaperStore, sessions SessionRegistry, workspaces Workspaces, cfg Config, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:      st,
		sessions:   sessions,
		workspaces: workspaces,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetContainerCleaner enables removal of orphaned worker containers.
func (r *Reaper) SetContainerCleaner(c ContainerCleaner) {
	r.containers = c
}

// Run reconciles once and then expires uploads and old ledger entries every
// interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.cfg.Interval)

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reconcile(ctx)
			r.reapExpired()
		}
	}
}

// RunOnce performs a single reconciliation and expiry pass.
func (r *Reaper) RunOnce(ctx context.Context) {
	r.reconcile(ctx)
	r.reapExpired()
}

func (r *Reaper) reconcile(ctx context.Context) {
	r.logger.Debug("reconciliation starting")

	active, err := r.store.ListActiveSessions()
	if err != nil {
		r.logger.Error("reconcile: list active sessions", "error", err)
	}
	for _, sess := range active {
		if r.sessions.IsLive(sess.ID) {
			continue
		}
		r.logger.Warn("reconcile: session has no live connection, marking orphaned", "session_id", sess.ID)
		if err := r.store.UpdateSessionStatus(sess.ID, store.StatusOrphaned); err != nil {
			r.logger.Error("reconcile: update status", "session_id", sess.ID, "error", err)
		}
		if err := r.workspaces.Delete(sess.ID); err != nil {
			r.logger.Error("reconcile: delete workspace", "session_id", sess.ID, "error", err)
		}
	}

	workspaces, err := r.workspaces.List()
	if err != nil {
		r.logger.Error("reconcile: list workspaces", "error", err)
	}
	cutoff := r.now().Add(-WorkspaceGrace)
	for _, ws := range workspaces {
		if r.sessions.IsLive(ws.ID) || ws.CreatedAt.After(cutoff) {
			continue
		}
		r.logger.Info("reconcile: removing orphaned workspace", "session_id", ws.ID)
		if err := r.workspaces.Delete(ws.ID); err != nil {
			r.logger.Error("reconcile: delete workspace", "session_id", ws.ID, "error", err)
		}
	}

	if r.containers != nil {
		n, err := r.containers.RemoveOrphans(ctx, r.sessions.IsLive)
		if err != nil {
			r.logger.Error("reconcile: remove orphaned containers", "error", err)
		} else if n > 0 {
			r.logger.Info("reconcile: removed orphaned containers", "count", n)
		}
	}

	r.logger.Debug("reconciliation complete")
}

func (r *Reaper) reapExpired() {
	if r.cfg.UploadTTL > 0 {
		r.reapUploads(r.now().Add(-r.cfg.UploadTTL))
	}
	if r.cfg.SessionRetention > 0 {
		n, err := r.store.PruneSessions(r.now().Add(-r.cfg.SessionRetention))
		if err != nil {
			r.logger.Error("reaper: prune sessions", "error", err)
		} else if n > 0 {
			r.logger.Info("reaper: pruned sessions", "count", n)
		}
	}
}

func (r *Reaper) reapUploads(cutoff time.Time) {
	expired, err := r.store.ListExpiredUploads(cutoff)
	if err != nil {
		r.logger.Error("reaper: list expired uploads", "error", err)
		return
	}

	for _, u := range expired {
		r.logger.Info("reaping expired upload", "upload_id", u.ID, "created_at", u.CreatedAt)

		if err := os.Remove(u.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Error("reaper: remove upload", "upload_id", u.ID, "error", err)
			continue
		}
		// Uploads live in their own directory; it is only removed once empty.
		os.Remove(filepath.Dir(u.Path))

		if err := r.store.DeleteUpload(u.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("reaper: delete upload", "upload_id", u.ID, "error", err)
		}
	}

	if len(expired) > 0 {
		r.logger.Info("reaper: reaped uploads", "count", len(expired))
	}
}
