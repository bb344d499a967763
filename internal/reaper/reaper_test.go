package reaper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/internal/workspace"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestReaper(st ReaperStore, live fakeRegistry, ws Workspaces, cfg Config) *Reaper {
	r := New(st, live, ws, cfg, testLogger())
	r.now = func() time.Time { return testNow }
	return r
}

func TestReconcile_OrphanedSession(t *testing.T) {
	st := &MockReaperStore{}
	ws := &MockWorkspaces{}
	r := newTestReaper(st, fakeRegistry{"live": true}, ws, Config{})

	st.On("ListActiveSessions").Return([]*store.Session{{ID: "live"}, {ID: "gone"}}, nil)
	st.On("UpdateSessionStatus", "gone", store.StatusOrphaned).Return(nil)
	ws.On("Delete", "gone").Return(nil)
	ws.On("List").Return([]*workspace.Workspace{}, nil)

	r.reconcile(context.Background())

	st.AssertExpectations(t)
	ws.AssertExpectations(t)
	st.AssertNotCalled(t, "UpdateSessionStatus", "live", mock.Anything)
	ws.AssertNotCalled(t, "Delete", "live")
}

func TestReconcile_OrphanedWorkspaces(t *testing.T) {
	st := &MockReaperStore{}
	ws := &MockWorkspaces{}
	r := newTestReaper(st, fakeRegistry{"live": true}, ws, Config{})

	st.On("ListActiveSessions").Return(nil, nil)
	ws.On("List").Return([]*workspace.Workspace{
		{ID: "live", CreatedAt: testNow.Add(-time.Hour)},
		{ID: "stale", CreatedAt: testNow.Add(-time.Hour)},
		{ID: "starting", CreatedAt: testNow.Add(-time.Second)},
	}, nil)
	ws.On("Delete", "stale").Return(nil)

	r.reconcile(context.Background())

	ws.AssertExpectations(t)
	ws.AssertNumberOfCalls(t, "Delete", 1)
}

func TestReconcile_StoreErrorStillCleansWorkspaces(t *testing.T) {
	st := &MockReaperStore{}
	ws := &MockWorkspaces{}
	r := newTestReaper(st, fakeRegistry{}, ws, Config{})

	st.On("ListActiveSessions").Return(nil, errors.New("database is locked"))
	ws.On("List").Return([]*workspace.Workspace{{ID: "stale", CreatedAt: testNow.Add(-time.Hour)}}, nil)
	ws.On("Delete", "stale").Return(nil)

	r.reconcile(context.Background())

	ws.AssertExpectations(t)
}

func TestReconcile_RemovesOrphanedContainers(t *testing.T) {
	st := &MockReaperStore{}
	ws := &MockWorkspaces{}
	cc := &MockContainerCleaner{}
	r := newTestReaper(st, fakeRegistry{"live": true}, ws, Config{})
	r.SetContainerCleaner(cc)

	st.On("ListActiveSessions").Return(nil, nil)
	ws.On("List").Return(nil, nil)
	cc.On("RemoveOrphans", mock.Anything, mock.MatchedBy(func(live func(string) bool) bool {
		return live("live") && !live("dead")
	})).Return(2, nil)

	r.reconcile(context.Background())

	cc.AssertExpectations(t)
}

func TestReapUploads(t *testing.T) {
	dir := t.TempDir()
	uploadDir := filepath.Join(dir, "u1")
	require.NoError(t, os.MkdirAll(uploadDir, 0o755))
	file := filepath.Join(uploadDir, "world.zip")
	require.NoError(t, os.WriteFile(file, []byte("zip"), 0o644))

	st := &MockReaperStore{}
	r := newTestReaper(st, fakeRegistry{}, &MockWorkspaces{}, Config{UploadTTL: time.Hour})

	st.On("ListExpiredUploads", testNow.Add(-time.Hour)).Return([]*store.Upload{
		{ID: "u1", Path: file},
		{ID: "u2", Path: filepath.Join(dir, "u2", "missing.zip")},
	}, nil)
	st.On("DeleteUpload", "u1").Return(nil)
	st.On("DeleteUpload", "u2").Return(store.ErrNotFound)

	r.reapExpired()

	st.AssertExpectations(t)
	assert.NoFileExists(t, file)
	assert.NoDirExists(t, uploadDir)
}

func TestReapUploads_KeepsRowWhenFileCannotBeRemoved(t *testing.T) {
	dir := t.TempDir()
	nonEmpty := filepath.Join(dir, "u1")
	require.NoError(t, os.MkdirAll(filepath.Join(nonEmpty, "inner"), 0o755))

	st := &MockReaperStore{}
	r := newTestReaper(st, fakeRegistry{}, &MockWorkspaces{}, Config{UploadTTL: time.Hour})

	st.On("ListExpiredUploads", mock.Anything).Return([]*store.Upload{{ID: "u1", Path: nonEmpty}}, nil)

	r.reapExpired()

	st.AssertNotCalled(t, "DeleteUpload", "u1")
	assert.DirExists(t, nonEmpty)
}

func TestReapExpired_PrunesSessions(t *testing.T) {
	st := &MockReaperStore{}
	r := newTestReaper(st, fakeRegistry{}, &MockWorkspaces{}, Config{SessionRetention: 24 * time.Hour})

	st.On("PruneSessions", testNow.Add(-24*time.Hour)).Return(int64(3), nil)

	r.reapExpired()

	st.AssertExpectations(t)
	st.AssertNotCalled(t, "ListExpiredUploads", mock.Anything)
}

func TestRunOnce(t *testing.T) {
	st := &MockReaperStore{}
	ws := &MockWorkspaces{}
	r := newTestReaper(st, fakeRegistry{}, ws, Config{UploadTTL: time.Hour, SessionRetention: time.Hour})

	st.On("ListActiveSessions").Return([]*store.Session{}, nil)
	ws.On("List").Return([]*workspace.Workspace{}, nil)
	st.On("ListExpiredUploads", mock.Anything).Return([]*store.Upload{}, nil)
	st.On("PruneSessions", mock.Anything).Return(int64(0), nil)

	r.RunOnce(context.Background())

	st.AssertExpectations(t)
	ws.AssertExpectations(t)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := &MockReaperStore{}
	ws := &MockWorkspaces{}
	r := newTestReaper(st, fakeRegistry{}, ws, Config{Interval: time.Hour})

	st.On("ListActiveSessions").Return(nil, nil)
	ws.On("List").Return(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
