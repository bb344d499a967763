package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/internal/workspace"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListActiveSessions() ([]*store.Session, error) {
	args := m.Called()
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) UpdateSessionStatus(id string, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

func (m *MockReaperStore) PruneSessions(cutoff time.Time) (int64, error) {
	args := m.Called(cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReaperStore) ListExpiredUploads(cutoff time.Time) ([]*store.Upload, error) {
	args := m.Called(cutoff)
	if uploads := args.Get(0); uploads != nil {
		return uploads.([]*store.Upload), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) DeleteUpload(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

// fakeRegistry treats a fixed set of ids as live.
type fakeRegistry map[string]bool

func (f fakeRegistry) IsLive(id string) bool { return f[id] }

// MockWorkspaces mocks the Workspaces interface.
type MockWorkspaces struct {
	mock.Mock
}

func (m *MockWorkspaces) List() ([]*workspace.Workspace, error) {
	args := m.Called()
	if list := args.Get(0); list != nil {
		return list.([]*workspace.Workspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockWorkspaces) Delete(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

// MockContainerCleaner mocks the ContainerCleaner interface.
type MockContainerCleaner struct {
	mock.Mock
}

func (m *MockContainerCleaner) RemoveOrphans(ctx context.Context, live func(string) bool) (int, error) {
	args := m.Called(ctx, live)
	return args.Int(0), args.Error(1)
}
