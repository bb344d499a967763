package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/chunkerweb/internal/session"
	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/protocol"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Open(ctx context.Context, conn session.Conn, remoteAddr string) (*session.Session, error) {
	args := m.Called(ctx, conn, remoteAddr)
	if s := args.Get(0); s != nil {
		return s.(*session.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Archive(id string) (string, string, error) {
	args := m.Called(id)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockSessionService) Count() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockSessionService) Available(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockUploadStore struct {
	mock.Mock
}

func (m *MockUploadStore) CreateUpload(u *store.Upload) error {
	args := m.Called(u)
	return args.Error(0)
}

// echoStarter starts workers that answer every request with a response
// naming the request type. Kill requests are recorded and not answered.
type echoStarter struct {
	availableErr error
	startErr     error

	mu     sync.Mutex
	killed []protocol.RequestID
}

func (e *echoStarter) Start(_ context.Context, cb session.WorkerCallbacks) (session.Worker, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	return &echoWorker{starter: e, cb: cb}, nil
}

func (e *echoStarter) Available(context.Context) error {
	return e.availableErr
}

func (e *echoStarter) kills() []protocol.RequestID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.RequestID(nil), e.killed...)
}

type echoWorker struct {
	starter *echoStarter
	cb      session.WorkerCallbacks
}

func (w *echoWorker) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := protocol.DecodeMessage(data)
	if err != nil {
		return err
	}
	if req["type"] == string(protocol.RequestKill) {
		w.starter.mu.Lock()
		w.starter.killed = append(w.starter.killed, req.RequestID())
		w.starter.mu.Unlock()
		return nil
	}
	go w.cb.OnMessage(protocol.NewResponse(req.RequestID(), map[string]any{"echo": req["type"]}))
	return nil
}

func (w *echoWorker) Kill(context.Context) error {
	return nil
}
