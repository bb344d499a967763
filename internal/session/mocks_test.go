package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/chunkerweb/internal/store"
	"github.com/p-arndt/chunkerweb/internal/workspace"
	"github.com/p-arndt/chunkerweb/protocol"
)

// fakeConn records every envelope written to the client.
type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	closed int
}

func (c *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.frames...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// messages decodes the inner messages of all message envelopes.
func (c *fakeConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, env := range c.envelopes() {
		if env.Type != protocol.EnvelopeMessage {
			continue
		}
		msg, err := protocol.DecodeMessage([]byte(env.Data))
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// messagesFor returns the inner messages carrying id.
func (c *fakeConn) messagesFor(t *testing.T, id protocol.RequestID) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, m := range c.messages(t) {
		if m.RequestID() == id {
			out = append(out, m)
		}
	}
	return out
}

// waitTerminal waits for a terminal message for id and returns every
// message seen for id.
func (c *fakeConn) waitTerminal(t *testing.T, id protocol.RequestID) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	require.Eventually(t, func() bool {
		msgs = c.messagesFor(t, id)
		return len(msgs) > 0 && !msgs[len(msgs)-1].Type().IsProgress()
	}, 5*time.Second, 5*time.Millisecond)
	return msgs
}

// fakeWorker records requests sent to the worker.
type fakeWorker struct {
	mu      sync.Mutex
	sent    []protocol.Message
	killed  int
	sendErr error
}

func (w *fakeWorker) Send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sendErr != nil {
		return w.sendErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		return err
	}
	w.sent = append(w.sent, msg)
	return nil
}

func (w *fakeWorker) Kill(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.killed++
	return nil
}

func (w *fakeWorker) requests() []protocol.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Message(nil), w.sent...)
}

func (w *fakeWorker) killCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// waitRequest waits until the worker has received n requests and returns the last.
func (w *fakeWorker) waitRequest(t *testing.T, n int) protocol.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(w.requests()) >= n }, 5*time.Second, 5*time.Millisecond)
	return w.requests()[n-1]
}

type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) CreateSession(sess *store.Session) error {
	args := m.Called(sess)
	return args.Error(0)
}

func (m *MockSessionStore) CloseSession(id string, code int) error {
	args := m.Called(id, code)
	return args.Error(0)
}

type MockWorkerStarter struct {
	mock.Mock
	mu        sync.Mutex
	callbacks []WorkerCallbacks
}

func (m *MockWorkerStarter) Start(ctx context.Context, cb WorkerCallbacks) (Worker, error) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
	args := m.Called(ctx, cb.SessionID)
	if w := args.Get(0); w != nil {
		return w.(Worker), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockWorkerStarter) Available(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockWorkerStarter) lastCallbacks() WorkerCallbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callbacks[len(m.callbacks)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testSession struct {
	*Session
	conn   *fakeConn
	worker *fakeWorker
	closes int
	mu     sync.Mutex
}

func (ts *testSession) closeCalls() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.closes
}

// newTestSession builds a session with a fake connection and worker. Inputs
// are allowed from anywhere unless opts restrict them.
func newTestSession(t *testing.T, opts Options) *testSession {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir()).Create("sess-1")
	require.NoError(t, err)

	ts := &testSession{conn: &fakeConn{}, worker: &fakeWorker{}}
	ts.Session = newSession("sess-1", ts.conn, ws, opts, testLogger(), func(*Session, int) {
		ts.mu.Lock()
		ts.closes++
		ts.mu.Unlock()
	})
	require.True(t, ts.attachWorker(ts.worker))
	t.Cleanup(func() { ts.Close(CloseNormal) })
	return ts
}

// send delivers a client request as a message envelope.
func (ts *testSession) send(t *testing.T, req string) {
	t.Helper()
	data, err := json.Marshal(protocol.Envelope{Type: protocol.EnvelopeMessage, Data: req})
	require.NoError(t, err)
	ts.HandleFrame(data)
}

// reply feeds a worker message to the session.
func (ts *testSession) reply(t *testing.T, line string) {
	t.Helper()
	msg, err := protocol.DecodeMessage([]byte(line))
	require.NoError(t, err)
	ts.HandleWorkerMessage(msg)
}
