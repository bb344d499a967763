// Package pool keeps pre-started converter workers ready so that a new
// session does not wait for the JVM to boot.
package pool

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/chunkerweb/internal/session"
	"github.com/p-arndt/chunkerweb/protocol"
)

const (
	// IDPrefix marks the names of workers started by the pool.
	IDPrefix = "pool-"

	refillInterval = 5 * time.Second
	backoff        = 2 * time.Second
)

// Starter is a session.WorkerStarter that hands out idle workers when it
// has one and falls back to starting a fresh worker otherwise. A worker is
// used by at most one session.
type Starter struct {
	inner  session.WorkerStarter
	size   int
	logger *slog.Logger

	ready chan *warmWorker
	kick  chan struct{}

	mu       sync.Mutex
	owned    map[string]struct{} // pool-started workers that have not exited
	running  bool
	stopped  bool
	stopCh   chan struct{}
	inflight sync.WaitGroup // starts begun before Stop
}

func New(inner session.WorkerStarter, size int, logger *slog.Logger) *Starter {
	if size < 0 {
		size = 0
	}
	return &Starter{
		inner:  inner,
		size:   size,
		logger: logger,
		ready:  make(chan *warmWorker, size),
		kick:   make(chan struct{}, 1),
		owned:  make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start implements session.WorkerStarter.
func (p *Starter) Start(ctx context.Context, cb session.WorkerCallbacks) (session.Worker, error) {
	for {
		select {
		case w := <-p.ready:
			if !w.bind(cb) {
				continue
			}
			p.logger.Info("using warm worker", "worker_id", w.id, "session_id", cb.SessionID)
			p.requestRefill()
			return w.worker, nil
		default:
			return p.inner.Start(ctx, cb)
		}
	}
}

func (p *Starter) Available(ctx context.Context) error {
	return p.inner.Available(ctx)
}

// Owns reports whether id names a worker the pool started that is still
// running, idle or bound to a session.
func (p *Starter) Owns(id string) bool {
	if !strings.HasPrefix(id, IDPrefix) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.owned[id]
	return ok
}

// Idle returns the number of workers waiting for a session.
func (p *Starter) Idle() int {
	return len(p.ready)
}

// Run keeps the pool filled until ctx is done or Stop is called.
func (p *Starter) Run(ctx context.Context) {
	if p.size == 0 {
		return
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info("starting worker pool", "size", p.size)

	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()

	p.Refill(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.Refill(ctx)
	}
}

// Refill starts workers until the pool holds its target number of idle
// workers. It returns early when a start fails.
func (p *Starter) Refill(ctx context.Context) {
	needed := p.size - len(p.ready)
	if needed <= 0 {
		return
	}
	p.logger.Debug("refilling worker pool", "idle", len(p.ready), "target", p.size)

	for i := 0; i < needed; i++ {
		if ctx.Err() != nil || !p.beginStart() {
			return
		}
		w, err := p.startWarm(ctx)
		if err != nil {
			p.inflight.Done()
			p.logger.Error("failed to start pooled worker", "error", err)
			select {
			case <-ctx.Done():
			case <-p.stopCh:
			case <-time.After(backoff):
			}
			return
		}

		if !p.offer(w) {
			// Stopped or filled by a concurrent refill.
			w.worker.Kill(context.WithoutCancel(ctx))
			p.inflight.Done()
			return
		}
		p.inflight.Done()
	}
}

// beginStart registers a worker start unless the pool has been stopped.
func (p *Starter) beginStart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.inflight.Add(1)
	return true
}

// offer queues a started worker. It fails when the pool is stopped or full;
// the caller then owns the worker.
func (p *Starter) offer(w *warmWorker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.ready <- w:
		p.logger.Debug("pooled worker ready", "worker_id", w.id)
		return true
	default:
		return false
	}
}

// Stop ends the refill loop and kills every idle worker. Workers already
// handed to sessions are left to their sessions.
func (p *Starter) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	// A start under way is killed by Refill once it returns.
	started := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(started)
	}()
	select {
	case <-started:
	case <-ctx.Done():
	}

	for {
		select {
		case w := <-p.ready:
			if err := w.worker.Kill(ctx); err != nil {
				p.logger.Warn("kill pooled worker", "worker_id", w.id, "error", err)
			}
		default:
			return
		}
	}
}

func (p *Starter) requestRefill() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Starter) startWarm(ctx context.Context) (*warmWorker, error) {
	id := IDPrefix + uuid.NewString()
	w := &warmWorker{id: id}

	p.mu.Lock()
	p.owned[id] = struct{}{}
	p.mu.Unlock()

	worker, err := p.inner.Start(ctx, session.WorkerCallbacks{
		SessionID: id,
		OnMessage: w.onMessage,
		OnExit: func(code int) {
			p.mu.Lock()
			delete(p.owned, id)
			p.mu.Unlock()
			w.onExit(code)
		},
		Logger: p.logger.With("worker_id", id),
	})
	if err != nil {
		p.mu.Lock()
		delete(p.owned, id)
		p.mu.Unlock()
		return nil, err
	}
	w.worker = worker
	return w, nil
}

// warmWorker routes a worker's output to whichever session it is bound to.
type warmWorker struct {
	id     string
	worker session.Worker

	mu     sync.Mutex
	cb     *session.WorkerCallbacks
	exited bool
}

// bind attaches the worker to a session. It fails if the worker exited
// while idle.
func (w *warmWorker) bind(cb session.WorkerCallbacks) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited {
		return false
	}
	w.cb = &cb
	return true
}

func (w *warmWorker) onMessage(m protocol.Message) {
	w.mu.Lock()
	cb := w.cb
	w.mu.Unlock()
	if cb != nil && cb.OnMessage != nil {
		cb.OnMessage(m)
	}
}

func (w *warmWorker) onExit(code int) {
	w.mu.Lock()
	w.exited = true
	cb := w.cb
	w.mu.Unlock()
	if cb != nil && cb.OnExit != nil {
		cb.OnExit(code)
	}
}
