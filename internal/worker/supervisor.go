package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/p-arndt/chunkerweb/protocol"
)

// ErrExited is returned when writing to a worker that has already exited.
var ErrExited = errors.New("worker exited")

// Config configures how workers are started.
type Config struct {
	CLIPath     string
	JavaOptions string
	// Binds are directories the worker needs access to (used by containerised launchers).
	Binds       []string
	KillTimeout time.Duration
}

// Options are the per-worker callbacks.
type Options struct {
	// Name identifies the worker, normally the session id.
	Name string
	// OnMessage receives every decoded stdout message, in order, from a
	// single goroutine.
	OnMessage func(protocol.Message)
	// OnExit is called once after the process has exited and Done is closed.
	OnExit func(code int)
	Logger *slog.Logger
}

// Supervisor owns one worker process.
type Supervisor struct {
	proc        Process
	logger      *slog.Logger
	killTimeout time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	code    int
}

// Start launches a worker and begins bridging its output.
func Start(ctx context.Context, launcher Launcher, cfg Config, opts Options) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	javaOpts := JavaOptions(cfg.JavaOptions)
	heap := HeapBytes(javaOpts)

	decoder := protocol.NewLineDecoder(opts.OnMessage, func(line []byte, err error) {
		logger.Error("unparseable worker output", "line", string(line), "error", err)
	})
	stderr := &stderrLogger{logger: logger}

	spec := Spec{
		Name:      opts.Name,
		Args:      Command(cfg.CLIPath),
		Env:       []string{"_JAVA_OPTIONS=" + javaOpts},
		HeapBytes: heap,
		Binds:     cfg.Binds,
		Stdout:    decoder,
		Stderr:    stderr,
	}

	proc, err := launcher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	logger.Info("worker started", "command", spec.Args, "heap", units.BytesSize(float64(heap)))

	s := &Supervisor{
		proc:        proc,
		logger:      logger,
		killTimeout: cfg.KillTimeout,
		done:        make(chan struct{}),
	}
	go func() {
		code, err := proc.Wait()
		stderr.Flush()
		if err != nil {
			logger.Warn("worker wait", "error", err)
		}
		logger.Debug("worker exited", "code", code)

		s.code = code
		close(s.done)
		if opts.OnExit != nil {
			opts.OnExit(code)
		}
	}()
	return s, nil
}

// Send writes v to the worker as one JSON line. Concurrent calls never
// interleave.
func (s *Supervisor) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode worker request: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return ErrExited
	default:
	}
	if _, err := s.proc.Write(data); err != nil {
		return fmt.Errorf("write worker request: %w", err)
	}
	s.logger.Debug("sent to worker", "request", string(data[:len(data)-1]))
	return nil
}

// Kill terminates the worker and waits until it has exited, the kill
// timeout elapses or ctx is done.
func (s *Supervisor) Kill(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	s.proc.CloseStdin()
	if err := s.proc.Kill(); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if s.killTimeout > 0 {
		t := time.NewTimer(s.killTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-s.done:
		return nil
	case <-timeout:
		return fmt.Errorf("worker did not exit within %s", s.killTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the worker has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitCode returns the exit code. It is only meaningful after Done is closed.
func (s *Supervisor) ExitCode() int {
	<-s.done
	return s.code
}
