// Package worker starts and supervises the conversion worker process and
// bridges its stdio to the line protocol.
package worker

import (
	"context"
	"io"
	"strings"

	"github.com/p-arndt/chunkerweb/protocol"
)

// Spec describes one worker process to launch.
type Spec struct {
	// Name identifies the process, normally the session id.
	Name string
	Args []string
	Env  []string
	// HeapBytes is the JVM heap the process was sized for, 0 if unknown.
	HeapBytes int64
	// Binds are host directories the worker must be able to read and write
	// at the same paths.
	Binds []string

	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running worker.
type Process interface {
	// Write writes to the process's standard input.
	Write(p []byte) (int, error)
	CloseStdin() error
	// Wait blocks until the process has exited and all of its output has
	// been delivered, and returns the exit code. A process killed by a
	// signal reports -1.
	Wait() (int, error)
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
	// Available reports why the worker at cliPath cannot be started, or nil.
	Available(ctx context.Context, cliPath string) error
}

// Command returns the argument vector that starts the CLI in line protocol
// mode. Jar files are run through java.
func Command(cliPath string) []string {
	if strings.HasSuffix(cliPath, ".jar") {
		return []string{"java", "-jar", cliPath, protocol.WorkerMode}
	}
	return []string{cliPath, protocol.WorkerMode}
}
