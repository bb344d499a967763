package worker

import (
	"bytes"
	"log/slog"
	"strings"
)

// stderrLogger logs each line the worker writes to stderr. JVM banners
// ("Picked up _JAVA_OPTIONS: ...") are informational; anything else is an
// error.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logLine(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.Flush()
	}
	return len(p), nil
}

// Flush logs any unterminated trailing output.
func (w *stderrLogger) Flush() {
	if len(w.buf) > 0 {
		w.logLine(string(w.buf))
		w.buf = nil
	}
}

func (w *stderrLogger) logLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "Picked up") {
		w.logger.Info("worker info", "line", line)
		return
	}
	w.logger.Error("worker error", "line", line)
}
