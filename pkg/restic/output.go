package restic

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const stderrTail = 8 * 1024

// lineWriter forwards complete lines to emit as they are written and keeps
// a copy of what it has seen, trimmed to limit bytes when limit > 0.
type lineWriter struct {
	mu      sync.Mutex
	partial []byte
	seen    bytes.Buffer
	limit   int
	emit    func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seen.Write(p)
	if w.limit > 0 && w.seen.Len() > w.limit {
		tail := append([]byte(nil), w.seen.Bytes()[w.seen.Len()-w.limit:]...)
		w.seen.Reset()
		w.seen.Write(tail)
	}

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush emits any trailing text not terminated by a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.line(w.partial)
		w.partial = nil
	}
}

func (w *lineWriter) line(b []byte) {
	// progress output redraws with carriage returns; keep the last frame
	s := string(b)
	if i := strings.LastIndexByte(strings.TrimRight(s, "\r"), '\r'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimRight(s, "\r")
	if strings.TrimSpace(s) != "" {
		w.emit(s)
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen.String()
}

// Output streams a process's stdout at info and stderr at error level, one
// log entry per line, while also capturing them.
type Output struct {
	stdout *lineWriter
	stderr *lineWriter
}

func NewOutput(logger *zap.Logger) *Output {
	return &Output{
		stdout: &lineWriter{emit: func(s string) { logger.Info(s) }},
		stderr: &lineWriter{limit: stderrTail, emit: func(s string) { logger.Error(s) }},
	}
}

// NewWorkerOutput is NewOutput for long-running workers: stdout is logged
// but only its tail is kept, bounded like stderr.
func NewWorkerOutput(logger *zap.Logger) *Output {
	o := NewOutput(logger)
	o.stdout.limit = stderrTail
	return o
}

// newQuietOutput logs both streams at debug level.
func newQuietOutput(logger *zap.Logger) *Output {
	return &Output{
		stdout: &lineWriter{emit: func(s string) { logger.Debug(s) }},
		stderr: &lineWriter{limit: stderrTail, emit: func(s string) { logger.Debug(s) }},
	}
}

func (o *Output) Stdout() io.Writer { return o.stdout }
func (o *Output) Stderr() io.Writer { return o.stderr }

// Flush emits any buffered partial lines.
func (o *Output) Flush() {
	o.stdout.Flush()
	o.stderr.Flush()
}

// StdoutText returns what was written to stdout, or only its tail for a
// worker output.
func (o *Output) StdoutText() string { return o.stdout.String() }

// StderrText returns the captured tail of stderr.
func (o *Output) StderrText() string { return o.stderr.String() }
