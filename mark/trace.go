package mark

import (
	"fmt"
	"io"
	"sync"

	"github.com/mattn/go-colorable"
)

// Trace output for debugging the engine. Each worker prints in its own
// color so interleaved lines can be told apart; the writer is wrapped so
// the escapes also work on Windows consoles. Disabled by default.

var workerColors = [...]string{
	"\x1b[32m", // green
	"\x1b[33m", // yellow
	"\x1b[34m", // blue
	"\x1b[35m", // magenta
	"\x1b[36m", // cyan
}

type tracer struct {
	enabled bool
	mu      sync.Mutex
	out     io.Writer
}

func newTracer(enabled bool) *tracer {
	return &tracer{
		enabled: enabled,
		out:     colorable.NewColorableStderr(),
	}
}

// phasef prints an uncolored engine-level trace line.
func (t *tracer) phasef(format string, args ...interface{}) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	fmt.Fprintf(t.out, "mark: "+format+"\n", args...)
	t.mu.Unlock()
}

// workerf prints a trace line colored by worker id.
func (t *tracer) workerf(worker int, format string, args ...interface{}) {
	if !t.enabled {
		return
	}
	color := workerColors[worker%len(workerColors)]
	t.mu.Lock()
	fmt.Fprintf(t.out, "%smark %d: %s\x1b[0m\n", color, worker, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}
