package coordinator

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
)

type outputLine struct {
	text   string
	failed bool
}

// lineWriter splits engine output into lines and feeds them to a channel it
// owns. After halt, output is discarded so a stale worker never blocks on a
// reader that has gone away.
type lineWriter struct {
	mu      sync.Mutex
	partial bytes.Buffer
	out     chan outputLine
	closed  bool
	count   int
	stop    *atomic.Bool
}

func newLineWriter(stop *atomic.Bool) *lineWriter {
	return &lineWriter{out: make(chan outputLine, 256), stop: stop}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	w.partial.Write(p)
	for {
		data := w.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimSuffix(string(data[:i]), "\r")
		w.partial.Next(i + 1)
		w.send(outputLine{text: line})
	}
	return len(p), nil
}

// emit sends whole lines that did not come from the engine's streams.
func (w *lineWriter) emit(failed bool, lines ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for _, line := range lines {
		w.send(outputLine{text: line, failed: failed})
	}
}

// flush sends a trailing line that has no newline.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *lineWriter) flushLocked() {
	if w.partial.Len() > 0 && !w.closed {
		w.send(outputLine{text: w.partial.String()})
	}
	w.partial.Reset()
}

// finish flushes and closes the channel. It is a no-op after halt.
func (w *lineWriter) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
	w.closeLocked()
}

// halt raises the stop flag and closes the channel; later output is dropped.
func (w *lineWriter) halt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop.Store(true)
	w.partial.Reset()
	w.closeLocked()
}

func (w *lineWriter) send(line outputLine) {
	w.count++
	w.out <- line
}

// sent counts lines handed to the reader.
func (w *lineWriter) sent() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *lineWriter) closeLocked() {
	if !w.closed {
		w.closed = true
		close(w.out)
	}
}

// collector keeps lines drained so far; a timed-out call reads a snapshot
// while the drain goroutine may still be appending.
type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) add(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}
