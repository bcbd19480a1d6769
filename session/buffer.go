package session

import (
	"strings"
	"sync"

	"github.com/eapache/queue"
)

// OutputBuffer accumulates output lines, keeping at most limit of them.
// Older lines are dropped first.
type OutputBuffer struct {
	mu      sync.Mutex
	q       *queue.Queue
	limit   int
	dropped int64
}

// NewOutputBuffer returns a buffer holding up to limit lines; limit <= 0
// means unbounded.
func NewOutputBuffer(limit int) *OutputBuffer {
	return &OutputBuffer{q: queue.New(), limit: limit}
}

func (b *OutputBuffer) Append(lines ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range lines {
		b.q.Add(line)
		if b.limit > 0 && b.q.Length() > b.limit {
			b.q.Remove()
			b.dropped++
		}
	}
}

// Lines returns the buffered lines, oldest first.
func (b *OutputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, b.q.Length())
	for i := range out {
		out[i] = b.q.Get(i).(string)
	}
	return out
}

func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

// Dropped counts lines evicted to respect the limit.
func (b *OutputBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *OutputBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.q = queue.New()
	b.dropped = 0
}

func (b *OutputBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
