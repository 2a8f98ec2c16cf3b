package runner

import (
	"bytes"
	"sync"
)

// truncationMarker is appended to a stream that hit the byte ceiling.
const truncationMarker = "\n... [output truncated]"

// cappedBuffer collects a stream up to a fixed byte ceiling. Writes beyond
// the ceiling are counted but discarded, so a chatty child can never grow
// broker memory. Safe for concurrent use: os/exec copies each stream from
// its own goroutine.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil // discard, never block the child
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// String returns the captured bytes, with the truncation marker appended
// when the ceiling was hit.
func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

// Len returns the number of captured bytes (marker excluded).
func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
