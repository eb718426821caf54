package agent

import (
	"strings"
	"sync"
)

// TailBuffer accumulates process output while keeping only the most
// recent maxBytes. Long-running agents can produce unbounded output;
// only the tail is useful for diagnostics and continuation prompts.
type TailBuffer struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int
	dropped  bool
}

// NewTailBuffer creates a TailBuffer retaining at most maxBytes.
// A non-positive maxBytes means unbounded.
func NewTailBuffer(maxBytes int) *TailBuffer {
	return &TailBuffer{maxBytes: maxBytes}
}

// WriteString appends s, discarding the oldest bytes once the cap is
// exceeded. Trimming snaps forward to the next newline so the retained
// tail starts on a line boundary.
func (b *TailBuffer) WriteString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, s...)
	if b.maxBytes <= 0 || len(b.buf) <= b.maxBytes {
		return
	}

	cut := len(b.buf) - b.maxBytes
	if nl := strings.IndexByte(string(b.buf[cut:]), '\n'); nl >= 0 {
		cut += nl + 1
	}
	b.buf = append(b.buf[:0], b.buf[cut:]...)
	b.dropped = true
}

// String returns the retained tail, prefixed with a truncation marker
// when earlier output was dropped.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dropped {
		return "[earlier output truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}

// Len returns the number of retained bytes.
func (b *TailBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Reset discards all retained output.
func (b *TailBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.dropped = false
}
