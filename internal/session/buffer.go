package session

import "sync"

// DefaultBufferLimit caps how much raw output is retained per session.
const DefaultBufferLimit = 256 * 1024

// Buffer is a bounded append-only log of raw process output with a single
// turn marker. When the limit is exceeded the oldest bytes are dropped, so
// offsets are tracked in absolute terms and the marker survives pruning.
// All fields are protected by mu.
type Buffer struct {
	mu sync.Mutex

	data  []byte
	limit int

	// start is the absolute offset of data[0]; it grows as old bytes
	// are pruned.
	start int

	// marker is the absolute offset where the current turn began, or -1
	// when no turn is open.
	marker int
}

// NewBuffer creates a buffer that retains at most limit bytes. A
// non-positive limit falls back to DefaultBufferLimit.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Buffer{limit: limit, marker: -1}
}

// Append adds raw output, pruning from the front if the limit is exceeded.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = b.data[over:]
		b.start += over
	}
}

// String returns all retained output.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// End returns the absolute offset one past the last byte written.
func (b *Buffer) End() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start + len(b.data)
}

// Tail returns up to the last n retained bytes.
func (b *Buffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.data) {
		return string(b.data)
	}
	return string(b.data[len(b.data)-n:])
}

// MarkTurn places the turn marker at the current end of output. Any
// previous marker is replaced.
func (b *Buffer) MarkTurn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marker = b.start + len(b.data)
}

// HasMarker reports whether a turn is open.
func (b *Buffer) HasMarker() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marker >= 0
}

// SinceMarker returns the output written since the marker without
// consuming it. ok is false when no turn is open. If pruning has overtaken
// the marker, the surviving portion is returned.
func (b *Buffer) SinceMarker() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinceMarkerLocked()
}

// ConsumeMarker returns the output written since the marker and clears it,
// so a turn's output is captured at most once. ok is false when no turn
// is open.
func (b *Buffer) ConsumeMarker() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sinceMarkerLocked()
	if ok {
		b.marker = -1
	}
	return s, ok
}

func (b *Buffer) sinceMarkerLocked() (string, bool) {
	if b.marker < 0 {
		return "", false
	}
	rel := b.marker - b.start
	if rel < 0 {
		rel = 0
	}
	if rel > len(b.data) {
		rel = len(b.data)
	}
	return string(b.data[rel:]), true
}
