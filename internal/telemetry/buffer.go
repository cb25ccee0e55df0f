// Package telemetry buffers decoded samples between the session read loop and
// display consumers. The buffer is sized for real-time rendering, not storage:
// it holds a bounded window of samples since the last drain and evicts the
// oldest when a consumer falls behind.
package telemetry

import (
	"sync"

	"github.com/shengt25/micropython-plotter-poc/internal/wire"
)

// DefaultCapacity is the sample window used when no capacity is configured.
const DefaultCapacity = 512

// Buffer accumulates samples for periodic draining by a consumer. Pausing
// freezes the view: samples pushed while paused are dropped outright, so
// resuming shows live data rather than replaying a backlog. Safe for
// concurrent use.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	pending  []wire.Sample
	paused   bool
	dropped  int
}

// NewBuffer returns a buffer holding at most capacity undrained samples.
// A capacity below 1 falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Push appends a sample for the next drain. While paused, or when the window
// is full, the sample (or the oldest pending one) is dropped.
func (b *Buffer) Push(s wire.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		b.dropped++
		return
	}
	if len(b.pending) >= b.capacity {
		// Evict the oldest so the consumer sees the freshest window.
		n := copy(b.pending, b.pending[1:])
		b.pending = b.pending[:n]
		b.dropped++
	}
	b.pending = append(b.pending, s)
}

// Drain returns the samples pushed since the previous drain, in decode order,
// and clears the pending window. The returned slice is owned by the caller.
func (b *Buffer) Drain() []wire.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

// Pause freezes the buffer; subsequent pushes are dropped until Resume.
func (b *Buffer) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume re-enables delivery of newly pushed samples.
func (b *Buffer) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// Paused reports whether the buffer is currently paused.
func (b *Buffer) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Dropped returns the number of samples discarded due to pause or eviction.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
