package capture

import (
	"sync"
	"sync/atomic"

	"github.com/talhawkk/voicechat/pkg/audio"
)

// FrameRing is a fixed-capacity FIFO of frames that overwrites its oldest
// entry when full. It decouples the device read cadence from the transport
// send cadence: the device loop never blocks on a slow consumer, and the
// consumer always sees the freshest window of audio (bounded staleness over
// completeness).
type FrameRing struct {
	mu      sync.Mutex
	frames  []audio.Frame
	head    int // index of oldest frame
	size    int
	notify  chan struct{}
	dropped atomic.Uint64
}

// NewFrameRing creates a ring holding at most n frames. n must be > 0.
func NewFrameRing(n int) *FrameRing {
	return &FrameRing{
		frames: make([]audio.Frame, n),
		notify: make(chan struct{}, 1),
	}
}

// Push appends f, evicting the oldest frame when the ring is full.
func (r *FrameRing) Push(f audio.Frame) {
	r.mu.Lock()
	if r.size == len(r.frames) {
		// Evict oldest.
		r.head = (r.head + 1) % len(r.frames)
		r.size--
		r.dropped.Add(1)
	}
	tail := (r.head + r.size) % len(r.frames)
	r.frames[tail] = f
	r.size++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest frame, if any.
func (r *FrameRing) Pop() (audio.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return audio.Frame{}, false
	}
	f := r.frames[r.head]
	r.frames[r.head] = audio.Frame{}
	r.head = (r.head + 1) % len(r.frames)
	r.size--
	return f, true
}

// Len reports the number of buffered frames.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped reports the total number of evicted frames.
func (r *FrameRing) Dropped() uint64 { return r.dropped.Load() }

// Wait returns a channel that receives a token after each Push. The channel
// has capacity one; a single receive may cover several pushes, so consumers
// drain the ring after each wake-up.
func (r *FrameRing) Wait() <-chan struct{} { return r.notify }
