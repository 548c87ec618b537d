// Package mock provides in-memory audio device implementations for tests.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/talhawkk/voicechat/pkg/audio"
)

// ErrClosed is returned by ReadBlock after the device has been closed.
var ErrClosed = errors.New("mock: device closed")

// CaptureDevice is a scriptable audio.CaptureDevice. Feed blocks with Push;
// ReadBlock pops them in order and returns ErrClosed once Close is called
// and the queue is drained.
type CaptureDevice struct {
	// OpenErr, when non-nil, is returned by Open to simulate acquisition failure.
	OpenErr error

	mu     sync.Mutex
	opened bool
	opts   audio.CaptureOptions
	blocks chan []float32
	done   chan struct{}
	once   sync.Once
}

// NewCaptureDevice creates a capture device with room for n pending blocks.
func NewCaptureDevice(n int) *CaptureDevice {
	return &CaptureDevice{
		blocks: make(chan []float32, n),
		done:   make(chan struct{}),
	}
}

// Push queues one block for a later ReadBlock.
func (d *CaptureDevice) Push(block []float32) {
	d.blocks <- block
}

func (d *CaptureDevice) Open(_ context.Context, opts audio.CaptureOptions) error {
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.mu.Lock()
	d.opened = true
	d.opts = opts
	d.mu.Unlock()
	return nil
}

func (d *CaptureDevice) ReadBlock(buf []float32) error {
	select {
	case block := <-d.blocks:
		copy(buf, block)
		return nil
	case <-d.done:
		return ErrClosed
	}
}

func (d *CaptureDevice) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

// Opened reports whether Open succeeded, and with which options.
func (d *CaptureDevice) Opened() (bool, audio.CaptureOptions) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.opts
}

// Played records one PlayAt call on a PlaybackDevice.
type Played struct {
	Start   time.Time
	Samples []float32
}

// PlaybackDevice records scheduled playback for assertions.
type PlaybackDevice struct {
	// PlayErr, when non-nil, is returned by every PlayAt call. Set it before
	// handing the device out; use SetPlayErr to change it afterwards.
	PlayErr error

	mu       sync.Mutex
	opened   bool
	plays    []Played
	attempts int
	closed   int
}

func (d *PlaybackDevice) Open(_ context.Context, _ audio.PlaybackOptions) error {
	d.mu.Lock()
	d.opened = true
	d.mu.Unlock()
	return nil
}

func (d *PlaybackDevice) PlayAt(start time.Time, samples []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.PlayErr != nil {
		return d.PlayErr
	}
	d.plays = append(d.plays, Played{Start: start, Samples: append([]float32(nil), samples...)})
	return nil
}

// SetPlayErr swaps the error returned by subsequent PlayAt calls.
func (d *PlaybackDevice) SetPlayErr(err error) {
	d.mu.Lock()
	d.PlayErr = err
	d.mu.Unlock()
}

// Attempts reports how many PlayAt calls were made, failed ones included.
func (d *PlaybackDevice) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
	return nil
}

// Plays returns a copy of all recorded PlayAt calls.
func (d *PlaybackDevice) Plays() []Played {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Played(nil), d.plays...)
}

// CloseCount reports how many times Close has been called.
func (d *PlaybackDevice) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
