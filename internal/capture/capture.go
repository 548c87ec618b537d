// Package capture acquires the microphone and turns raw device blocks into
// pipeline frames.
//
// The device is read by a dedicated goroutine in fixed 4096-sample float32
// blocks; each block is encoded to mono PCM16, tagged with a sequence index
// and an RMS energy level, and pushed through a fixed-size frame ring. A
// second goroutine drains the ring into the Frames channel without ever
// blocking the device loop.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talhawkk/voicechat/pkg/audio"
)

// Defaults, overridable via config.
const (
	DefaultBlockSize  = 4096
	DefaultRingFrames = 16
)

// Config tunes the capturer. Zero values fall back to the defaults.
type Config struct {
	// SampleRate of the capture device in Hz.
	SampleRate int

	// BlockSize is the number of samples per device block.
	BlockSize int

	// RingFrames is the capacity of the decoupling ring.
	RingFrames int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.CaptureRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.RingFrames <= 0 {
		c.RingFrames = DefaultRingFrames
	}
	return c
}

// Capturer owns one capture device for the lifetime of a call session.
type Capturer struct {
	cfg  Config
	dev  audio.CaptureDevice
	ring *FrameRing
	out  chan audio.Frame

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a capturer around dev.
func New(dev audio.CaptureDevice, cfg Config) *Capturer {
	cfg = cfg.withDefaults()
	return &Capturer{
		cfg:  cfg,
		dev:  dev,
		ring: NewFrameRing(cfg.RingFrames),
		out:  make(chan audio.Frame, cfg.RingFrames),
	}
}

// Start opens the device with echo cancellation, noise suppression, and auto
// gain requested, then launches the device and ring-drain goroutines. A
// failure to open the device is an acquisition failure; the caller reports
// it and does not retry.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	err := c.dev.Open(ctx, audio.CaptureOptions{
		SampleRate:       c.cfg.SampleRate,
		BlockSize:        c.cfg.BlockSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGain:         true,
	})
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.wg.Add(2)
	go c.deviceLoop(runCtx)
	go c.drainLoop(runCtx)
	return nil
}

// Frames returns the stream of captured frames. The channel is closed when
// the capturer shuts down.
func (c *Capturer) Frames() <-chan audio.Frame { return c.out }

// Dropped reports how many frames were evicted because the consumer fell
// behind.
func (c *Capturer) Dropped() uint64 { return c.ring.Dropped() }

// Close releases the device and stops both goroutines. Idempotent; safe to
// call before Start.
func (c *Capturer) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		err = c.dev.Close()
		if cancel != nil {
			c.wg.Wait()
		}
		close(c.out)
	})
	return err
}

// deviceLoop reads blocks until the device fails or the context ends.
func (c *Capturer) deviceLoop(ctx context.Context) {
	defer c.wg.Done()

	block := make([]float32, c.cfg.BlockSize)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.dev.ReadBlock(block); err != nil {
			if ctx.Err() == nil {
				slog.Debug("capture: device read ended", "err", err)
			}
			return
		}

		pcm := audio.EncodeFloat32(block)
		c.ring.Push(audio.Frame{
			PCM:        pcm,
			SampleRate: c.cfg.SampleRate,
			Seq:        seq,
			Level:      audio.Level(pcm),
			Timestamp:  time.Now(),
		})
		seq++
	}
}

// drainLoop moves frames from the ring to the output channel. When the
// consumer is slow the ring evicts the oldest frames; the drain itself uses
// a non-blocking send so it can return to draining promptly.
func (c *Capturer) drainLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ring.Wait():
			for {
				f, ok := c.ring.Pop()
				if !ok {
					break
				}
				select {
				case c.out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
