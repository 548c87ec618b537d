// Package portaudio implements the audio device interfaces on top of
// PortAudio. One process-wide PortAudio initialisation is shared between
// capture and playback devices via reference counting.
package portaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/talhawkk/voicechat/pkg/audio"
)

var (
	initMu   sync.Mutex
	initRefs int
)

func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		return
	}
	initRefs--
	if initRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// CaptureDevice reads mono float32 blocks from the default input device.
// PortAudio does not expose echo cancellation / noise suppression / auto
// gain as stream parameters, so those CaptureOptions are accepted and left
// to the host audio stack.
type CaptureDevice struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	closed bool
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// Open acquires the default input device at opts.SampleRate with
// opts.BlockSize frames per buffer.
func (d *CaptureDevice) Open(_ context.Context, opts audio.CaptureOptions) error {
	if err := acquire(); err != nil {
		return err
	}

	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		release()
		return fmt.Errorf("portaudio: default input device: %w", err)
	}

	buf := make([]float32, opts.BlockSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: 1,
			Latency:  in.DefaultLowInputLatency,
		},
		SampleRate:      float64(opts.SampleRate),
		FramesPerBuffer: opts.BlockSize,
	}

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		release()
		return fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		release()
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}

	d.mu.Lock()
	d.stream = stream
	d.buf = buf
	d.mu.Unlock()
	return nil
}

// ReadBlock blocks until one device buffer has been captured, then copies it
// into buf.
func (d *CaptureDevice) ReadBlock(buf []float32) error {
	d.mu.Lock()
	stream := d.stream
	src := d.buf
	closed := d.closed
	d.mu.Unlock()

	if closed || stream == nil {
		return fmt.Errorf("portaudio: capture device closed")
	}
	if err := stream.Read(); err != nil {
		return fmt.Errorf("portaudio: read: %w", err)
	}
	copy(buf, src)
	return nil
}

// Close stops and releases the stream. Idempotent.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.stream != nil {
		_ = d.stream.Stop()
		_ = d.stream.Close()
		d.stream = nil
		release()
	}
	return nil
}

// PlaybackDevice writes mono float32 samples to the default output device.
type PlaybackDevice struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	rate   int
	closed bool
}

var _ audio.PlaybackDevice = (*PlaybackDevice)(nil)

const playbackBlock = 2048

// Open acquires the default output device at opts.SampleRate.
func (d *PlaybackDevice) Open(_ context.Context, opts audio.PlaybackOptions) error {
	if err := acquire(); err != nil {
		return err
	}

	out, err := portaudio.DefaultOutputDevice()
	if err != nil {
		release()
		return fmt.Errorf("portaudio: default output device: %w", err)
	}

	buf := make([]float32, playbackBlock)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   out,
			Channels: 1,
			Latency:  out.DefaultLowOutputLatency,
		},
		SampleRate:      float64(opts.SampleRate),
		FramesPerBuffer: playbackBlock,
	}

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		release()
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		release()
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}

	d.mu.Lock()
	d.stream = stream
	d.buf = buf
	d.rate = opts.SampleRate
	d.mu.Unlock()
	return nil
}

// PlayAt sleeps until start, then writes samples to the device in
// fixed-size blocks. The caller (the scheduler's playback goroutine)
// serializes calls, so consecutive units abut without the device
// underrunning between them.
func (d *PlaybackDevice) PlayAt(start time.Time, samples []float32) error {
	if wait := time.Until(start); wait > 0 {
		time.Sleep(wait)
	}

	d.mu.Lock()
	stream := d.stream
	buf := d.buf
	closed := d.closed
	d.mu.Unlock()

	if closed || stream == nil {
		return fmt.Errorf("portaudio: playback device closed")
	}

	for off := 0; off < len(samples); off += playbackBlock {
		end := off + playbackBlock
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(buf, samples[off:end])
		// Zero-pad the final partial block.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close stops and releases the stream. Idempotent.
func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.stream != nil {
		_ = d.stream.Stop()
		_ = d.stream.Close()
		d.stream = nil
		release()
	}
	return nil
}
