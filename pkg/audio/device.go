package audio

import (
	"context"
	"time"
)

// CaptureOptions configures how a capture device is acquired.
type CaptureOptions struct {
	// SampleRate in Hz. The device must deliver mono float32 blocks at this rate.
	SampleRate int

	// BlockSize is the number of samples per ReadBlock call.
	BlockSize int

	// EchoCancellation, NoiseSuppression, and AutoGain request the
	// corresponding processing from the device layer. Devices that cannot
	// honour a request ignore it rather than failing.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
}

// PlaybackOptions configures how a playback device is acquired.
type PlaybackOptions struct {
	// SampleRate in Hz of the float32 sample units written to the device.
	SampleRate int
}

// CaptureDevice is a mono audio input. Implementations live in subpackages
// (portaudio for real hardware, mock for tests).
//
// ReadBlock blocks until a full block is available. Close is idempotent and
// unblocks a pending ReadBlock.
type CaptureDevice interface {
	Open(ctx context.Context, opts CaptureOptions) error
	ReadBlock(buf []float32) error
	Close() error
}

// PlaybackDevice is a mono audio output with scheduled starts.
//
// PlayAt begins emitting samples at the given wall-clock instant. Calls
// must be serialized by the caller; the playback scheduler is the only
// writer. Close is idempotent.
type PlaybackDevice interface {
	Open(ctx context.Context, opts PlaybackOptions) error
	PlayAt(start time.Time, samples []float32) error
	Close() error
}
