// Package audio defines the frame type and PCM primitives shared by the
// capture, transport, and playback stages of the voicechat pipeline.
//
// All audio inside the pipeline is little-endian signed 16-bit PCM, mono.
// Sample-rate conversion happens only at the two pipeline boundaries:
// 48 kHz on the capture side, 24 kHz on the playback side.
package audio

import "time"

// Standard pipeline sample rates.
const (
	// CaptureRate is the sample rate of frames produced by the capture stage.
	CaptureRate = 48000

	// PlaybackRate is the sample rate of synthesized frames scheduled for output.
	PlaybackRate = 24000
)

// BytesPerSample is the width of one mono PCM16 sample on the wire.
const BytesPerSample = 2

// Frame is a fixed-size block of mono PCM16 samples. Frames are immutable
// once produced; stages must not modify PCM in place.
type Frame struct {
	// PCM holds little-endian int16 samples.
	PCM []byte

	// SampleRate in Hz (48000 capture side, 24000 playback side).
	SampleRate int

	// Seq is a monotonic per-session sequence index assigned by the producer.
	Seq uint64

	// Level is the frame's RMS energy on a 0–255 scale, used by the VAD.
	Level int

	// Timestamp marks when the frame was captured.
	Timestamp time.Time
}

// Duration returns the playback duration of the frame's PCM.
func (f Frame) Duration() time.Duration {
	return Duration(len(f.PCM), f.SampleRate)
}

// Duration returns how long n bytes of mono PCM16 last at the given rate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesForDuration returns the mono PCM16 byte count covering d at the given
// rate, rounded down to a whole sample.
func BytesForDuration(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * BytesPerSample
}
