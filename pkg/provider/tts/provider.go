// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// The legacy pipeline synthesizes one full response text per turn, then
// chunks the audio onto the transport itself, so the contract is batch: text
// in, complete PCM out at the playback sample rate.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders text as little-endian mono PCM16 at the playback
	// sample rate (24kHz).
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
