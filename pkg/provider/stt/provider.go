// Package stt defines the Transcriber interface for speech-to-text backends.
//
// The legacy-segmented call mode hands a complete utterance to a Transcriber
// and waits for the result, so the interface is batch, not streaming: one
// utterance in, one transcript out. An empty recognition result is reported
// as ErrNoSpeech, which callers treat as silence rather than a failure.
//
// Implementations must be safe for concurrent use; the gateway transcribes
// utterances from multiple sessions in parallel.
package stt

import (
	"context"
	"errors"
)

// ErrNoSpeech reports that the audio contained no recognizable speech. It is
// a transient signal, not a fatal error: the caller discards the utterance
// and resumes listening.
var ErrNoSpeech = errors.New("stt: no speech detected")

// Transcript is one recognition result.
type Transcript struct {
	// Text is the recognized speech.
	Text string

	// Language is the BCP-47 tag of the detected language, when the backend
	// detects one. Empty otherwise.
	Language string
}

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Transcribe recognizes one utterance of little-endian mono PCM16 at the
	// given sample rate. Returns ErrNoSpeech when the backend produces an
	// empty transcript.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}
