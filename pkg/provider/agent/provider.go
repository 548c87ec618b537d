// Package agent defines the Provider interface for speech-to-speech voice
// agent backends.
//
// A voice agent consumes a continuous raw audio stream and does its own
// segmentation, recognition, response generation, and synthesis server-side.
// The gateway relays client audio into the session and relays synthesized
// audio and conversation events back out; it never sees a transcript boundary
// itself. This is what powers the duplex-agent call mode.
//
// Implementations must be safe for concurrent use.
package agent

import "context"

// EventKind tags a conversation event emitted by the agent.
type EventKind string

const (
	// EventUserTranscript carries the recognized text of the user's speech.
	EventUserTranscript EventKind = "user_transcript"

	// EventAgentResponse carries the text of the agent's spoken reply.
	EventAgentResponse EventKind = "agent_response"

	// EventUserStartedSpeaking signals a barge-in: the user spoke while the
	// agent was producing audio. Buffered agent audio must be discarded.
	EventUserStartedSpeaking EventKind = "user_started_speaking"

	// EventAgentThinking signals that the agent is generating a response.
	EventAgentThinking EventKind = "agent_thinking"

	// EventAgentAudioDone signals the end of the current response's audio.
	EventAgentAudioDone EventKind = "agent_audio_done"
)

// Event is one conversation event. Text is set for transcript and response
// events; it is empty for pure signals.
type Event struct {
	Kind EventKind
	Text string
}

// SessionConfig describes one agent session.
type SessionConfig struct {
	// InputSampleRate is the client audio rate in Hz (48000).
	InputSampleRate int

	// OutputSampleRate is the synthesized audio rate in Hz (24000).
	OutputSampleRate int

	// Instructions is the agent's system prompt. Optional.
	Instructions string

	// Greeting is spoken by the agent as soon as the session opens. Optional.
	Greeting string
}

// SessionHandle is an open agent session. Callers must call Close when the
// session is no longer needed; failing to do so leaks goroutines and the
// network connection. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers raw PCM16 client audio. Calling SendAudio after
	// Close returns an error.
	SendAudio(pcm []byte) error

	// Audio emits synthesized agent audio fragments (PCM16 at the configured
	// output rate). Closed when the session ends.
	Audio() <-chan []byte

	// Events emits conversation events. Closed when the session ends.
	Events() <-chan Event

	// Err reports why the session ended, once Audio and Events are closed.
	// Nil after a clean Close.
	Err() error

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any voice agent backend.
type Provider interface {
	// Connect opens a new agent session. The returned handle accepts audio
	// immediately.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
