// Package transport implements the persistent duplex message channel between
// a call client and the voicechat gateway.
//
// All traffic is JSON envelopes over a single WebSocket. Binary audio rides
// inside envelopes as base64 PCM16 so one framing covers both message
// classes; the kind tag distinguishes control from payload.
package transport

import (
	"encoding/base64"
	"fmt"
)

// Kind tags an envelope.
type Kind string

const (
	KindStartCall     Kind = "start_call"
	KindCallStarted   Kind = "call_started"
	KindEndCall       Kind = "end_call"
	KindCallEnded     Kind = "call_ended"
	KindAudioChunk    Kind = "audio_chunk"
	KindTranscription Kind = "transcription"
	KindResponseText  Kind = "response_text"
	KindAgentStatus   Kind = "agent_status"
	KindAgentDone     Kind = "agent_done"
	KindError         Kind = "error"
)

// IsValid reports whether k is a recognised envelope kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindStartCall, KindCallStarted, KindEndCall, KindCallEnded,
		KindAudioChunk, KindTranscription, KindResponseText,
		KindAgentStatus, KindAgentDone, KindError:
		return true
	}
	return false
}

// Mode is the negotiated call mode. It is an outcome of the gateway's
// call_started acknowledgment, never a unilateral client choice.
type Mode string

const (
	// ModeDuplex streams raw frames continuously; the gateway's voice agent
	// segments speech server-side.
	ModeDuplex Mode = "duplex-agent"

	// ModeLegacy batches one client-segmented utterance per exchange.
	ModeLegacy Mode = "legacy-segmented"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeDuplex || m == ModeLegacy
}

// Status is an agent activity report carried by agent_status envelopes.
type Status string

const (
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
	StatusListening Status = "listening"
)

// Envelope is one message on the channel. SessionID is set on every
// envelope; the remaining fields are kind-specific.
type Envelope struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id"`

	// call_started
	Mode Mode `json:"mode,omitempty"`

	// audio_chunk: base64 little-endian PCM16, mono.
	Audio string `json:"audio,omitempty"`

	// transcription / response_text
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`

	// agent_status
	Status Status `json:"status,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// AudioChunk builds an audio_chunk envelope carrying pcm.
func AudioChunk(sessionID string, pcm []byte) Envelope {
	return Envelope{
		Kind:      KindAudioChunk,
		SessionID: sessionID,
		Audio:     base64.StdEncoding.EncodeToString(pcm),
	}
}

// PCM decodes the envelope's base64 audio payload.
func (e Envelope) PCM() ([]byte, error) {
	if e.Audio == "" {
		return nil, fmt.Errorf("transport: envelope %q carries no audio", e.Kind)
	}
	pcm, err := base64.StdEncoding.DecodeString(e.Audio)
	if err != nil {
		return nil, fmt.Errorf("transport: decode audio payload: %w", err)
	}
	return pcm, nil
}
