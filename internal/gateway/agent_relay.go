package gateway

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/talhawkk/voicechat/internal/observe"
	"github.com/talhawkk/voicechat/internal/store"
	"github.com/talhawkk/voicechat/internal/transport"
	"github.com/talhawkk/voicechat/pkg/audio"
	"github.com/talhawkk/voicechat/pkg/provider/agent"
)

// relayChunkBytes is the outbound audio_chunk payload size in duplex mode:
// 400ms of mono PCM16 at the playback rate. Agent backends emit fragments of
// arbitrary size; coalescing keeps envelope overhead low without adding
// noticeable latency.
const relayChunkBytes = audio.PlaybackRate * audio.BytesPerSample * 400 / 1000

// agentRelay serves one duplex-agent call: client audio goes straight into
// the agent session, synthesized audio and conversation events come back out
// as envelopes. The agent does its own speech segmentation; the relay never
// inspects audio content.
type agentRelay struct {
	id      string
	sess    agent.SessionHandle
	snd     *sender
	rec     *store.Recorder
	metrics *observe.Metrics
	log     *slog.Logger

	// Owned by relayLoop.
	pending    []byte
	speaking   bool
	transcript string

	start     chan struct{}
	startOnce sync.Once
	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newAgentRelay(ctx context.Context, cfg Config, sessionID string, snd *sender) (*agentRelay, error) {
	sess, err := cfg.Agent.Connect(ctx, agent.SessionConfig{
		InputSampleRate:  audio.CaptureRate,
		OutputSampleRate: audio.PlaybackRate,
		Instructions:     cfg.Instructions,
		Greeting:         cfg.Greeting,
	})
	if err != nil {
		return nil, err
	}

	r := &agentRelay{
		id:      sessionID,
		sess:    sess,
		snd:     snd,
		rec:     cfg.Recorder,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("session_id", sessionID, "mode", transport.ModeDuplex),
		start:   make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.relayLoop()
	return r, nil
}

// Start releases the relay loop.
func (r *agentRelay) Start() {
	r.startOnce.Do(func() { close(r.start) })
}

// HandleEnvelope forwards client audio into the agent session.
func (r *agentRelay) HandleEnvelope(env transport.Envelope) {
	if env.Kind != transport.KindAudioChunk {
		return
	}
	pcm, err := env.PCM()
	if err != nil {
		r.log.Warn("audio envelope discarded", "error", err)
		return
	}
	if err := r.sess.SendAudio(pcm); err != nil {
		r.metrics.FramesDropped.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("reason", "agent_session")))
		r.log.Warn("audio not delivered to agent", "error", err)
	}
}

// Close ends the agent session and waits for the relay loop to drain.
func (r *agentRelay) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		_ = r.sess.Close()
		<-r.done
	})
}

// relayLoop is the single consumer of the agent session's audio and event
// streams. It exits when both are closed.
func (r *agentRelay) relayLoop() {
	defer close(r.done)

	select {
	case <-r.start:
	case <-r.stop:
		return
	}

	audioCh := r.sess.Audio()
	events := r.sess.Events()
	for audioCh != nil || events != nil {
		select {
		case frag, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			r.handleAudio(frag)

		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.handleEvent(evt)
		}
	}

	if err := r.sess.Err(); err != nil {
		r.metrics.ProviderErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				observe.Attr("provider", "agent"),
				observe.Attr("kind", "session"),
			))
		r.log.Error("agent session failed", "error", err)
		r.snd.Send(transport.Envelope{
			Kind:      transport.KindError,
			SessionID: r.id,
			Message:   "voice agent session lost",
		})
	}
}

// handleAudio coalesces agent fragments into fixed-size outbound chunks.
func (r *agentRelay) handleAudio(frag []byte) {
	if !r.speaking {
		r.speaking = true
		r.snd.Send(transport.Envelope{
			Kind:      transport.KindAgentStatus,
			SessionID: r.id,
			Status:    transport.StatusSpeaking,
		})
	}
	r.pending = append(r.pending, frag...)
	for len(r.pending) >= relayChunkBytes {
		r.emitChunk(r.pending[:relayChunkBytes])
		r.pending = r.pending[relayChunkBytes:]
	}
}

func (r *agentRelay) handleEvent(evt agent.Event) {
	switch evt.Kind {
	case agent.EventUserTranscript:
		r.transcript = evt.Text
		r.snd.Send(transport.Envelope{
			Kind:      transport.KindTranscription,
			SessionID: r.id,
			Text:      evt.Text,
		})

	case agent.EventAgentResponse:
		r.snd.Send(transport.Envelope{
			Kind:      transport.KindResponseText,
			SessionID: r.id,
			Text:      evt.Text,
		})
		if r.rec != nil {
			r.rec.Record(store.Exchange{
				SessionID:  r.id,
				Transcript: r.transcript,
				Response:   evt.Text,
				Mode:       string(transport.ModeDuplex),
			})
		}
		r.transcript = ""

	case agent.EventUserStartedSpeaking:
		// Barge-in: whatever was queued for the old turn must not reach
		// the client.
		r.pending = r.pending[:0]
		r.speaking = false
		r.snd.Send(transport.Envelope{
			Kind:      transport.KindAgentStatus,
			SessionID: r.id,
			Status:    transport.StatusListening,
		})

	case agent.EventAgentThinking:
		r.snd.Send(transport.Envelope{
			Kind:      transport.KindAgentStatus,
			SessionID: r.id,
			Status:    transport.StatusThinking,
		})

	case agent.EventAgentAudioDone:
		if len(r.pending) > 0 {
			r.emitChunk(r.pending)
			r.pending = r.pending[:0]
		}
		r.speaking = false
		r.snd.Send(transport.Envelope{
			Kind:      transport.KindAgentDone,
			SessionID: r.id,
		})
	}
}

func (r *agentRelay) emitChunk(pcm []byte) {
	r.snd.Send(transport.AudioChunk(r.id, pcm))
}
