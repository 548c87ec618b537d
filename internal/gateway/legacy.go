package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/talhawkk/voicechat/internal/observe"
	"github.com/talhawkk/voicechat/internal/store"
	"github.com/talhawkk/voicechat/internal/transport"
	"github.com/talhawkk/voicechat/pkg/audio"
	"github.com/talhawkk/voicechat/pkg/provider/llm"
	"github.com/talhawkk/voicechat/pkg/provider/stt"
	"github.com/talhawkk/voicechat/pkg/provider/tts"
)

const (
	// utteranceQueueSize bounds utterances waiting for the turn worker. The
	// client enforces one utterance in flight, so depth beyond a couple only
	// happens when a provider stalls.
	utteranceQueueSize = 4

	// maxHistoryMessages caps the rolling conversation history sent to the
	// model, counted in messages (user and assistant alike).
	maxHistoryMessages = 20
)

// legacyPipeline serves one legacy-segmented call. Each utterance envelope
// runs one full turn: transcription, response generation, synthesis, and
// chunked audio delivery. Turns run on a single worker so history stays
// ordered.
type legacyPipeline struct {
	id      string
	stt     stt.Transcriber
	llm     llm.Responder
	tts     tts.Synthesizer
	snd     *sender
	rec     *store.Recorder
	metrics *observe.Metrics
	log     *slog.Logger

	systemPrompt string
	greeting     string

	utterances chan []byte

	// history is owned by the worker goroutine.
	history []llm.Message

	start     chan struct{}
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newLegacyPipeline(cfg Config, sessionID string, snd *sender) *legacyPipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &legacyPipeline{
		id:           sessionID,
		stt:          cfg.Transcriber,
		llm:          cfg.Responder,
		tts:          cfg.Synthesizer,
		snd:          snd,
		rec:          cfg.Recorder,
		metrics:      cfg.Metrics,
		log:          cfg.Logger.With("session_id", sessionID, "mode", transport.ModeLegacy),
		systemPrompt: cfg.Instructions,
		greeting:     cfg.Greeting,
		utterances:   make(chan []byte, utteranceQueueSize),
		start:        make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go p.worker()
	return p
}

// Start releases the turn worker.
func (p *legacyPipeline) Start() {
	p.startOnce.Do(func() { close(p.start) })
}

// HandleEnvelope queues one utterance for the worker.
func (p *legacyPipeline) HandleEnvelope(env transport.Envelope) {
	if env.Kind != transport.KindAudioChunk {
		return
	}
	pcm, err := env.PCM()
	if err != nil {
		p.log.Warn("audio envelope discarded", "error", err)
		return
	}
	select {
	case p.utterances <- pcm:
	default:
		p.metrics.FramesDropped.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("reason", "utterance_queue")))
		p.log.Warn("utterance dropped, turn queue full", "bytes", len(pcm))
	}
}

// Close stops the worker. Any in-flight provider call is cancelled.
func (p *legacyPipeline) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
	})
}

func (p *legacyPipeline) worker() {
	defer close(p.done)

	select {
	case <-p.start:
	case <-p.ctx.Done():
		return
	}

	if p.greeting != "" {
		p.speak(p.greeting)
	}

	for {
		select {
		case pcm := <-p.utterances:
			p.runTurn(pcm)
		case <-p.ctx.Done():
			return
		}
	}
}

// runTurn executes one utterance end to end. Provider failures end the turn
// with an error envelope and leave the call listening; they are never fatal
// to the session.
func (p *legacyPipeline) runTurn(pcm []byte) {
	turnStart := time.Now()

	tr, err := p.transcribe(pcm)
	if err != nil {
		if errors.Is(err, stt.ErrNoSpeech) {
			p.sendStatus(transport.StatusListening)
			return
		}
		p.failTurn("stt", "transcription failed", err)
		return
	}

	p.snd.Send(transport.Envelope{
		Kind:      transport.KindTranscription,
		SessionID: p.id,
		Text:      tr.Text,
		Language:  tr.Language,
	})
	p.sendStatus(transport.StatusThinking)

	reply, err := p.respond(tr.Text)
	if err != nil {
		p.failTurn("llm", "response generation failed", err)
		return
	}

	p.snd.Send(transport.Envelope{
		Kind:      transport.KindResponseText,
		SessionID: p.id,
		Text:      reply,
	})

	if !p.speak(reply) {
		return
	}

	p.metrics.TurnDuration.Record(context.Background(), time.Since(turnStart).Seconds())
	if p.rec != nil {
		p.rec.Record(store.Exchange{
			SessionID:  p.id,
			Transcript: tr.Text,
			Response:   reply,
			Language:   tr.Language,
			Mode:       string(transport.ModeLegacy),
		})
	}
}

func (p *legacyPipeline) transcribe(pcm []byte) (stt.Transcript, error) {
	start := time.Now()
	tr, err := p.stt.Transcribe(p.ctx, pcm, audio.CaptureRate)
	p.metrics.STTDuration.Record(context.Background(), time.Since(start).Seconds())
	p.countRequest("stt", err)
	return tr, err
}

// respond runs the model over the rolling history. The user turn is only
// committed to history once the model answers, so a failed turn can be
// retried by the caller speaking again.
func (p *legacyPipeline) respond(userText string) (string, error) {
	messages := append(append([]llm.Message(nil), p.history...),
		llm.Message{Role: "user", Content: userText})

	start := time.Now()
	reply, err := p.llm.Respond(p.ctx, llm.Request{
		SystemPrompt: p.systemPrompt,
		Messages:     messages,
	})
	p.metrics.LLMDuration.Record(context.Background(), time.Since(start).Seconds())
	p.countRequest("llm", err)
	if err != nil {
		return "", err
	}

	p.history = append(messages, llm.Message{Role: "assistant", Content: reply})
	if excess := len(p.history) - maxHistoryMessages; excess > 0 {
		p.history = p.history[excess:]
	}
	return reply, nil
}

// speak synthesizes text and streams it to the client as chunked audio
// followed by agent_done. Reports whether the turn completed.
func (p *legacyPipeline) speak(text string) bool {
	p.sendStatus(transport.StatusSpeaking)

	start := time.Now()
	pcm, err := p.tts.Synthesize(p.ctx, text)
	p.metrics.TTSDuration.Record(context.Background(), time.Since(start).Seconds())
	p.countRequest("tts", err)
	if err != nil {
		p.failTurn("tts", "speech synthesis failed", err)
		return false
	}

	for len(pcm) > 0 {
		n := min(len(pcm), relayChunkBytes)
		p.snd.Send(transport.AudioChunk(p.id, pcm[:n]))
		pcm = pcm[n:]
	}
	p.snd.Send(transport.Envelope{
		Kind:      transport.KindAgentDone,
		SessionID: p.id,
	})
	return true
}

// failTurn reports a recoverable turn failure and returns the call to
// listening.
func (p *legacyPipeline) failTurn(provider, msg string, err error) {
	if p.ctx.Err() != nil {
		return
	}
	p.metrics.ProviderErrors.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("provider", provider)))
	p.log.Error("turn failed", "provider", provider, "error", err)
	p.snd.Send(transport.Envelope{
		Kind:      transport.KindError,
		SessionID: p.id,
		Message:   msg,
	})
	p.sendStatus(transport.StatusListening)
}

func (p *legacyPipeline) sendStatus(status transport.Status) {
	p.snd.Send(transport.Envelope{
		Kind:      transport.KindAgentStatus,
		SessionID: p.id,
		Status:    status,
	})
}

func (p *legacyPipeline) countRequest(provider string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.ProviderRequests.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("provider", provider), observe.Attr("status", status)))
}
