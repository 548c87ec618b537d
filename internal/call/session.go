// Package call owns the lifecycle of one voice call: it wires capture, voice
// activity detection, the gateway transport, and playback scheduling together
// and supervises every state transition.
//
// All pipeline state is mutated by a single event loop consuming a closed set
// of tagged events (capture frames, inbound envelopes, transport drops,
// ticks). Handlers complete quickly and never perform blocking network or
// device I/O, so audio timing is never starved by a slow collaborator.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/talhawkk/voicechat/internal/observe"
	"github.com/talhawkk/voicechat/internal/playback"
	"github.com/talhawkk/voicechat/internal/transport"
	"github.com/talhawkk/voicechat/internal/vad"
	"github.com/talhawkk/voicechat/pkg/audio"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateRecording  State = "recording" // legacy mode only
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
	StateError      State = "error"
)

// Default tuning.
const (
	DefaultAckTimeout        = 5 * time.Second
	DefaultMinUtteranceBytes = 2000
	drainTick                = 100 * time.Millisecond
)

// FrameSource produces encoded capture frames. Capturer implements it; tests
// substitute a scripted source.
type FrameSource interface {
	Start(ctx context.Context) error
	Frames() <-chan audio.Frame
	Close() error
}

// Hooks are optional callbacks for surfacing conversation text and state
// changes to a UI. They are invoked from the session loop and must return
// quickly.
type Hooks struct {
	OnTranscript func(text, language string)
	OnResponse   func(text string)
	OnState      func(from, to State)
}

// Config tunes a Session.
type Config struct {
	// GatewayURL is the WebSocket endpoint of the voicechat gateway.
	GatewayURL string

	// DialTimeout bounds connection establishment. Defaults to 5s.
	DialTimeout time.Duration

	// AckTimeout bounds the wait for the call_started acknowledgment.
	// Defaults to 5s.
	AckTimeout time.Duration

	// MinUtteranceBytes is the noise floor: utterances smaller than this are
	// discarded without being sent. Defaults to 2000.
	MinUtteranceBytes int

	// VAD tunes the voice activity detector.
	VAD vad.Config

	Hooks   Hooks
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MinUtteranceBytes <= 0 {
		c.MinUtteranceBytes = DefaultMinUtteranceBytes
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

// ─── Tagged events ───

type event interface{ isEvent() }

type evFrame struct{ frame audio.Frame }
type evInbound struct{ env transport.Envelope }
type evTransportDown struct{}
type evReconnected struct{ ch *transport.Channel }
type evTick struct{ now time.Time }

func (evFrame) isEvent()         {}
func (evInbound) isEvent()       {}
func (evTransportDown) isEvent() {}
func (evReconnected) isEvent()   {}
func (evTick) isEvent()          {}

// Session is one live call. Create with New, start with Start, tear down with
// End. End is safe to call any number of times from any goroutine.
type Session struct {
	id     string
	cfg    Config
	source FrameSource
	sched  *playback.Scheduler
	det    *vad.Detector
	rec    *transport.Reconnector
	log    *slog.Logger

	// Loop-owned state; the event loop is the only writer after Start.
	ch            *transport.Channel
	utterance     []byte
	recording     bool
	busy          bool // a finalized utterance is being processed upstream
	awaitingDrain bool
	degraded      bool

	reconnected chan *transport.Channel

	mu    sync.Mutex
	state State
	mode  transport.Mode

	stopCh  chan struct{}
	doneCh  chan struct{}
	endOnce sync.Once
}

// New creates an idle session. source and sched are owned exclusively by the
// session once Start succeeds.
func New(source FrameSource, sched *playback.Scheduler, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:          id,
		cfg:         cfg,
		source:      source,
		sched:       sched,
		det:         vad.New(cfg.VAD),
		log:         slog.With("session_id", id),
		reconnected: make(chan *transport.Channel, 1),
		state:       StateIdle,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// ID returns the session identifier carried on every envelope.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the negotiated call mode. Valid after Start succeeds.
func (s *Session) Mode() transport.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Degraded reports whether the transport is currently down and reconnecting.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Done is closed when the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Start connects to the gateway, negotiates the call mode, acquires the
// capture device, and launches the event loop. Failure at any step is
// reported as an *AcquisitionError and leaves the session in StateError.
func (s *Session) Start(ctx context.Context) error {
	s.setState(StateConnecting)

	s.rec = transport.NewReconnector(transport.ReconnectorConfig{
		Dial: transport.GatewayDialer(s.cfg.GatewayURL, s.cfg.DialTimeout),
		OnReconnect: func(ch *transport.Channel) {
			select {
			case s.reconnected <- ch:
			default:
			}
		},
	})

	ch, err := s.rec.Connect(ctx)
	if err != nil {
		s.setState(StateError)
		return &AcquisitionError{Resource: "gateway connection", Err: err}
	}

	if err := ch.Send(ctx, transport.Envelope{Kind: transport.KindStartCall, SessionID: s.id}); err != nil {
		s.setState(StateError)
		s.rec.Stop()
		return &AcquisitionError{Resource: "gateway connection", Err: err}
	}

	mode, err := s.awaitAck(ctx, ch)
	if err != nil {
		s.setState(StateError)
		s.rec.Stop()
		return &AcquisitionError{Resource: "gateway connection", Err: err}
	}

	if err := s.source.Start(ctx); err != nil {
		s.setState(StateError)
		s.rec.Stop()
		return &AcquisitionError{Resource: "capture device", Err: err}
	}

	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	s.ch = ch

	s.rec.Monitor(ctx)
	s.setState(StateListening)
	s.log.Info("call started", "mode", mode)

	go s.run(ctx)
	return nil
}

// awaitAck waits for the gateway's call_started acknowledgment, which carries
// the negotiated mode. Mode is the gateway's decision, never the client's.
func (s *Session) awaitAck(ctx context.Context, ch *transport.Channel) (transport.Mode, error) {
	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case env, ok := <-ch.Inbound():
			if !ok {
				return "", errors.New("channel closed before call_started")
			}
			if env.Kind != transport.KindCallStarted {
				continue
			}
			if !env.Mode.IsValid() {
				return "", fmt.Errorf("gateway offered unknown mode %q", env.Mode)
			}
			return env.Mode, nil
		case <-timer.C:
			return "", fmt.Errorf("no call_started within %v", s.cfg.AckTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// End tears the session down: release the capture device, close the
// transport, discard unflushed playback. Unconditional and idempotent;
// calling it again is a no-op.
func (s *Session) End() {
	s.endOnce.Do(func() {
		close(s.stopCh)

		// Best-effort goodbye; a down transport must not block teardown.
		if s.rec != nil {
			if ch := s.rec.Channel(); ch != nil {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = ch.Send(ctx, transport.Envelope{Kind: transport.KindEndCall, SessionID: s.id})
				cancel()
			}
		}

		if err := s.source.Close(); err != nil {
			s.log.Warn("capture close failed", "error", err)
		}
		if s.rec != nil {
			_ = s.rec.Stop()
		}
		s.sched.Interrupt()
		s.sched.Close()
		s.setState(StateEnded)
		close(s.doneCh)
		s.log.Info("call ended")
	})
}

// ─── Event loop ───

func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()

	frames := s.source.Frames()
	inbound := s.ch.Inbound()
	chDown := s.ch.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.End()
			return
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.handle(ctx, evFrame{frame: f})
		case env, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			s.handle(ctx, evInbound{env: env})
		case <-chDown:
			chDown = nil
			inbound = nil
			s.handle(ctx, evTransportDown{})
		case ch := <-s.reconnected:
			s.handle(ctx, evReconnected{ch: ch})
			inbound = s.ch.Inbound()
			chDown = s.ch.Done()
		case now := <-ticker.C:
			s.handle(ctx, evTick{now: now})
		}
	}
}

// handle is the single state-transition function. Every mutation of pipeline
// state funnels through here.
func (s *Session) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case evFrame:
		s.handleFrame(ctx, ev.frame)
	case evInbound:
		s.handleEnvelope(ctx, ev.env)
	case evTransportDown:
		s.setDegraded(true)
		s.rec.NotifyDisconnect()
		s.log.Warn("transport down, reconnecting")
	case evReconnected:
		s.ch = ev.ch
		s.setDegraded(false)
		s.cfg.Metrics.Reconnects.Add(ctx, 1)
		// The gateway forgot us on disconnect; re-announce the session.
		if err := s.ch.Send(ctx, transport.Envelope{Kind: transport.KindStartCall, SessionID: s.id}); err != nil {
			s.log.Warn("re-announce after reconnect failed", "error", err)
		}
		s.log.Info("transport reconnected")
	case evTick:
		if s.awaitingDrain && s.sched.Drained(ev.now) {
			s.awaitingDrain = false
			if s.State() == StateSpeaking {
				s.setState(StateListening)
			}
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, f audio.Frame) {
	boundary, fired := s.det.Process(f.Level, f.Timestamp)
	if fired {
		switch boundary.Kind {
		case vad.SpeechStart:
			s.onSpeechStart(ctx)
		case vad.SpeechEnd:
			s.onSpeechEnd(ctx)
		}
	}

	switch s.Mode() {
	case transport.ModeDuplex:
		// Stream every frame; the gateway segments server-side. A down
		// transport means the frame is dropped, never queued.
		if err := s.send(ctx, transport.AudioChunk(s.id, f.PCM)); err != nil {
			s.cfg.Metrics.FramesDropped.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("reason", "transport_down")))
		}
	case transport.ModeLegacy:
		if s.recording {
			s.utterance = append(s.utterance, f.PCM...)
		}
	}
}

func (s *Session) onSpeechStart(ctx context.Context) {
	// Barge-in: user speech over agent playback cancels the rest of the turn.
	if s.State() == StateSpeaking {
		s.sched.Interrupt()
		s.awaitingDrain = false
		s.cfg.Metrics.Interruptions.Add(ctx, 1)
		s.setState(StateListening)
		s.log.Debug("playback interrupted by user speech")
	}

	if s.Mode() != transport.ModeLegacy {
		return
	}
	// The busy flag keeps a finalize in flight mutually exclusive with
	// capturing the next utterance.
	if s.busy {
		return
	}
	s.utterance = s.utterance[:0]
	s.recording = true
	s.setState(StateRecording)
}

func (s *Session) onSpeechEnd(ctx context.Context) {
	if s.Mode() != transport.ModeLegacy || !s.recording {
		return
	}
	s.recording = false

	size := len(s.utterance)
	if size < s.cfg.MinUtteranceBytes {
		// Noise, not speech. Discard silently.
		s.utterance = s.utterance[:0]
		s.setState(StateListening)
		return
	}
	if s.busy {
		// The previous finalize is still processing upstream; this utterance
		// is discarded rather than queued behind it.
		s.utterance = s.utterance[:0]
		s.setState(StateListening)
		return
	}
	s.busy = true

	pcm := make([]byte, size)
	copy(pcm, s.utterance)
	s.utterance = s.utterance[:0]

	if err := s.send(ctx, transport.AudioChunk(s.id, pcm)); err != nil {
		s.cfg.Metrics.FramesDropped.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("reason", "transport_down")))
		s.busy = false
	}
	s.setState(StateListening)
	s.log.Debug("utterance sent", "bytes", size)
}

func (s *Session) handleEnvelope(ctx context.Context, env transport.Envelope) {
	switch env.Kind {
	case transport.KindCallStarted:
		// Re-ack after a reconnect; refresh the mode in case the gateway's
		// capabilities changed while we were away.
		if env.Mode.IsValid() {
			s.mu.Lock()
			s.mode = env.Mode
			s.mu.Unlock()
		}

	case transport.KindAudioChunk:
		pcm, err := env.PCM()
		if err != nil {
			// One bad fragment never aborts the turn.
			s.log.Warn("playback fragment dropped", "error", err)
			return
		}
		s.sched.Push(pcm)
		s.cfg.Metrics.PlaybackFragments.Add(ctx, 1)
		if st := s.State(); st == StateListening || st == StateRecording {
			s.recording = false
			s.setState(StateSpeaking)
		}

	case transport.KindTranscription:
		if s.cfg.Hooks.OnTranscript != nil {
			s.cfg.Hooks.OnTranscript(env.Text, env.Language)
		}

	case transport.KindResponseText:
		if s.cfg.Hooks.OnResponse != nil {
			s.cfg.Hooks.OnResponse(env.Text)
		}

	case transport.KindAgentStatus:
		switch env.Status {
		case transport.StatusSpeaking:
			// Fresh response turn: nothing stale from the previous turn may
			// ever be heard over it.
			s.sched.NewTurn()
			s.awaitingDrain = false
			s.setState(StateSpeaking)
		case transport.StatusListening:
			s.busy = false
			if s.State() == StateSpeaking && !s.awaitingDrain {
				s.setState(StateListening)
			}
		case transport.StatusThinking:
			// Keep listening state; text hooks carry the signal to the UI.
		}

	case transport.KindAgentDone:
		s.sched.Finish()
		s.busy = false
		s.awaitingDrain = true

	case transport.KindError:
		// Remote recognition/synthesis failures are treated as silence: log,
		// reset the turn, resume listening.
		s.log.Warn("gateway error", "message", env.Message)
		s.busy = false
		if s.State() == StateSpeaking {
			s.setState(StateListening)
		}

	case transport.KindCallEnded:
		s.End()
	}
}

// send writes env on the current channel, failing fast when the transport is
// down. It never blocks on reconnection.
func (s *Session) send(ctx context.Context, env transport.Envelope) error {
	ch := s.rec.Channel()
	if ch == nil {
		return transport.ErrDisconnected
	}
	err := ch.Send(ctx, env)
	if errors.Is(err, transport.ErrDisconnected) {
		s.rec.NotifyDisconnect()
	}
	return err
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	if s.cfg.Hooks.OnState != nil {
		s.cfg.Hooks.OnState(from, to)
	}
}

func (s *Session) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}
