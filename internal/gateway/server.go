// Package gateway implements the server side of the voicechat transport.
//
// Each WebSocket connection carries one call. The client opens with a
// start_call envelope; the gateway picks the call mode from its configured
// backends and acknowledges with call_started. In duplex-agent mode client
// audio is relayed straight into a speech-to-speech voice agent session; in
// legacy-segmented mode each client-segmented utterance runs through the
// STT -> LLM -> TTS pipeline. Either way the gateway streams synthesized
// audio and conversation events back as envelopes.
//
// Outbound delivery never blocks the pipelines: every connection has a
// bounded outbound queue drained by a single writer goroutine, and envelopes
// that do not fit are dropped with a warning.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/talhawkk/voicechat/internal/observe"
	"github.com/talhawkk/voicechat/internal/store"
	"github.com/talhawkk/voicechat/internal/transport"
	"github.com/talhawkk/voicechat/pkg/provider/agent"
	"github.com/talhawkk/voicechat/pkg/provider/llm"
	"github.com/talhawkk/voicechat/pkg/provider/stt"
	"github.com/talhawkk/voicechat/pkg/provider/tts"
)

// outboundQueueSize bounds per-connection envelopes waiting for the writer.
const outboundQueueSize = 64

// Config wires the gateway's backends. Agent enables duplex-agent mode;
// Transcriber, Responder, and Synthesizer together enable legacy-segmented
// mode. At least one complete mode must be configured.
type Config struct {
	// Agent, when set, serves calls in duplex-agent mode.
	Agent agent.Provider

	// Transcriber, Responder, and Synthesizer together serve calls in
	// legacy-segmented mode. Also the fallback when an agent session cannot
	// be established.
	Transcriber stt.Transcriber
	Responder   llm.Responder
	Synthesizer tts.Synthesizer

	// Instructions is the system prompt for response generation. Optional.
	Instructions string

	// Greeting is spoken to the caller as soon as the call starts. Optional.
	Greeting string

	// Recorder persists finished exchanges. Optional.
	Recorder *store.Recorder

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// pipeline is one live call bound to a connection.
type pipeline interface {
	// Start releases the pipeline's outbound side. Called once, after the
	// call_started acknowledgment is queued, so no call audio or event can
	// overtake the ack.
	Start()

	// HandleEnvelope processes one client envelope. Must not block on
	// provider work.
	HandleEnvelope(env transport.Envelope)

	// Close tears the call down. Idempotent.
	Close()
}

// Server accepts call connections. It implements http.Handler.
type Server struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	calls map[string]pipeline
}

// NewServer validates cfg and builds a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Agent == nil && !cfg.legacyConfigured() {
		return nil, errors.New("gateway: no backend configured: need an agent provider or a full stt/llm/tts set")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		calls:   make(map[string]pipeline),
	}, nil
}

func (c Config) legacyConfigured() bool {
	return c.Transcriber != nil && c.Responder != nil && c.Synthesizer != nil
}

// ServeHTTP upgrades the request to a WebSocket and runs the call until the
// client disconnects or ends it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(4 << 20)

	// After the upgrade hijacks the connection, r.Context() no longer
	// cancels on client disconnect; the read loop is the liveness signal.
	ctx := r.Context()
	readDone := make(chan struct{})
	snd := newSender(ws, s.log)
	go snd.writeLoop(ctx, readDone)

	var (
		pl        pipeline
		sessionID string
	)
	defer func() {
		close(readDone)
		s.releaseCall(sessionID, pl)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("malformed envelope skipped", "error", err)
			continue
		}

		switch env.Kind {
		case transport.KindStartCall:
			s.releaseCall(sessionID, pl)
			pl, sessionID = nil, ""

			next, mode, err := s.startCall(ctx, env.SessionID, snd)
			if err != nil {
				s.log.Error("call setup failed", "session_id", env.SessionID, "error", err)
				snd.Send(transport.Envelope{
					Kind:      transport.KindError,
					SessionID: env.SessionID,
					Message:   "call setup failed",
				})
				continue
			}
			pl, sessionID = next, env.SessionID
			snd.Send(transport.Envelope{
				Kind:      transport.KindCallStarted,
				SessionID: sessionID,
				Mode:      mode,
			})
			pl.Start()

		case transport.KindEndCall:
			s.releaseCall(sessionID, pl)
			pl, sessionID = nil, ""
			snd.Send(transport.Envelope{
				Kind:      transport.KindCallEnded,
				SessionID: env.SessionID,
			})

		default:
			if pl != nil {
				pl.HandleEnvelope(env)
			}
		}
	}
}

// startCall builds the pipeline for one call and registers it. A start_call
// reusing a live session id replaces the previous call; the gateway keeps no
// conversational state across the swap.
func (s *Server) startCall(ctx context.Context, sessionID string, snd *sender) (pipeline, transport.Mode, error) {
	if sessionID == "" {
		return nil, "", errors.New("gateway: start_call without session id")
	}

	pl, mode, err := s.buildPipeline(ctx, sessionID, snd)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	prev := s.calls[sessionID]
	s.calls[sessionID] = pl
	s.mu.Unlock()
	if prev != nil {
		// Another connection owned this session id; its releaseCall still
		// runs on disconnect and accounts for the closed call.
		prev.Close()
	}

	s.metrics.ActiveCalls.Add(context.Background(), 1)
	s.log.Info("call started", "session_id", sessionID, "mode", mode)
	return pl, mode, nil
}

func (s *Server) buildPipeline(ctx context.Context, sessionID string, snd *sender) (pipeline, transport.Mode, error) {
	if s.cfg.Agent != nil {
		pl, err := newAgentRelay(ctx, s.cfg, sessionID, snd)
		if err == nil {
			return pl, transport.ModeDuplex, nil
		}
		if !s.cfg.legacyConfigured() {
			return nil, "", fmt.Errorf("gateway: agent connect: %w", err)
		}
		s.log.Warn("agent session unavailable, falling back to segmented pipeline",
			"session_id", sessionID, "error", err)
	}
	return newLegacyPipeline(s.cfg, sessionID, snd), transport.ModeLegacy, nil
}

// releaseCall tears pl down and removes it from the registry unless a newer
// pipeline already took the slot.
func (s *Server) releaseCall(sessionID string, pl pipeline) {
	if pl == nil {
		return
	}
	s.mu.Lock()
	if s.calls[sessionID] == pl {
		delete(s.calls, sessionID)
	}
	s.mu.Unlock()

	pl.Close()
	s.metrics.ActiveCalls.Add(context.Background(), -1)
	s.log.Info("call ended", "session_id", sessionID)
}

// ─── outbound sender ───────────────────────────────────────────────────────────

// sender serialises envelope writes onto one connection. Send never blocks;
// a full queue drops the envelope.
type sender struct {
	ws  *websocket.Conn
	out chan transport.Envelope
	log *slog.Logger
}

func newSender(ws *websocket.Conn, log *slog.Logger) *sender {
	return &sender{
		ws:  ws,
		out: make(chan transport.Envelope, outboundQueueSize),
		log: log,
	}
}

// Send enqueues env for the writer, dropping it when the queue is full.
func (s *sender) Send(env transport.Envelope) {
	select {
	case s.out <- env:
	default:
		s.log.Warn("outbound envelope dropped, queue full",
			"session_id", env.SessionID, "kind", env.Kind)
	}
}

// writeLoop drains the queue onto the wire until the connection's read loop
// exits or a write fails.
func (s *sender) writeLoop(ctx context.Context, readDone <-chan struct{}) {
	for {
		select {
		case env := <-s.out:
			data, err := json.Marshal(env)
			if err != nil {
				s.log.Error("envelope marshal failed", "kind", env.Kind, "error", err)
				continue
			}
			if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			return
		}
	}
}
