// Package deepgram implements the agent.Provider interface for Deepgram's
// Voice Agent API.
//
// It establishes a bidirectional WebSocket connection to the converse
// endpoint and exchanges messages according to the Voice Agent protocol:
// client audio goes up as binary frames, synthesized agent audio comes back
// as binary frames, and JSON text messages carry conversation events. A
// KeepAlive message is sent every five seconds to hold the session open
// through user silence.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/talhawkk/voicechat/pkg/audio"
	"github.com/talhawkk/voicechat/pkg/provider/agent"
)

// Compile-time assertions that Provider and session satisfy the agent interfaces.
var _ agent.Provider = (*Provider)(nil)
var _ agent.SessionHandle = (*session)(nil)

const (
	defaultBaseURL     = "wss://agent.deepgram.com/v1/agent/converse"
	defaultListenModel = "nova-3"
	defaultThinkModel  = "gpt-4o-mini"
	defaultSpeakModel  = "aura-2-thalia-en"

	keepAliveInterval = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithListenModel sets the recognition model.
func WithListenModel(model string) Option {
	return func(p *Provider) { p.listenModel = model }
}

// WithThinkModel sets the response-generation model.
func WithThinkModel(model string) Option {
	return func(p *Provider) { p.thinkModel = model }
}

// WithSpeakModel sets the synthesis voice model.
func WithSpeakModel(model string) Option {
	return func(p *Provider) { p.speakModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements agent.Provider for the Deepgram Voice Agent API.
type Provider struct {
	apiKey      string
	baseURL     string
	listenModel string
	thinkModel  string
	speakModel  string
}

// New creates a new Deepgram Voice Agent Provider with the given API key.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		listenModel: defaultListenModel,
		thinkModel:  defaultThinkModel,
		speakModel:  defaultSpeakModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect establishes a new Voice Agent session. The returned handle is ready
// to accept audio once the Settings message has been sent.
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig) (agent.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.baseURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Token " + p.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		audioCh: make(chan []byte, 64),
		events:  make(chan agent.Event, 16),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSettings(p, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "settings failed")
		return nil, fmt.Errorf("deepgram: settings: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepAliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type settingsMessage struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
	Agent agentSettings `json:"agent"`
}

type audioSettings struct {
	Input  audioFormat `json:"input"`
	Output audioFormat `json:"output"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type agentSettings struct {
	Listen   listenSettings `json:"listen"`
	Think    thinkSettings  `json:"think"`
	Speak    speakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type listenSettings struct {
	Provider providerRef `json:"provider"`
}

type thinkSettings struct {
	Provider providerRef `json:"provider"`
	Prompt   string      `json:"prompt,omitempty"`
}

type speakSettings struct {
	Provider providerRef `json:"provider"`
}

type providerRef struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type keepAliveMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// ConversationText
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// Error
	Description string `json:"description,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	audioCh chan []byte
	events  chan agent.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSettings configures audio formats and the listen/think/speak pipeline.
func (s *session) sendSettings(p *Provider, cfg agent.SessionConfig) error {
	inRate := cfg.InputSampleRate
	if inRate <= 0 {
		inRate = audio.CaptureRate
	}
	outRate := cfg.OutputSampleRate
	if outRate <= 0 {
		outRate = audio.PlaybackRate
	}

	msg := settingsMessage{
		Type: "Settings",
		Audio: audioSettings{
			Input:  audioFormat{Encoding: "linear16", SampleRate: inRate},
			Output: audioFormat{Encoding: "linear16", SampleRate: outRate, Container: "none"},
		},
		Agent: agentSettings{
			Listen: listenSettings{
				Provider: providerRef{Type: "deepgram", Model: p.listenModel},
			},
			Think: thinkSettings{
				Provider: providerRef{Type: "open_ai", Model: p.thinkModel},
				Prompt:   cfg.Instructions,
			},
			Speak: speakSettings{
				Provider: providerRef{Type: "deepgram", Model: p.speakModel},
			},
			Greeting: cfg.Greeting,
		},
	}
	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// SendAudio implements agent.SessionHandle. Audio rides as raw binary frames.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("deepgram: session closed")
	}
	s.mu.Unlock()

	if err := s.conn.Write(s.ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

// Audio implements agent.SessionHandle.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Events implements agent.SessionHandle.
func (s *session) Events() <-chan agent.Event { return s.events }

// Err implements agent.SessionHandle.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements agent.SessionHandle.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
}

// keepAliveLoop holds the session open through user silence.
func (s *session) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeJSON(keepAliveMessage{Type: "KeepAlive"}); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// receiveLoop reads frames from the WebSocket and dispatches them. Binary
// frames are agent audio; text frames are JSON events. It owns audioCh and
// events: it closes both when it exits.
func (s *session) receiveLoop() {
	defer func() {
		close(s.audioCh)
		close(s.events)
	}()

	for {
		msgType, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		if msgType == websocket.MessageBinary {
			if len(data) == 0 {
				continue
			}
			select {
			case s.audioCh <- data:
			case <-s.ctx.Done():
				return
			}
			continue
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "ConversationText":
		kind := agent.EventUserTranscript
		if evt.Role == "assistant" {
			kind = agent.EventAgentResponse
		}
		s.emit(agent.Event{Kind: kind, Text: evt.Content})

	case "UserStartedSpeaking":
		s.emit(agent.Event{Kind: agent.EventUserStartedSpeaking})

	case "AgentThinking":
		s.emit(agent.Event{Kind: agent.EventAgentThinking})

	case "AgentAudioDone":
		s.emit(agent.Event{Kind: agent.EventAgentAudioDone})

	case "Error":
		s.setErr(fmt.Errorf("deepgram: agent error: %s", evt.Description))
	}
}

func (s *session) emit(evt agent.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}
