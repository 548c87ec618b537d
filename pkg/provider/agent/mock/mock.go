// Package mock provides a scripted agent.Provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/talhawkk/voicechat/pkg/provider/agent"
)

// Provider implements agent.Provider, handing out Session instances.
type Provider struct {
	// ConnectErr, when set, fails every Connect call.
	ConnectErr error

	mu       sync.Mutex
	sessions []*Session
	configs  []agent.SessionConfig
}

// Connect implements agent.Provider.
func (p *Provider) Connect(_ context.Context, cfg agent.SessionConfig) (agent.SessionHandle, error) {
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession()
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.configs = append(p.configs, cfg)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Configs returns the config passed to each Connect call.
func (p *Provider) Configs() []agent.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.SessionConfig(nil), p.configs...)
}

// Session implements agent.SessionHandle with test-controllable streams.
type Session struct {
	AudioCh  chan []byte
	EventsCh chan agent.Event

	mu       sync.Mutex
	received [][]byte
	closed   bool
	errVal   error
}

// NewSession creates an open mock session.
func NewSession() *Session {
	return &Session{
		AudioCh:  make(chan []byte, 64),
		EventsCh: make(chan agent.Event, 16),
	}
}

// SendAudio records the audio chunk.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session closed")
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.received = append(s.received, buf)
	return nil
}

// Received returns every chunk passed to SendAudio.
func (s *Session) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

// PushAudio emits one synthesized audio fragment to the consumer.
func (s *Session) PushAudio(pcm []byte) { s.AudioCh <- pcm }

// PushEvent emits one conversation event to the consumer.
func (s *Session) PushEvent(evt agent.Event) { s.EventsCh <- evt }

// Fail records err and ends the streams.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.errVal = err
	s.mu.Unlock()
	s.Close()
}

func (s *Session) Audio() <-chan []byte       { return s.AudioCh }
func (s *Session) Events() <-chan agent.Event { return s.EventsCh }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close is idempotent; it closes both streams.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.AudioCh)
	close(s.EventsCh)
	return nil
}
