package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/talhawkk/voicechat/pkg/provider/agent"
)

// fakeAgent is a minimal Voice Agent endpoint. It records the Settings
// message and client audio, and lets the test script server frames.
type fakeAgent struct {
	srv *httptest.Server

	mu       sync.Mutex
	settings *settingsMessage
	audio    [][]byte

	// script runs after Settings arrive, with the live connection.
	script func(ctx context.Context, conn *websocket.Conn)
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	f := &fakeAgent{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if msgType == websocket.MessageBinary {
				f.mu.Lock()
				f.audio = append(f.audio, data)
				f.mu.Unlock()
				continue
			}
			var raw map[string]any
			if json.Unmarshal(data, &raw) != nil {
				continue
			}
			if raw["type"] == "Settings" {
				var msg settingsMessage
				_ = json.Unmarshal(data, &msg)
				f.mu.Lock()
				f.settings = &msg
				f.mu.Unlock()
				if f.script != nil {
					f.script(ctx, conn)
				}
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeAgent) recordedSettings() *settingsMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeAgent) recordedAudio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnect_SendsSettings(t *testing.T) {
	f := newFakeAgent(t)

	p, err := New("test-key", WithBaseURL(f.url()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(t.Context(), agent.SessionConfig{
		Instructions: "be brief",
		Greeting:     "hello!",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	waitFor(t, func() bool { return f.recordedSettings() != nil }, "settings never arrived")

	s := f.recordedSettings()
	if s.Audio.Input.Encoding != "linear16" || s.Audio.Input.SampleRate != 48000 {
		t.Errorf("input format = %+v", s.Audio.Input)
	}
	if s.Audio.Output.SampleRate != 24000 || s.Audio.Output.Container != "none" {
		t.Errorf("output format = %+v", s.Audio.Output)
	}
	if s.Agent.Listen.Provider.Model != defaultListenModel {
		t.Errorf("listen model = %q", s.Agent.Listen.Provider.Model)
	}
	if s.Agent.Think.Prompt != "be brief" {
		t.Errorf("think prompt = %q", s.Agent.Think.Prompt)
	}
	if s.Agent.Greeting != "hello!" {
		t.Errorf("greeting = %q", s.Agent.Greeting)
	}
}

func TestSendAudio_RidesAsBinary(t *testing.T) {
	f := newFakeAgent(t)

	p, err := New("test-key", WithBaseURL(f.url()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(t.Context(), agent.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	pcm := []byte{1, 2, 3, 4}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	waitFor(t, func() bool { return len(f.recordedAudio()) == 1 }, "audio never arrived")
	if got := f.recordedAudio()[0]; string(got) != string(pcm) {
		t.Errorf("audio = %v, want %v", got, pcm)
	}
}

func TestReceive_DispatchesFrames(t *testing.T) {
	f := newFakeAgent(t)
	f.script = func(ctx context.Context, conn *websocket.Conn) {
		// Binary frame: agent audio.
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{9, 9, 9})
		// Conversation events.
		send := func(v any) {
			data, _ := json.Marshal(v)
			_ = conn.Write(ctx, websocket.MessageText, data)
		}
		send(map[string]any{"type": "ConversationText", "role": "user", "content": "hi"})
		send(map[string]any{"type": "ConversationText", "role": "assistant", "content": "hello"})
		send(map[string]any{"type": "UserStartedSpeaking"})
		send(map[string]any{"type": "AgentAudioDone"})
	}

	p, err := New("test-key", WithBaseURL(f.url()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(t.Context(), agent.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case pcm := <-sess.Audio():
		if len(pcm) != 3 {
			t.Errorf("audio fragment = %v", pcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio fragment")
	}

	wantKinds := []agent.EventKind{
		agent.EventUserTranscript,
		agent.EventAgentResponse,
		agent.EventUserStartedSpeaking,
		agent.EventAgentAudioDone,
	}
	for _, want := range wantKinds {
		select {
		case evt := <-sess.Events():
			if evt.Kind != want {
				t.Errorf("event = %q, want %q", evt.Kind, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %q never arrived", want)
		}
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	f := newFakeAgent(t)

	p, err := New("test-key", WithBaseURL(f.url()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(t.Context(), agent.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := sess.SendAudio([]byte{1}); err == nil {
		t.Error("SendAudio after close succeeded")
	}
}
