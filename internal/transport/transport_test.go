package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// echoGateway is a minimal WebSocket server that answers start_call with a
// call_started ack and echoes every audio_chunk back.
func echoGateway(t *testing.T, mode Mode) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			var reply Envelope
			switch env.Kind {
			case KindStartCall:
				reply = Envelope{Kind: KindCallStarted, SessionID: env.SessionID, Mode: mode}
			case KindAudioChunk:
				reply = env
			default:
				continue
			}
			out, _ := json.Marshal(reply)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChannel_StartCallRoundTrip(t *testing.T) {
	t.Parallel()

	srv := echoGateway(t, ModeDuplex)
	defer srv.Close()

	ch, err := Open(t.Context(), GatewayDialer(wsURL(srv), 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(t.Context(), Envelope{Kind: KindStartCall, SessionID: "s1"}); err != nil {
		t.Fatalf("send start_call: %v", err)
	}

	select {
	case env := <-ch.Inbound():
		if env.Kind != KindCallStarted {
			t.Fatalf("kind = %q, want call_started", env.Kind)
		}
		if env.SessionID != "s1" {
			t.Errorf("session id = %q, want s1", env.SessionID)
		}
		if env.Mode != ModeDuplex {
			t.Errorf("mode = %q, want duplex-agent", env.Mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}
}

func TestChannel_AudioEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	srv := echoGateway(t, ModeDuplex)
	defer srv.Close()

	ch, err := Open(t.Context(), GatewayDialer(wsURL(srv), 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := ch.Send(t.Context(), AudioChunk("s1", pcm)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-ch.Inbound():
		got, err := env.PCM()
		if err != nil {
			t.Fatalf("decode pcm: %v", err)
		}
		if string(got) != string(pcm) {
			t.Errorf("pcm = %v, want %v", got, pcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestChannel_SendAfterCloseFailsFast(t *testing.T) {
	t.Parallel()

	srv := echoGateway(t, ModeDuplex)
	defer srv.Close()

	ch, err := Open(t.Context(), GatewayDialer(wsURL(srv), 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := ch.Send(t.Context(), Envelope{Kind: KindEndCall, SessionID: "s1"}); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("send after close = %v, want ErrDisconnected", err)
	}
}

func TestChannel_RemoteCloseSignalsDone(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusGoingAway, "shutting down")
	}))
	defer srv.Close()

	ch, err := Open(t.Context(), GatewayDialer(wsURL(srv), 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done never signalled after remote close")
	}
	if ch.Err() == nil {
		t.Error("expected a read error after remote close")
	}
}

func TestGatewayDialer_Timeout(t *testing.T) {
	t.Parallel()

	// Nothing listens on this address; the dial must fail within the timeout,
	// not hang.
	dial := GatewayDialer("ws://127.0.0.1:1/ws", 200*time.Millisecond)

	start := time.Now()
	_, err := dial(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("dial took %v, want bounded by timeout", elapsed)
	}
}

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{Dial: GatewayDialer("ws://localhost/ws", 0)})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_ReconnectOnDisconnect(t *testing.T) {
	t.Parallel()

	srv := echoGateway(t, ModeDuplex)
	defer srv.Close()

	var reconnected atomic.Pointer[Channel]

	r := NewReconnector(ReconnectorConfig{
		Dial:       GatewayDialer(wsURL(srv), 0),
		MaxRetries: 3,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		OnReconnect: func(ch *Channel) {
			reconnected.Store(ch)
		},
	})

	first, err := r.Connect(t.Context())
	if err != nil {
		t.Fatalf("initial connect: %v", err)
	}
	defer r.Stop()

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	deadline := time.After(2 * time.Second)
	for reconnected.Load() == nil {
		select {
		case <-deadline:
			t.Fatal("reconnection never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := r.Channel(); got == first || got == nil {
		t.Error("expected a fresh channel after reconnect")
	}
}

func TestReconnector_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := echoGateway(t, ModeDuplex)
	defer srv.Close()

	r := NewReconnector(ReconnectorConfig{Dial: GatewayDialer(wsURL(srv), 0)})
	if _, err := r.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if r.Channel() != nil {
		t.Error("channel still set after stop")
	}
}

func TestKindAndModeValidation(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindStartCall, KindCallStarted, KindAudioChunk, KindAgentDone, KindError} {
		if !k.IsValid() {
			t.Errorf("kind %q should be valid", k)
		}
	}
	if Kind("bogus").IsValid() {
		t.Error("bogus kind validated")
	}
	if !ModeDuplex.IsValid() || !ModeLegacy.IsValid() {
		t.Error("known modes should validate")
	}
	if Mode("half-duplex").IsValid() {
		t.Error("unknown mode validated")
	}
}
