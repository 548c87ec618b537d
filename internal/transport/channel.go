package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultDialTimeout bounds connection establishment so a dead gateway
// surfaces as an error instead of a hang.
const DefaultDialTimeout = 5 * time.Second

// ErrDisconnected is returned by Send while the channel is down. Callers
// drop the message; audio continuity matters more than completeness.
var ErrDisconnected = errors.New("transport: channel disconnected")

// Dialer opens a raw WebSocket connection. It exists so the Reconnector and
// tests can swap the endpoint logic.
type Dialer func(ctx context.Context) (*websocket.Conn, error)

// GatewayDialer returns a Dialer for the voicechat gateway at url.
func GatewayDialer(url string, dialTimeout time.Duration) Dialer {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return func(ctx context.Context) (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		conn, _, err := websocket.Dial(dialCtx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", url, err)
		}
		// Envelopes carrying a full utterance exceed the 32KiB default.
		conn.SetReadLimit(4 << 20)
		return conn, nil
	}
}

// Channel is one live duplex connection to the gateway. It owns a read loop
// that decodes inbound envelopes onto Inbound; a read failure closes the
// channel and surfaces on Done.
//
// A Channel is single-use. Reconnection means a new Channel; see Reconnector.
type Channel struct {
	conn    *websocket.Conn
	inbound chan Envelope

	mu        sync.Mutex
	closed    bool
	readErr   error
	done      chan struct{}
	closeOnce sync.Once
}

// Open dials the gateway and starts the read loop.
func Open(ctx context.Context, dial Dialer) (*Channel, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		conn:    conn,
		inbound: make(chan Envelope, 64),
		done:    make(chan struct{}),
	}
	go ch.readLoop(ctx)
	return ch, nil
}

// Send writes one envelope. It fails fast with ErrDisconnected once the
// channel has gone down.
func (ch *Channel) Send(ctx context.Context, env Envelope) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrDisconnected
	}
	ch.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal %q envelope: %w", env.Kind, err)
	}
	if err := ch.conn.Write(ctx, websocket.MessageText, data); err != nil {
		ch.fail(fmt.Errorf("transport: write: %w", err))
		return ErrDisconnected
	}
	return nil
}

// Inbound delivers decoded envelopes from the gateway. It is closed when the
// channel goes down.
func (ch *Channel) Inbound() <-chan Envelope { return ch.inbound }

// Done is closed when the channel is no longer usable, whether by a remote
// failure or a local Close.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Err reports why the channel went down. Nil after a clean local Close.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.readErr
}

// Close tears the connection down. Safe to call multiple times.
func (ch *Channel) Close() error {
	ch.fail(nil)
	return nil
}

func (ch *Channel) fail(err error) {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.closed = true
		ch.readErr = err
		ch.mu.Unlock()

		_ = ch.conn.Close(websocket.StatusNormalClosure, "")
		close(ch.done)
	})
}

func (ch *Channel) readLoop(ctx context.Context) {
	defer close(ch.inbound)

	for {
		_, data, err := ch.conn.Read(ctx)
		if err != nil {
			ch.fail(fmt.Errorf("transport: read: %w", err))
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// A malformed frame is a peer bug, not a channel failure.
			continue
		}
		select {
		case ch.inbound <- env:
		case <-ctx.Done():
			ch.fail(ctx.Err())
			return
		}
	}
}
