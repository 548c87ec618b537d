// Package mock provides a scripted llm.Responder for tests.
package mock

import (
	"context"
	"sync"

	"github.com/talhawkk/voicechat/pkg/provider/llm"
)

// Responder implements llm.Responder with canned replies.
type Responder struct {
	// Reply is returned by every Respond call when Err is nil.
	Reply string

	// Err, when set, is returned instead of Reply.
	Err error

	mu       sync.Mutex
	requests []llm.Request
}

func (m *Responder) Respond(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}
	return m.Reply, nil
}

// Requests returns every request passed to Respond.
func (m *Responder) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}
