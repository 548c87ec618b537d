// Package mock provides a scripted stt.Transcriber for tests.
package mock

import (
	"context"
	"sync"

	"github.com/talhawkk/voicechat/pkg/provider/stt"
)

// Transcriber implements stt.Transcriber with canned results.
type Transcriber struct {
	// Result is returned by every Transcribe call when Err is nil.
	Result stt.Transcript

	// Err, when set, is returned instead of Result.
	Err error

	mu    sync.Mutex
	calls [][]byte
}

func (m *Transcriber) Transcribe(_ context.Context, pcm []byte, _ int) (stt.Transcript, error) {
	m.mu.Lock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	m.calls = append(m.calls, buf)
	m.mu.Unlock()

	if m.Err != nil {
		return stt.Transcript{}, m.Err
	}
	return m.Result, nil
}

// Calls returns the audio passed to each Transcribe invocation.
func (m *Transcriber) Calls() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.calls...)
}
