// Package mock provides a scripted tts.Synthesizer for tests.
package mock

import (
	"context"
	"sync"
)

// Synthesizer implements tts.Synthesizer with canned audio.
type Synthesizer struct {
	// Audio is returned by every Synthesize call when Err is nil.
	Audio []byte

	// Err, when set, is returned instead of Audio.
	Err error

	mu    sync.Mutex
	texts []string
}

func (m *Synthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	return m.Audio, nil
}

// Texts returns every text passed to Synthesize.
func (m *Synthesizer) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}
