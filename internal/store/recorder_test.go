package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockSaver records saved exchanges and optionally fails or stalls.
type mockSaver struct {
	mu       sync.Mutex
	saved    []Exchange
	attempts int
	err      error
	delay    time.Duration
}

func (m *mockSaver) SaveExchange(ctx context.Context, ex Exchange) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, ex)
	return nil
}

func (m *mockSaver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func TestRecorder_PersistsInBackground(t *testing.T) {
	t.Parallel()

	saver := &mockSaver{}
	r := NewRecorder(saver, RecorderConfig{})

	r.Record(Exchange{SessionID: "s1", Transcript: "hi", Response: "hello"})
	r.Record(Exchange{SessionID: "s1", Transcript: "bye", Response: "goodbye"})
	r.Close()

	if got := saver.count(); got != 2 {
		t.Fatalf("saved = %d, want 2", got)
	}
	saver.mu.Lock()
	defer saver.mu.Unlock()
	if saver.saved[0].Transcript != "hi" || saver.saved[1].Transcript != "bye" {
		t.Errorf("exchanges out of order: %+v", saver.saved)
	}
}

func TestRecorder_FullQueueDropsNotBlocks(t *testing.T) {
	t.Parallel()

	// Worker is stalled on the first save; queue size 1 means the third
	// Record must drop rather than block.
	saver := &mockSaver{delay: 200 * time.Millisecond}
	r := NewRecorder(saver, RecorderConfig{QueueSize: 1})
	defer r.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 10 {
			r.Record(Exchange{SessionID: "s1", Transcript: string(rune('a' + i))})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}

func TestRecorder_SaveFailureDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	saver := &mockSaver{err: errors.New("db down")}
	r := NewRecorder(saver, RecorderConfig{})

	r.Record(Exchange{SessionID: "s1"})

	// Wait for the failed attempt, then let subsequent exchanges persist.
	deadline := time.Now().Add(time.Second)
	for {
		saver.mu.Lock()
		attempted := saver.attempts > 0
		saver.mu.Unlock()
		if attempted || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	saver.mu.Lock()
	saver.err = nil
	saver.mu.Unlock()

	r.Record(Exchange{SessionID: "s2"})
	r.Close()

	if got := saver.count(); got != 1 {
		t.Fatalf("saved = %d, want 1", got)
	}
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRecorder(&mockSaver{}, RecorderConfig{})
	r.Close()
	r.Close()
}
