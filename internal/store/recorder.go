package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/talhawkk/voicechat/internal/observe"
)

// Saver is the narrow persistence interface the Recorder drains into.
// *Postgres implements it; tests substitute a mock.
type Saver interface {
	SaveExchange(ctx context.Context, ex Exchange) error
}

const (
	defaultQueueSize   = 64
	defaultSaveTimeout = 5 * time.Second
)

// Recorder accepts exchanges from the real-time path and persists them in the
// background. Record never blocks: when the queue is full the exchange is
// dropped with a warning.
type Recorder struct {
	saver   Saver
	metrics *observe.Metrics
	queue   chan Exchange

	closeOnce sync.Once
	done      chan struct{}
}

// RecorderConfig tunes a Recorder. Zero values take defaults.
type RecorderConfig struct {
	// QueueSize bounds the number of exchanges waiting for the worker.
	QueueSize int

	// SaveTimeout bounds each SaveExchange call.
	SaveTimeout time.Duration

	Metrics *observe.Metrics
}

// NewRecorder starts the background worker draining into saver.
func NewRecorder(saver Saver, cfg RecorderConfig) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	r := &Recorder{
		saver:   saver,
		metrics: cfg.Metrics,
		queue:   make(chan Exchange, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go r.worker(cfg.SaveTimeout)
	return r
}

// Record enqueues one exchange, dropping it if the queue is full.
func (r *Recorder) Record(ex Exchange) {
	select {
	case r.queue <- ex:
	default:
		slog.Warn("exchange dropped, persistence queue full", "session_id", ex.SessionID)
	}
}

// Close stops the worker after draining whatever is already queued.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
	})
}

func (r *Recorder) worker(saveTimeout time.Duration) {
	defer close(r.done)

	for ex := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err := r.saver.SaveExchange(ctx, ex)
		cancel()

		if err != nil {
			// Persistence failures never touch the live call.
			slog.Warn("exchange not persisted", "session_id", ex.SessionID, "error", err)
			continue
		}
		r.metrics.ExchangesStored.Add(context.Background(), 1)
	}
}
