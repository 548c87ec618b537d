// Package playback buffers synthesized audio fragments and schedules them
// for gapless output.
//
// Fragments arrive in bursts as the agent speaks; the scheduler accumulates
// them until a byte threshold is met, then concatenates the buffered
// fragments into one unit and schedules it to start exactly where the
// previous unit ends (minus a small overlap epsilon absorbing clock drift).
// The first flush of a turn waits for a larger bootstrap threshold so a slow
// producer cannot cause an immediate underrun.
//
// Flushed units are handed to a dedicated playback goroutine that feeds the
// output device one unit at a time. Push and the other mutators only touch
// in-memory state, so the caller (the session event loop) is never stalled
// behind real-time device writes.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/talhawkk/voicechat/pkg/audio"
)

// Defaults, overridable via config. The thresholds and epsilon are tuned
// empirically; treat them as starting points, not invariants.
const (
	DefaultBootstrapBytes = 24000 // ~0.5s at 24kHz mono PCM16
	DefaultSteadyBytes    = 9600  // ~0.2s
	DefaultEpsilon        = 10 * time.Millisecond
	DefaultGrace          = 300 * time.Millisecond
)

// Config tunes the scheduler. Zero values fall back to the defaults.
type Config struct {
	// SampleRate of inbound fragments in Hz.
	SampleRate int

	// BootstrapBytes must accumulate before the first flush of a playback run.
	BootstrapBytes int

	// SteadyBytes must accumulate before each subsequent flush.
	SteadyBytes int

	// Epsilon is the deliberate start-time overlap between consecutive units.
	Epsilon time.Duration

	// Grace is how long the buffer must stay empty past the end of scheduled
	// audio before the session counts as done speaking.
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.PlaybackRate
	}
	if c.BootstrapBytes <= 0 {
		c.BootstrapBytes = DefaultBootstrapBytes
	}
	if c.SteadyBytes <= 0 {
		c.SteadyBytes = DefaultSteadyBytes
	}
	if c.Epsilon <= 0 {
		c.Epsilon = DefaultEpsilon
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	return c
}

// Output receives flushed units. PlayAt must not return before it is safe to
// schedule the next unit; the scheduler's playback goroutine is its only
// caller, one unit at a time.
type Output interface {
	PlayAt(start time.Time, samples []float32) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// playQueueSize bounds flushed units waiting for the playback goroutine.
const playQueueSize = 16

// unit is one flushed, scheduled run of samples awaiting the device.
type unit struct {
	start   time.Time
	samples []float32
	gen     int
}

// Scheduler is the playback buffer plus its scheduling cursor. Methods are
// safe for concurrent use, though in the cooperative session model only the
// session loop calls them.
type Scheduler struct {
	cfg   Config
	out   Output
	clock Clock

	queue      chan unit
	stop       chan struct{}
	stopOnce   sync.Once
	playerDone chan struct{}

	mu        sync.Mutex
	pending   [][]byte
	size      int
	bootstrap bool      // next flush uses the bootstrap threshold
	cursor    time.Time // end of the last scheduled unit; zero before first flush
	gen       int       // bumped on Interrupt/NewTurn; queued stale units are skipped
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, primarily for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a scheduler writing to out and starts its playback goroutine.
// Call Close to stop it.
func New(out Output, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		out:        out,
		clock:      systemClock{},
		queue:      make(chan unit, playQueueSize),
		stop:       make(chan struct{}),
		playerDone: make(chan struct{}),
		bootstrap:  true,
	}
	for _, o := range opts {
		o(s)
	}
	go s.playLoop()
	return s
}

// playLoop feeds queued units to the output device. Units flushed before an
// Interrupt or NewTurn carry a stale generation and are skipped unplayed.
func (s *Scheduler) playLoop() {
	defer close(s.playerDone)
	for {
		select {
		case u := <-s.queue:
			s.mu.Lock()
			stale := u.gen != s.gen
			s.mu.Unlock()
			if stale {
				continue
			}
			if err := s.out.PlayAt(u.start, u.samples); err != nil {
				slog.Warn("playback: unit dropped", "samples", len(u.samples), "err", err)
			}
		case <-s.stop:
			return
		}
	}
}

// Close discards buffered audio and stops the playback goroutine, waiting
// for a unit already at the device to finish. Idempotent.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.resetLocked()
		s.mu.Unlock()
		close(s.stop)
		<-s.playerDone
	})
}

// Push appends one inbound PCM16 fragment and flushes if the active
// threshold is met.
func (s *Scheduler) Push(frag []byte) {
	if len(frag) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, frag)
	s.size += len(frag)

	threshold := s.cfg.SteadyBytes
	if s.bootstrap {
		threshold = s.cfg.BootstrapBytes
	}
	if s.size >= threshold {
		s.flushLocked()
	}
}

// Finish force-flushes any sub-threshold remainder. Call it on the
// turn-complete signal so the tail of a response is not lost.
func (s *Scheduler) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size > 0 {
		s.flushLocked()
	}
}

// Interrupt discards all buffered audio and resets the cursor, guaranteeing
// no stale audio from the current turn plays over the next one. The next
// flush waits for the bootstrap threshold again.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// NewTurn prepares the buffer for a fresh agent response. Identical to
// Interrupt; named separately because the triggers differ (inbound new-turn
// signal vs. local barge-in).
func (s *Scheduler) NewTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Buffered reports the number of buffered, not-yet-flushed bytes.
func (s *Scheduler) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Drained reports whether the buffer is empty and all scheduled audio has
// finished at least Grace ago. The grace window absorbs one more trailing
// fragment without the session status flickering back to listening.
func (s *Scheduler) Drained(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size > 0 {
		return false
	}
	if s.cursor.IsZero() {
		return true
	}
	return now.Sub(s.cursor) >= s.cfg.Grace
}

func (s *Scheduler) resetLocked() {
	s.pending = nil
	s.size = 0
	s.bootstrap = true
	s.cursor = time.Time{}
	s.gen++
}

// flushLocked concatenates the pending fragments into one unit and enqueues
// it for the playback goroutine. The unit starts at max(now+ε, cursor−ε):
// never earlier than "almost now", never later than one epsilon before the
// previous unit ends. The cursor advances at enqueue time; a unit the device
// later rejects leaves a silent slot the grace window absorbs.
func (s *Scheduler) flushLocked() {
	buf := make([]byte, 0, s.size)
	for _, frag := range s.pending {
		buf = append(buf, frag...)
	}
	s.pending = nil
	s.size = 0
	s.bootstrap = false

	now := s.clock.Now()
	start := now.Add(s.cfg.Epsilon)
	if !s.cursor.IsZero() {
		if fromCursor := s.cursor.Add(-s.cfg.Epsilon); fromCursor.After(start) {
			start = fromCursor
		}
	}

	select {
	case s.queue <- unit{start: start, samples: audio.DecodePCM16(buf), gen: s.gen}:
		s.cursor = start.Add(audio.Duration(len(buf), s.cfg.SampleRate))
	default:
		slog.Warn("playback: unit dropped, queue full", "bytes", len(buf))
	}
}
