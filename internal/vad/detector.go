// Package vad implements an energy-threshold voice activity detector.
//
// The detector consumes one amplitude reading per cooperative tick (the
// session loop runs ticks at roughly 60 Hz) and emits utterance boundaries.
// It is deterministic: time is passed in by the caller, so tests drive it
// with a synthetic clock instead of real timers.
package vad

import "time"

// Default detection parameters, overridable via config.
const (
	DefaultThreshold = 25
	DefaultSilence   = 1200 * time.Millisecond
	DefaultMinSpeech = 500 * time.Millisecond
)

// Config tunes the detector. Zero values fall back to the defaults.
type Config struct {
	// Threshold is the energy level (0–255) above which a reading counts
	// as speech.
	Threshold int

	// Silence is how long readings must stay below Threshold before the
	// open utterance is finalized.
	Silence time.Duration

	// MinSpeech is the minimum elapsed speech before a silence countdown
	// may be armed. Short blips never start the countdown.
	MinSpeech time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Silence <= 0 {
		c.Silence = DefaultSilence
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = DefaultMinSpeech
	}
	return c
}

// BoundaryKind tags a detected utterance edge.
type BoundaryKind int

const (
	// SpeechStart marks the opening of a new utterance.
	SpeechStart BoundaryKind = iota + 1

	// SpeechEnd marks finalization of the open utterance.
	SpeechEnd
)

// Boundary is one detected utterance edge. For SpeechEnd both timestamps are
// set; End is the instant the closing silence began, not when the countdown
// expired.
type Boundary struct {
	Kind  BoundaryKind
	Start time.Time
	End   time.Time
}

// Detector tracks the open-utterance state for one session. It is not safe
// for concurrent use; the owning session loop is its only caller.
type Detector struct {
	cfg Config

	open         bool
	speechStart  time.Time
	lastSpeech   time.Time // most recent above-threshold reading
	silenceStart time.Time // zero while the countdown is disarmed
}

// New creates a detector with cfg (zero fields take defaults).
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Open reports whether an utterance is currently open.
func (d *Detector) Open() bool { return d.open }

// Reset discards any open utterance and disarms the silence countdown.
func (d *Detector) Reset() {
	d.open = false
	d.speechStart = time.Time{}
	d.lastSpeech = time.Time{}
	d.silenceStart = time.Time{}
}

// Process consumes one energy reading taken at now. It returns at most one
// boundary per call:
//
//   - reading above threshold with no open utterance: opens one (SpeechStart),
//   - reading above threshold with an armed countdown: disarms it,
//   - reading below threshold after at least MinSpeech of speech: arms the
//     silence countdown at the silence onset (once),
//   - countdown elapsed: finalizes the utterance (SpeechEnd).
//
// Elapsed speech is measured up to the last above-threshold reading, so time
// spent in silence never counts toward MinSpeech: a short blip followed by
// any amount of silence stays open and never arms the countdown.
func (d *Detector) Process(level int, now time.Time) (Boundary, bool) {
	speaking := level > d.cfg.Threshold

	if speaking {
		d.lastSpeech = now
		if !d.open {
			d.open = true
			d.speechStart = now
			d.silenceStart = time.Time{}
			return Boundary{Kind: SpeechStart, Start: now}, true
		}
		// Speech resumed before the countdown fired.
		d.silenceStart = time.Time{}
		return Boundary{}, false
	}

	if !d.open {
		return Boundary{}, false
	}

	if d.silenceStart.IsZero() {
		if d.lastSpeech.Sub(d.speechStart) >= d.cfg.MinSpeech {
			d.silenceStart = now
		}
		return Boundary{}, false
	}

	if now.Sub(d.silenceStart) >= d.cfg.Silence {
		b := Boundary{Kind: SpeechEnd, Start: d.speechStart, End: d.silenceStart}
		d.Reset()
		return b, true
	}
	return Boundary{}, false
}
