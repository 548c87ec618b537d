package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talhawkk/voicechat/pkg/audio"
	audiomock "github.com/talhawkk/voicechat/pkg/audio/mock"
)

// fakeClock is a settable clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestScheduler(t *testing.T, out Output, clock Clock) *Scheduler {
	t.Helper()
	s := New(out, Config{
		SampleRate:     audio.PlaybackRate,
		BootstrapBytes: 24000,
		SteadyBytes:    9600,
		Epsilon:        10 * time.Millisecond,
		Grace:          300 * time.Millisecond,
	}, WithClock(clock))
	t.Cleanup(s.Close)
	return s
}

// waitPlays polls until the device has received at least n units. Flushes are
// delivered by the playback goroutine, so tests wait rather than assert
// immediately.
func waitPlays(t *testing.T, out *audiomock.PlaybackDevice, n int) []audiomock.Played {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if plays := out.Plays(); len(plays) >= n {
			return plays
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d scheduled units, have %d", n, len(out.Plays()))
	return nil
}

func TestScheduler_BootstrapThreshold(t *testing.T) {
	t.Parallel()

	out := &audiomock.PlaybackDevice{}
	clock := &fakeClock{now: time.Unix(100, 0)}
	s := newTestScheduler(t, out, clock)

	// 12000 bytes is under the 24000 bootstrap threshold: no flush.
	s.Push(make([]byte, 12000))
	if got := out.Plays(); len(got) != 0 {
		t.Fatalf("flushed %d units before bootstrap threshold", len(got))
	}
	if s.Buffered() != 12000 {
		t.Errorf("buffered = %d, want 12000", s.Buffered())
	}

	// Cumulative 26000 crosses it: exactly one flush of all 26000 bytes,
	// scheduled at now+epsilon.
	s.Push(make([]byte, 14000))
	if s.Buffered() != 0 {
		t.Errorf("buffered after flush = %d, want 0", s.Buffered())
	}
	plays := waitPlays(t, out, 1)
	if len(plays) != 1 {
		t.Fatalf("flushes = %d, want 1", len(plays))
	}
	if got := len(plays[0].Samples) * audio.BytesPerSample; got != 26000 {
		t.Errorf("flushed bytes = %d, want 26000", got)
	}
	wantStart := clock.now.Add(10 * time.Millisecond)
	if !plays[0].Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", plays[0].Start, wantStart)
	}
}

func TestScheduler_SteadyStateAbutsUnits(t *testing.T) {
	t.Parallel()

	out := &audiomock.PlaybackDevice{}
	clock := &fakeClock{now: time.Unix(100, 0)}
	s := newTestScheduler(t, out, clock)

	s.Push(make([]byte, 24000)) // first flush: 0.5s unit
	s.Push(make([]byte, 9600))  // second flush: steady threshold

	plays := waitPlays(t, out, 2)
	firstEnd := plays[0].Start.Add(audio.Duration(24000, audio.PlaybackRate))
	eps := 10 * time.Millisecond

	// Second unit starts exactly one epsilon before the first ends, never
	// earlier than firstEnd−ε, never leaving a gap beyond ε.
	if !plays[1].Start.Equal(firstEnd.Add(-eps)) {
		t.Errorf("second start = %v, want %v", plays[1].Start, firstEnd.Add(-eps))
	}
}

func TestScheduler_LateFragmentsScheduleFromNow(t *testing.T) {
	t.Parallel()

	out := &audiomock.PlaybackDevice{}
	clock := &fakeClock{now: time.Unix(100, 0)}
	s := newTestScheduler(t, out, clock)

	s.Push(make([]byte, 24000))

	// The next fragment arrives after the first unit has fully played out
	// (underrun). The new unit starts at now+ε rather than in the past.
	clock.now = clock.now.Add(2 * time.Second)
	s.Push(make([]byte, 9600))

	plays := waitPlays(t, out, 2)
	want := clock.now.Add(10 * time.Millisecond)
	if !plays[1].Start.Equal(want) {
		t.Errorf("late start = %v, want %v", plays[1].Start, want)
	}
}

func TestScheduler_FinishFlushesRemainder(t *testing.T) {
	t.Parallel()

	out := &audiomock.PlaybackDevice{}
	clock := &fakeClock{now: time.Unix(100, 0)}
	s := newTestScheduler(t, out, clock)

	// 6000 buffered bytes, under every threshold; turn-complete forces the
	// flush immediately.
	s.Push(make([]byte, 6000))
	if len(out.Plays()) != 0 {
		t.Fatal("flushed before turn-complete")
	}
	s.Finish()

	plays := waitPlays(t, out, 1)
	if got := len(plays[0].Samples) * audio.BytesPerSample; got != 6000 {
		t.Errorf("flushed bytes = %d, want 6000", got)
	}

	// Finish with nothing buffered is a no-op.
	s.Finish()
	time.Sleep(20 * time.Millisecond)
	if len(out.Plays()) != 1 {
		t.Error("empty Finish scheduled a unit")
	}
}

func TestScheduler_InterruptClearsBufferAndRearmsBootstrap(t *testing.T) {
	t.Parallel()

	out := &audiomock.PlaybackDevice{}
	clock := &fakeClock{now: time.Unix(100, 0)}
	s := newTestScheduler(t, out, clock)

	s.Push(make([]byte, 24000))
	waitPlays(t, out, 1)
	s.Push(make([]byte, 5000))
	s.Interrupt()

	if s.Buffered() != 0 {
		t.Fatalf("buffered after interrupt = %d, want 0", s.Buffered())
	}

	// Post-interrupt, a steady-sized fragment must NOT flush: the bootstrap
	// threshold is re-armed.
	s.Push(make([]byte, 9600))
	time.Sleep(20 * time.Millisecond)
	if got := len(out.Plays()); got != 1 {
		t.Fatalf("flushes = %d, want 1 (bootstrap not re-armed)", got)
	}
	s.Push(make([]byte, 15000))
	waitPlays(t, out, 2)
}

func TestScheduler_PlayErrorDropsUnitAndContinues(t *testing.T) {
	t.Parallel()

	out := &audiomock.PlaybackDevice{PlayErr: errors.New("decode failed")}
	clock := &fakeClock{now: time.Unix(100, 0)}
	s := newTestScheduler(t, out, clock)

	s.Push(make([]byte, 24000))
	if s.Buffered() != 0 {
		t.Error("failed unit still buffered")
	}

	// Wait for the failed attempt, then recover: playback continues with the
	// next fragment.
	deadline := time.Now().Add(2 * time.Second)
	for out.Attempts() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if out.Attempts() == 0 {
		t.Fatal("failed unit never reached the device")
	}
	out.SetPlayErr(nil)

	s.Push(make([]byte, 9600))
	plays := waitPlays(t, out, 1)
	if len(plays) != 1 {
		t.Fatalf("flushes after recovery = %d, want 1", len(plays))
	}
}

// stallingOutput blocks every PlayAt until release is closed, standing in for
// a real device doing synchronous real-time writes.
type stallingOutput struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	plays int
}

func newStallingOutput() *stallingOutput {
	return &stallingOutput{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (o *stallingOutput) PlayAt(time.Time, []float32) error {
	o.mu.Lock()
	o.plays++
	o.mu.Unlock()
	o.started <- struct{}{}
	<-o.release
	return nil
}

func (o *stallingOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.plays
}

func TestScheduler_PushNeverWaitsOnDeviceOutput(t *testing.T) {
	t.Parallel()

	out := newStallingOutput()
	clock := &fakeClock{now: time.Unix(100, 0)}
	s := newTestScheduler(t, out, clock)
	var releaseOnce sync.Once
	releaseDevice := func() { releaseOnce.Do(func() { close(out.release) }) }
	t.Cleanup(releaseDevice)

	s.Push(make([]byte, 24000))
	<-out.started // device is mid-write on the first unit

	// Mutators must return while the device is still busy; they only touch
	// buffer state.
	pushed := make(chan struct{})
	go func() {
		s.Push(make([]byte, 9600))
		close(pushed)
	}()
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push stalled behind device output")
	}

	// Barge-in while the device is busy: the second unit was flushed for the
	// cancelled turn and must never reach the device.
	s.Interrupt()
	releaseDevice()

	time.Sleep(50 * time.Millisecond)
	if got := out.count(); got != 1 {
		t.Errorf("device received %d units, want 1", got)
	}
}

func TestScheduler_Drained(t *testing.T) {
	t.Parallel()

	out := &audiomock.PlaybackDevice{}
	clock := &fakeClock{now: time.Unix(100, 0)}
	s := newTestScheduler(t, out, clock)

	if !s.Drained(clock.now) {
		t.Error("fresh scheduler not drained")
	}

	s.Push(make([]byte, 24000)) // 0.5s unit scheduled at now+10ms
	if s.Drained(clock.now) {
		t.Error("drained while audio is scheduled")
	}

	end := clock.now.Add(10 * time.Millisecond).Add(audio.Duration(24000, audio.PlaybackRate))
	if s.Drained(end.Add(100 * time.Millisecond)) {
		t.Error("drained inside the grace window")
	}
	if !s.Drained(end.Add(301 * time.Millisecond)) {
		t.Error("not drained after the grace window")
	}

	// A buffered fragment blocks draining regardless of time.
	s.Push(make([]byte, 100))
	if s.Drained(end.Add(time.Hour)) {
		t.Error("drained with bytes still buffered")
	}
}
