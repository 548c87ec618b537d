package capture

import (
	"testing"

	"github.com/talhawkk/voicechat/pkg/audio"
)

func TestFrameRing_FIFO(t *testing.T) {
	t.Parallel()

	r := NewFrameRing(4)
	for i := range 3 {
		r.Push(audio.Frame{Seq: uint64(i)})
	}

	for i := range 3 {
		f, ok := r.Pop()
		if !ok {
			t.Fatalf("pop %d: ring empty", i)
		}
		if f.Seq != uint64(i) {
			t.Errorf("pop %d: seq %d, want %d", i, f.Seq, i)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Error("pop on empty ring succeeded")
	}
}

func TestFrameRing_OverwritesOldest(t *testing.T) {
	t.Parallel()

	r := NewFrameRing(3)
	for i := range 5 {
		r.Push(audio.Frame{Seq: uint64(i)})
	}

	if got := r.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if got := r.Len(); got != 3 {
		t.Errorf("len = %d, want 3", got)
	}

	// The survivors are the three freshest frames, still in order.
	want := []uint64{2, 3, 4}
	for i, w := range want {
		f, ok := r.Pop()
		if !ok || f.Seq != w {
			t.Errorf("pop %d: got (%d,%v), want seq %d", i, f.Seq, ok, w)
		}
	}
}

func TestFrameRing_WaitSignalsPush(t *testing.T) {
	t.Parallel()

	r := NewFrameRing(2)
	select {
	case <-r.Wait():
		t.Fatal("wait fired before any push")
	default:
	}

	r.Push(audio.Frame{})
	select {
	case <-r.Wait():
	default:
		t.Fatal("wait did not fire after push")
	}
}
