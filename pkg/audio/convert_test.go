package audio

import (
	"testing"
	"time"
)

func TestEncodeFloat32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"positive full scale", 1, 32767},
		{"negative full scale", -1, -32768},
		{"clamped above", 1.5, 32767},
		{"clamped below", -2, -32768},
		{"positive half", 0.5, 16383},
		{"negative half", -0.5, -16384},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := EncodeFloat32([]float32{tt.in})
			got := int16(pcm[0]) | int16(pcm[1])<<8
			if got != tt.want {
				t.Errorf("EncodeFloat32(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodePCM16_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.25, -0.25, 0.999, -1}
	out := DecodePCM16(EncodeFloat32(in))
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		diff := out[i] - in[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > 1.0/16384 {
			t.Errorf("sample %d: got %v, want ~%v", i, out[i], in[i])
		}
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	if got := Level(nil); got != 0 {
		t.Errorf("Level(nil) = %d, want 0", got)
	}
	if got := Level(EncodeFloat32(make([]float32, 256))); got != 0 {
		t.Errorf("silence level = %d, want 0", got)
	}

	loud := make([]float32, 256)
	for i := range loud {
		loud[i] = 1
	}
	if got := Level(EncodeFloat32(loud)); got < 250 {
		t.Errorf("full-scale level = %d, want near 255", got)
	}

	quiet := make([]float32, 256)
	for i := range quiet {
		quiet[i] = 0.05
	}
	lq := Level(EncodeFloat32(quiet))
	ll := Level(EncodeFloat32(loud))
	if lq >= ll {
		t.Errorf("quiet level %d not below loud level %d", lq, ll)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	// One second of 24kHz mono PCM16 is 48000 bytes.
	if got := Duration(48000, PlaybackRate); got != time.Second {
		t.Errorf("Duration(48000, 24000) = %v, want 1s", got)
	}
	if got := BytesForDuration(time.Second, PlaybackRate); got != 48000 {
		t.Errorf("BytesForDuration(1s, 24000) = %d, want 48000", got)
	}
	if got := Duration(100, 0); got != 0 {
		t.Errorf("Duration with zero rate = %v, want 0", got)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		in := EncodeFloat32([]float32{0.1, 0.2, 0.3})
		out := ResampleMono16(in, 48000, 48000)
		if &out[0] != &in[0] {
			t.Error("expected input returned unchanged")
		}
	})

	t.Run("halving the rate halves the samples", func(t *testing.T) {
		in := make([]byte, 400*BytesPerSample)
		out := ResampleMono16(in, 48000, 24000)
		if len(out) != 200*BytesPerSample {
			t.Errorf("got %d bytes, want %d", len(out), 200*BytesPerSample)
		}
	})

	t.Run("constant signal survives resampling", func(t *testing.T) {
		src := make([]float32, 480)
		for i := range src {
			src[i] = 0.5
		}
		out := DecodePCM16(ResampleMono16(EncodeFloat32(src), 48000, 24000))
		for i, s := range out {
			if s < 0.49 || s > 0.51 {
				t.Fatalf("sample %d = %v, want ~0.5", i, s)
			}
		}
	})
}
