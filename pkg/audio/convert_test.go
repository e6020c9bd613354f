package audio_test

import (
	"math"
	"testing"

	"github.com/nimbusiq/nimbus/pkg/audio"
)

func TestDownmix(t *testing.T) {
	t.Parallel()

	got := audio.Downmix([]float32{1, 0, -0.5, 0.5, 0.2, 0.4}, 2)
	want := []float32{0.5, 0, 0.3}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("frame %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResample_Lengths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       int
		channels int
		src, dst int
		want     int
	}{
		{"48k to 16k mono", 4800, 1, 48000, 16000, 1600},
		{"44.1k to 16k mono", 4410, 1, 44100, 16000, 1600},
		{"8k to 16k mono", 800, 1, 8000, 16000, 1600},
		{"48k to 24k stereo", 960, 2, 48000, 24000, 480},
		{"same rate", 100, 1, 16000, 16000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Resample(make([]float32, tt.in), tt.channels, tt.src, tt.dst)
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()

	// Upsampling a ramp by 2x places the midpoints between source samples.
	got := audio.Resample([]float32{0, 0.5, 1}, 1, 8000, 16000)
	want := []float32{0, 0.25, 0.5, 0.75, 1, 1}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNormalizer(t *testing.T) {
	t.Parallel()

	n := &audio.Normalizer{
		Source: audio.Format{SampleRate: 48000, Channels: 2},
		Target: audio.Format{SampleRate: audio.InputSampleRate, Channels: 1},
	}
	got := n.Normalize(make([]float32, 4800*2))
	if len(got) != 1600 {
		t.Errorf("len = %d, want 1600", len(got))
	}

	same := &audio.Normalizer{Source: n.Target, Target: n.Target}
	in := []float32{0.1, 0.2}
	if out := same.Normalize(in); &out[0] != &in[0] {
		t.Error("matching formats should return the input slice unchanged")
	}
}

func TestResampler_SmallBlocks(t *testing.T) {
	t.Parallel()

	// One second of audio delivered the way a browser worklet does it.
	tests := []struct {
		name  string
		rate  int
		block int
	}{
		{"48k in 128-sample blocks", 48000, 128},
		{"44.1k in 128-sample blocks", 44100, 128},
		{"8k in 100-sample blocks", 8000, 100},
		{"24k in 7-sample blocks", 24000, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := audio.NewResampler(1, tt.rate, 16000)
			var got int
			for fed := 0; fed < tt.rate; fed += tt.block {
				n := min(tt.block, tt.rate-fed)
				got += len(r.Resample(make([]float32, n)))
			}
			if got < 15999 || got > 16001 {
				t.Errorf("output samples = %d, want 16000", got)
			}
		})
	}
}

func TestResampler_ContinuousAcrossBlocks(t *testing.T) {
	t.Parallel()

	ramp := make([]float32, 960)
	for i := range ramp {
		ramp[i] = float32(i) / 960
	}
	whole := audio.NewResampler(1, 48000, 16000).Resample(ramp)

	r := audio.NewResampler(1, 48000, 16000)
	var pieces []float32
	for i := 0; i < len(ramp); i += 128 {
		pieces = append(pieces, r.Resample(ramp[i:min(i+128, len(ramp))])...)
	}

	if len(pieces) != len(whole) {
		t.Fatalf("blocked len = %d, whole len = %d", len(pieces), len(whole))
	}
	for i := range whole {
		if math.Abs(float64(pieces[i]-whole[i])) > 1e-6 {
			t.Fatalf("sample %d: blocked %v, whole %v", i, pieces[i], whole[i])
		}
	}
}

func TestResampler_InterpolatesAcrossEdge(t *testing.T) {
	t.Parallel()

	// Upsampling by 2x: the midpoint between the blocks comes from both.
	r := audio.NewResampler(1, 8000, 16000)
	first := r.Resample([]float32{0, 0.5})
	second := r.Resample([]float32{1})
	got := append(first, second...)
	want := []float32{0, 0.25, 0.5, 0.75, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNormalizer_StreamsStereoBlocks(t *testing.T) {
	t.Parallel()

	n := &audio.Normalizer{
		Source: audio.Format{SampleRate: 48000, Channels: 2},
		Target: audio.Format{SampleRate: audio.InputSampleRate, Channels: 1},
	}
	var got int
	for range 375 {
		got += len(n.Normalize(make([]float32, 128*2)))
	}
	if got != 16000 {
		t.Errorf("output samples = %d, want 16000", got)
	}
}
