package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders f as e.g. "48000Hz/2ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Normalizer converts float sample blocks from a device format to a target
// format. It logs once when conversion is needed. Create one per stream; it is
// not safe for concurrent use.
//
// Rate conversion is continuous across calls, so feeding a stream in small
// blocks yields the same samples as converting it in one piece.
type Normalizer struct {
	Source Format
	Target Format

	warnOnce  sync.Once
	resampler *Resampler
}

// Normalize converts interleaved samples from n.Source to n.Target. Channel
// reduction happens first so the resampler works on as few channels as
// possible. When the formats match, samples is returned unchanged.
func (n *Normalizer) Normalize(samples []float32) []float32 {
	if n.Source == n.Target {
		return samples
	}
	n.warnOnce.Do(func() {
		slog.Debug("audio: normalising input",
			"from", n.Source.String(),
			"to", n.Target.String(),
		)
	})

	out := samples
	channels := n.Source.Channels
	if channels != n.Target.Channels && n.Target.Channels == 1 {
		out = Downmix(out, channels)
		channels = 1
	}
	if n.Source.SampleRate != n.Target.SampleRate {
		if n.resampler == nil {
			n.resampler = NewResampler(channels, n.Source.SampleRate, n.Target.SampleRate)
		}
		out = n.resampler.Resample(out)
	}
	if channels == 1 && n.Target.Channels == 2 {
		out = Upmix(out)
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Upmix duplicates each mono sample into an L+R pair.
func Upmix(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Resample converts one self-contained block of interleaved samples from
// srcRate to dstRate using linear interpolation per channel. Invalid rates
// return the input unchanged. Use a [Resampler] for a stream delivered in
// blocks.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := range channels {
			s0 := samples[idx*channels+c]
			s1 := samples[next*channels+c]
			out[i*channels+c] = s0 + (s1-s0)*frac
		}
	}
	return out
}

// Resampler converts a stream of interleaved blocks from one rate to another
// with linear interpolation. The read position and the last source frame carry
// over between calls, so no samples are lost or repeated at block edges.
// It is not safe for concurrent use.
type Resampler struct {
	channels int
	src, dst int64

	// pos is the next output position in source frames, scaled by dst and
	// relative to the first frame of the next block. -dst < pos.
	pos  int64
	prev []float32
}

// NewResampler returns a resampler for interleaved audio with the given
// channel count. Invalid arguments give a resampler that passes blocks
// through unchanged.
func NewResampler(channels, srcRate, dstRate int) *Resampler {
	return &Resampler{
		channels: channels,
		src:      int64(srcRate),
		dst:      int64(dstRate),
	}
}

// Resample converts the next block of the stream.
func (r *Resampler) Resample(samples []float32) []float32 {
	if r.src <= 0 || r.dst <= 0 || r.channels <= 0 || r.src == r.dst {
		return samples
	}
	ch := r.channels
	frames := int64(len(samples) / ch)
	if frames == 0 {
		return nil
	}

	frame := func(i int64, c int) float32 {
		if i < 0 {
			return r.prev[c]
		}
		return samples[int(i)*ch+c]
	}

	last := (frames - 1) * r.dst
	n := max((last-r.pos)/r.src+1, 0)
	out := make([]float32, 0, int(n)*ch)
	for ; r.pos <= last; r.pos += r.src {
		idx := r.pos / r.dst
		if r.pos < 0 {
			idx = -1
		}
		rem := r.pos - idx*r.dst
		frac := float32(float64(rem) / float64(r.dst))
		for c := range ch {
			s0 := frame(idx, c)
			s1 := s0
			if rem > 0 {
				s1 = frame(idx+1, c)
			}
			out = append(out, s0+(s1-s0)*frac)
		}
	}
	r.pos -= frames * r.dst

	if r.prev == nil {
		r.prev = make([]float32, ch)
	}
	copy(r.prev, samples[int(frames-1)*ch:int(frames)*ch])
	return out
}
