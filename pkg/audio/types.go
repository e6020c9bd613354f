package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Rates fixed by the live session protocol.
const (
	// InputSampleRate is the rate at which microphone audio is sent upstream.
	InputSampleRate = 16000

	// OutputSampleRate is the rate at which the model's synthesized speech arrives.
	OutputSampleRate = 24000

	// CaptureFrameSamples is the number of mono samples in one captured frame.
	CaptureFrameSamples = 4096
)

// AudioFrame is a fixed-length chunk of 16-bit signed little-endian PCM.
// Frames are immutable once produced; ownership transfers to the consumer on send.
type AudioFrame struct {
	// Data holds interleaved s16le samples.
	Data []byte

	// SampleRate in Hz (16000 for captured frames).
	SampleRate int

	// Channels is 1 for every frame the capture pipeline produces.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel carried by f.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback length of f.
func (f AudioFrame) Duration() time.Duration {
	return samplesDuration(f.Samples(), f.SampleRate)
}

// MIMEType returns the wire MIME type for f, e.g. "audio/pcm;rate=16000".
func (f AudioFrame) MIMEType() string {
	return PCMMIMEType(f.SampleRate)
}

// Base64 returns the wire encoding of f's PCM payload.
func (f AudioFrame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Data)
}

// Buffer is a decoded block of float samples in [-1, 1], ready for playback.
type Buffer struct {
	// Samples are interleaved when Channels > 1.
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel) in b.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	return samplesDuration(b.Frames(), b.SampleRate)
}

// PCMMIMEType formats the MIME type for raw 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
