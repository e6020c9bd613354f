package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecodeError reports an inbound audio payload that could not be turned into
// samples. The payload is dropped; the session carries on.
type DecodeError struct {
	// Len is the length of the offending payload in bytes (encoded form for
	// base64 failures, raw form for misaligned PCM).
	Len int

	// Err is the underlying cause.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %d-byte payload: %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errOddLength      = errors.New("odd byte count for 16-bit PCM")
	errFloatAlignment = errors.New("byte count not a multiple of 4 for float32 samples")
)

// EncodePCM16 converts float samples to little-endian 16-bit PCM. Samples
// outside [-1, 1] are clamped before scaling so loud input saturates instead of
// wrapping around.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// Encode returns the base64 wire form of samples.
func Encode(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodePCM16 reinterprets little-endian 16-bit PCM as float samples in [-1, 1).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Len: len(pcm), Err: errOddLength}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// DecodeFloat32LE reinterprets little-endian IEEE-754 float32 samples, the
// form browsers hand out from an audio worklet.
func DecodeFloat32LE(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, &DecodeError{Len: len(b), Err: errFloatAlignment}
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Decode turns a base64 PCM payload into a playable [Buffer] tagged with the
// declared rate and channel count.
func Decode(payload string, sampleRate, channels int) (Buffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Buffer{}, &DecodeError{Len: len(payload), Err: err}
	}
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// FrameFromSamples encodes mono float samples captured at rate into an
// [AudioFrame].
func FrameFromSamples(samples []float32, rate int) AudioFrame {
	return AudioFrame{Data: EncodePCM16(samples), SampleRate: rate, Channels: 1}
}

// RateFromMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns fallback when the parameter is absent or
// unparsable.
func RateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}

func floatToInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	return int16(v)
}
