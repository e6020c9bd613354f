package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned (wrapped) by [InputDevice.Open] when the
// user refuses microphone access or no input device exists.
var ErrPermissionDenied = errors.New("audio: permission denied")

// InputDevice is a source of live microphone audio. Open acquires the device
// exclusively; the returned stream must be closed to release it.
//
// Implementations include the gateway's client-connection adapter and the
// in-memory device in the mock package.
type InputDevice interface {
	// Open acquires the device. Refusal is reported as an error wrapping
	// [ErrPermissionDenied]; nothing is held in that case.
	Open(ctx context.Context) (InputStream, error)
}

// InputStream delivers blocks of interleaved float samples in the device's
// native format.
type InputStream interface {
	// Format reports the native format of every block returned by Read.
	Format() Format

	// Read blocks until the next block is available. It returns io.EOF once
	// the device has stopped producing audio and ctx.Err() when cancelled.
	Read(ctx context.Context) ([]float32, error)

	// Close releases the device and unblocks any pending Read. Idempotent.
	Close() error
}

// OutputDevice is a speaker. Open acquires it exclusively.
type OutputDevice interface {
	Open(ctx context.Context) (OutputStream, error)
}

// OutputStream plays buffers handed to it by the playback scheduler.
type OutputStream interface {
	// Play starts buf now. at is the scheduled start time on the scheduler's
	// clock, passed through for devices that keep their own timeline.
	Play(buf Buffer, at time.Duration) error

	// Halt hard-stops whatever is currently sounding.
	Halt() error

	// Close releases the device. Buffers already playing finish on their own
	// unless Halt was called first. Idempotent.
	Close() error
}
