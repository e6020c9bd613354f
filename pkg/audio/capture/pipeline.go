// Package capture turns a live input device into a steady sequence of
// fixed-size PCM frames.
//
// A [Pipeline] owns the device from Start until Stop. Device blocks are
// normalised to mono at the capture rate, cut into frames of exactly
// [audio.CaptureFrameSamples] samples, and handed to the frame callback one at
// a time. At most one frame waits for the callback; when the consumer falls
// behind, newer frames are dropped rather than queued.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusiq/nimbus/pkg/audio"
)

// ErrAlreadyRunning is returned by [Pipeline.Start] when the pipeline already
// holds the device.
var ErrAlreadyRunning = errors.New("capture: pipeline already running")

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize overrides the number of samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithSampleRate overrides the capture rate frames are produced at.
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// WithOnDrop registers fn to be called for every frame dropped because the
// consumer was still busy with the previous one.
func WithOnDrop(fn func()) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// Pipeline captures frames from an [audio.InputDevice].
// Start and Stop are safe for concurrent use.
type Pipeline struct {
	dev       audio.InputDevice
	frameSize int
	rate      int
	onDrop    func()

	mu      sync.Mutex
	running bool
	stream  audio.InputStream
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	dropped atomic.Int64
}

// New returns a stopped pipeline reading from dev.
func New(dev audio.InputDevice, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:       dev,
		frameSize: audio.CaptureFrameSamples,
		rate:      audio.InputSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the device and begins delivering frames to onFrame. ctx bounds
// only the acquisition; the pipeline runs until [Pipeline.Stop].
//
// When the device refuses access the returned error wraps
// [audio.ErrPermissionDenied] and nothing is held.
//
// onFrame is called from a single goroutine, in capture order. It must not
// call Stop.
func (p *Pipeline) Start(ctx context.Context, onFrame func(audio.AudioFrame)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	stream, err := p.dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}
	format := stream.Format()
	if !format.Valid() {
		_ = stream.Close()
		return fmt.Errorf("capture: device reported invalid format %s", format)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.stream = stream
	p.cancel = cancel
	p.done = make(chan struct{})
	p.err = nil

	slot := make(chan audio.AudioFrame, 1)
	readerDone := make(chan struct{})
	go p.read(runCtx, stream, slot, readerDone)
	go func(done chan struct{}) {
		for f := range slot {
			onFrame(f)
		}
		<-readerDone
		close(done)
	}(p.done)

	slog.Debug("capture: started", "device_format", format.String(), "frame_samples", p.frameSize)
	return nil
}

// read pulls device blocks, frames them, and offers each frame to slot without
// blocking. It closes slot and releases the device on exit.
func (p *Pipeline) read(ctx context.Context, stream audio.InputStream, slot chan<- audio.AudioFrame, done chan<- struct{}) {
	defer close(done)
	defer close(slot)
	defer stream.Close()

	norm := &audio.Normalizer{
		Source: stream.Format(),
		Target: audio.Format{SampleRate: p.rate, Channels: 1},
	}
	pending := make([]float32, 0, p.frameSize*2)
	var emitted int

	for {
		block, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				p.setErr(fmt.Errorf("capture: read: %w", err))
			}
			return
		}

		pending = append(pending, norm.Normalize(block)...)
		for len(pending) >= p.frameSize {
			frame := audio.FrameFromSamples(pending[:p.frameSize], p.rate)
			frame.Timestamp = time.Duration(emitted) * time.Second / time.Duration(p.rate)
			emitted += p.frameSize
			pending = append(pending[:0], pending[p.frameSize:]...)

			select {
			case slot <- frame:
			default:
				p.dropped.Add(1)
				if p.onDrop != nil {
					p.onDrop()
				}
			}
		}
	}
}

// Stop releases the device and waits until no frame callback is running.
// It is safe to call on a pipeline that was never started or already stopped.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stream, cancel, done := p.stream, p.cancel, p.done
	p.stream = nil
	p.mu.Unlock()

	cancel()
	err := stream.Close()
	<-done
	if err != nil {
		return fmt.Errorf("capture: release device: %w", err)
	}
	return nil
}

// Done is closed once the device stream has ended, either through Stop or
// because the device stopped producing audio. It returns nil before Start.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the read error that ended the stream, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Running reports whether the pipeline currently holds the device.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Dropped returns the number of frames dropped for backpressure.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}
