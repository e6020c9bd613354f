// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for unit tests.
//
// All mocks are safe for concurrent use. They record every acquisition and
// release so tests can assert that devices are never leaked.
//
// Typical usage:
//
//	mic := mock.NewMicrophone(audio.Format{SampleRate: 16000, Channels: 1})
//	spk := mock.NewSpeaker()
//	mic.Feed(make([]float32, 4096))
//	p := <-spk.Played()
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nimbusiq/nimbus/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.InputDevice]. Blocks pushed with Feed are
// returned by the open stream's Read in order.
type Microphone struct {
	format audio.Format
	blocks chan []float32
	eof    chan struct{}
	eofOne sync.Once

	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open and no stream is created.
	OpenErr error

	// Gate, when non-nil, makes the next Open wait until it is closed or the
	// context ends. Waiting, when non-nil, receives once that Open is waiting.
	Gate    chan struct{}
	Waiting chan struct{}

	opens  int
	closes int
	held   bool
}

// NewMicrophone returns a microphone that produces blocks in format.
func NewMicrophone(format audio.Format) *Microphone {
	return &Microphone{
		format: format,
		blocks: make(chan []float32, 64),
		eof:    make(chan struct{}),
	}
}

// Denied returns a microphone whose Open always fails with
// [audio.ErrPermissionDenied].
func Denied() *Microphone {
	m := NewMicrophone(audio.Format{SampleRate: audio.InputSampleRate, Channels: 1})
	m.OpenErr = fmt.Errorf("mock microphone: %w", audio.ErrPermissionDenied)
	return m
}

// Open implements [audio.InputDevice].
func (m *Microphone) Open(ctx context.Context) (audio.InputStream, error) {
	m.mu.Lock()
	gate, waiting := m.Gate, m.Waiting
	m.Gate = nil
	m.mu.Unlock()
	if gate != nil {
		if waiting != nil {
			waiting <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			m.mu.Lock()
			m.opens++
			m.mu.Unlock()
			return nil, fmt.Errorf("mock microphone: %w", ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if m.held {
		return nil, fmt.Errorf("mock microphone: already open")
	}
	m.held = true
	return &micStream{mic: m, done: make(chan struct{})}, nil
}

// Feed queues one block of interleaved samples. It blocks when 64 blocks are
// already waiting.
func (m *Microphone) Feed(samples []float32) {
	m.blocks <- samples
}

// End makes the open stream report io.EOF once queued blocks are consumed.
func (m *Microphone) End() {
	m.eofOne.Do(func() { close(m.eof) })
}

// Held reports whether a stream is currently open.
func (m *Microphone) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Opens returns how many times Open was called.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes returns how many streams were released.
func (m *Microphone) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type micStream struct {
	mic       *Microphone
	done      chan struct{}
	closeOnce sync.Once
}

func (s *micStream) Format() audio.Format { return s.mic.format }

func (s *micStream) Read(ctx context.Context) ([]float32, error) {
	select {
	case b := <-s.mic.blocks:
		return b, nil
	default:
	}
	select {
	case b := <-s.mic.blocks:
		return b, nil
	case <-s.mic.eof:
		return nil, io.EOF
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *micStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mic.mu.Lock()
		s.mic.held = false
		s.mic.closes++
		s.mic.mu.Unlock()
	})
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Play records one buffer handed to the speaker.
type Play struct {
	Buffer audio.Buffer
	At     time.Duration
}

// Speaker is a mock [audio.OutputDevice]. Every Play is recorded and also
// published on the channel returned by Played.
type Speaker struct {
	played chan Play

	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// PlayErr, when non-nil, is returned by every Play call.
	PlayErr error

	plays  []Play
	halts  int
	opens  int
	closes int
	held   bool
}

// NewSpeaker returns a ready speaker.
func NewSpeaker() *Speaker {
	return &Speaker{played: make(chan Play, 256)}
}

// Open implements [audio.OutputDevice].
func (s *Speaker) Open(_ context.Context) (audio.OutputStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.held {
		return nil, fmt.Errorf("mock speaker: already open")
	}
	s.held = true
	return &speakerStream{spk: s}, nil
}

// Played returns a channel that receives every buffer as it is played.
func (s *Speaker) Played() <-chan Play { return s.played }

// Plays returns a copy of every recorded play, in order.
func (s *Speaker) Plays() []Play {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Play, len(s.plays))
	copy(out, s.plays)
	return out
}

// Halts returns how many times Halt was called.
func (s *Speaker) Halts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halts
}

// Closes returns how many streams were released.
func (s *Speaker) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Held reports whether a stream is currently open.
func (s *Speaker) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

type speakerStream struct {
	spk    *Speaker
	closed bool
}

func (st *speakerStream) Play(buf audio.Buffer, at time.Duration) error {
	s := st.spk
	s.mu.Lock()
	if st.closed {
		s.mu.Unlock()
		return fmt.Errorf("mock speaker: closed")
	}
	if s.PlayErr != nil {
		err := s.PlayErr
		s.mu.Unlock()
		return err
	}
	p := Play{Buffer: buf, At: at}
	s.plays = append(s.plays, p)
	s.mu.Unlock()

	select {
	case s.played <- p:
	default:
	}
	return nil
}

func (st *speakerStream) Halt() error {
	st.spk.mu.Lock()
	defer st.spk.mu.Unlock()
	st.spk.halts++
	return nil
}

func (st *speakerStream) Close() error {
	st.spk.mu.Lock()
	defer st.spk.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	st.spk.held = false
	st.spk.closes++
	return nil
}
