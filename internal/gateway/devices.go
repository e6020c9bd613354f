package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbusiq/nimbus/pkg/audio"
)

// micQueue bounds the blocks waiting for the capture pipeline.
const micQueue = 64

var (
	_ audio.InputDevice  = (*clientMic)(nil)
	_ audio.OutputDevice = (*clientSpeaker)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// clientMic is the microphone of the browser at the other end of a live
// socket. Blocks arrive through feed; before Open, or when the capture side
// falls behind, they are dropped.
type clientMic struct {
	mu     sync.Mutex
	format audio.Format
	denied bool
	stream *micStream
}

func newClientMic() *clientMic {
	return &clientMic{format: audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}}
}

// configure records the format and permission declared by a start message.
func (m *clientMic) configure(f audio.Format, denied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Valid() {
		m.format = f
	}
	m.denied = denied
}

func (m *clientMic) currentFormat() audio.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

func (m *clientMic) Open(context.Context) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied {
		return nil, fmt.Errorf("gateway: client microphone: %w", audio.ErrPermissionDenied)
	}
	if m.stream != nil {
		return nil, errors.New("gateway: client microphone already open")
	}
	s := &micStream{
		mic:    m,
		format: m.format,
		blocks: make(chan []float32, micQueue),
		done:   make(chan struct{}),
	}
	m.stream = s
	return s, nil
}

// feed queues one block for the open stream and reports whether it was
// accepted.
func (m *clientMic) feed(samples []float32) bool {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case s.blocks <- samples:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

type micStream struct {
	mic       *clientMic
	format    audio.Format
	blocks    chan []float32
	done      chan struct{}
	closeOnce sync.Once
}

func (s *micStream) Format() audio.Format { return s.format }

func (s *micStream) Read(ctx context.Context) ([]float32, error) {
	select {
	case b := <-s.blocks:
		return b, nil
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
		if s.mic.stream == s {
			s.mic.stream = nil
		}
		s.mic.mu.Unlock()
	})
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// clientSpeaker plays by sending each buffer to the browser the moment the
// scheduler starts it. The browser plays audio messages on arrival and drops
// whatever it still holds on halt.
type clientSpeaker struct {
	peer *peer

	mu   sync.Mutex
	held bool
}

func newClientSpeaker(p *peer) *clientSpeaker {
	return &clientSpeaker{peer: p}
}

func (s *clientSpeaker) Open(context.Context) (audio.OutputStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil, errors.New("gateway: client speaker already open")
	}
	s.held = true
	return &speakerStream{spk: s}, nil
}

type speakerStream struct {
	spk *clientSpeaker

	mu     sync.Mutex
	closed bool
}

func (st *speakerStream) Play(buf audio.Buffer, at time.Duration) error {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return errors.New("gateway: speaker closed")
	}
	return st.spk.peer.send(audioMessage{
		Type:       typeAudio,
		Data:       audio.Encode(buf.Samples),
		MIMEType:   audio.PCMMIMEType(buf.SampleRate),
		StartMs:    millis(at),
		DurationMs: millis(buf.Duration()),
	})
}

func (st *speakerStream) Halt() error {
	if err := st.spk.peer.send(haltMessage{Type: typeHalt}); err != nil && !errors.Is(err, errPeerClosed) {
		return fmt.Errorf("gateway: send halt: %w", err)
	}
	return nil
}

func (st *speakerStream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	st.spk.mu.Lock()
	st.spk.held = false
	st.spk.mu.Unlock()
	slog.Debug("gateway: client speaker released")
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
