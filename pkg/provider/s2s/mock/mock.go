// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to push server messages at the consumer and inspect the frames it
// sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.Message{TurnComplete: true})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/nimbusiq/nimbus/pkg/audio"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrs, if non-empty, is consumed one entry per Connect call before
	// ConnectErr is consulted. A nil entry lets that call succeed.
	ConnectErrs []error

	// Block, if non-nil, makes Connect wait until it is closed or ctx ends.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Entered receives a value each time Connect is entered, if non-nil.
	Entered chan struct{}
}

// Connect records the call and returns Session or an error.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	block, entered := p.Block, p.Entered
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns the number of Connect calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	messages chan s2s.Message
	sent     chan audio.AudioFrame

	mu       sync.Mutex
	frames   []audio.AudioFrame
	err      error
	closed   bool
	closeCnt int
	endOnce  sync.Once
	sendErr  error
	closeErr error
}

// NewSession returns a session with buffered channels.
func NewSession() *Session {
	return &Session{
		messages: make(chan s2s.Message, 64),
		sent:     make(chan audio.AudioFrame, 256),
	}
}

// Push delivers m to the consumer.
func (s *Session) Push(m s2s.Message) {
	s.messages <- m
}

// End closes the message stream as if the remote went away. A nil err is a
// clean remote close.
func (s *Session) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.messages)
	})
}

// FailSends makes every later SendAudio return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// FailClose makes Close return err.
func (s *Session) FailClose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Sent returns a channel that receives every frame passed to SendAudio.
func (s *Session) Sent() <-chan audio.AudioFrame { return s.sent }

// Frames returns a copy of every frame sent so far.
func (s *Session) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCnt
}

// SendAudio records frame.
func (s *Session) SendAudio(_ context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("mock session: closed")
	}
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.frames = append(s.frames, frame)
	s.mu.Unlock()

	select {
	case s.sent <- frame:
	default:
	}
	return nil
}

// Messages returns the inbound message stream.
func (s *Session) Messages() <-chan s2s.Message { return s.messages }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCnt++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.closeErr
	s.mu.Unlock()

	s.endOnce.Do(func() { close(s.messages) })
	return err
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
