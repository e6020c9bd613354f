// Package genailive implements the s2s.Provider interface on top of the
// official Google Gen AI SDK's Live client.
//
// It produces the same [s2s.Message] stream as the raw gemini provider. Audio
// arrives from the SDK as raw bytes and is re-encoded to base64 so that the
// relay decodes every backend's payloads through one path.
package genailive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nimbusiq/nimbus/pkg/audio"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
	"google.golang.org/genai"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const defaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// LiveSession is the subset of *genai.Session used by the provider.
type LiveSession interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Close() error
}

// DialFunc opens a live session. The default dials through a *genai.Client.
type DialFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (LiveSession, error)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model used when SessionConfig.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithDialer replaces the SDK dialer. Used in tests.
func WithDialer(d DialFunc) Option {
	return func(p *Provider) { p.dial = d }
}

// Provider implements s2s.Provider using google.golang.org/genai.
type Provider struct {
	apiKey string
	model  string
	dial   DialFunc

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider. The SDK client is created on first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	if p.dial == nil {
		p.dial = p.sdkDial
	}
	return p
}

func (p *Provider) sdkDial(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (LiveSession, error) {
	p.mu.Lock()
	if p.client == nil {
		c, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("create client: %w", err)
		}
		p.client = c
	}
	client := p.client
	p.mu.Unlock()

	return client.Live.Connect(ctx, model, cfg)
}

// Capabilities returns static metadata about the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:    audio.InputSampleRate,
		OutputSampleRate:   audio.OutputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             s2s.DefaultVoices,
	}
}

// Connect opens a Live session and waits for the setupComplete message.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	live, err := p.dial(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	// Receive has no context; run it aside so ctx can abort the wait.
	ready := make(chan error, 1)
	go func() {
		for {
			msg, err := live.Receive()
			if err != nil {
				ready <- err
				return
			}
			if msg.SetupComplete != nil {
				ready <- nil
				return
			}
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = live.Close()
			return nil, fmt.Errorf("genailive: await setupComplete: %w", err)
		}
	case <-ctx.Done():
		_ = live.Close()
		return nil, fmt.Errorf("genailive: await setupComplete: %w", ctx.Err())
	}

	s := &session{
		live:     live,
		messages: make(chan s2s.Message, 64),
		done:     make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// connectConfig maps a session config onto the SDK's connect options.
func connectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// translate converts one SDK server message. ok is false when the message
// carries nothing the relay acts on.
func translate(msg *genai.LiveServerMessage) (m s2s.Message, ok bool) {
	sc := msg.ServerContent
	if sc == nil {
		return s2s.Message{}, false
	}
	if sc.InputTranscription != nil {
		m.InputText = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputText = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			mime := part.InlineData.MIMEType
			if mime == "" {
				mime = audio.PCMMIMEType(audio.OutputSampleRate)
			}
			m.Audio = append(m.Audio, s2s.AudioChunk{
				MIMEType: mime,
				Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
			})
		}
	}
	m.Interrupted = sc.Interrupted
	m.TurnComplete = sc.TurnComplete
	return m, !m.Empty()
}

// cleanClose reports whether err is a normal WebSocket closure by the remote.
func cleanClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

type session struct {
	live     LiveSession
	messages chan s2s.Message

	sendMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}
}

func (s *session) receiveLoop() {
	defer close(s.messages)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			if cleanClose(err) {
				slog.Debug("genailive: remote closed session", "reason", err)
				return
			}
			s.setErr(fmt.Errorf("genailive: receive: %w", err))
			return
		}
		if msg.GoAway != nil {
			slog.Info("genailive: server requested disconnect")
		}
		m, ok := translate(msg)
		if !ok {
			continue
		}
		select {
		case s.messages <- m:
		case <-s.done:
			return
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// SendAudio forwards one frame as a realtime media blob. ctx is checked
// before the send; the SDK call itself is not cancellable.
func (s *session) SendAudio(ctx context.Context, frame audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return errors.New("genailive: session closed")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: frame.MIMEType(), Data: frame.Data},
	})
	if err != nil {
		return fmt.Errorf("genailive: send audio: %w", err)
	}
	return nil
}

func (s *session) Messages() <-chan s2s.Message { return s.messages }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	if err := s.live.Close(); err != nil {
		return fmt.Errorf("genailive: close: %w", err)
	}
	return nil
}
