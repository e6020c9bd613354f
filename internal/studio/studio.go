// Package studio implements the one-shot generation features that sit beside
// the live relay: text-to-speech, transcription of recorded audio, roof photo
// inspection, storm-date validation and a search-grounded chat.
//
// Every call goes through the Gen AI SDK's Models service. The SDK client is
// created lazily on first use so that a server without credentials still
// starts; the call then fails with the SDK's authentication error.
package studio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/nimbusiq/nimbus/internal/observe"
	"github.com/nimbusiq/nimbus/internal/resilience"
	"github.com/nimbusiq/nimbus/pkg/audio"
)

const (
	defaultSpeechModel        = "gemini-2.5-flash-preview-tts"
	defaultTranscriptionModel = "gemini-3-flash-preview"
	defaultVoice              = "Zephyr"
	defaultInspectionModel    = "gemini-3-flash-preview"
	defaultReasoningModel     = "gemini-3-pro-preview"

	// DefaultPrompt instructs the model how to transcribe.
	DefaultPrompt = "Transcribe this audio precisely. Use professional formatting."
)

var (
	// ErrEmptyInput is returned when there is nothing to synthesize or
	// transcribe.
	ErrEmptyInput = errors.New("studio: empty input")

	// ErrNoAudio is returned when a speech response carries no audio part.
	ErrNoAudio = errors.New("studio: response carried no audio")
)

// Generator is the subset of the SDK's Models service used by [Studio].
// *genai.Models satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Speech is synthesized audio as base64 16-bit PCM.
type Speech struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// SampleRate returns the rate declared by the MIME type.
func (s Speech) SampleRate() int {
	return audio.RateFromMIME(s.MIMEType, audio.OutputSampleRate)
}

// PCM returns the raw little-endian PCM bytes.
func (s Speech) PCM() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s.Data)
	if err != nil {
		return nil, &audio.DecodeError{Len: len(s.Data), Err: err}
	}
	return b, nil
}

// Buffer decodes the speech into a playable mono buffer.
func (s Speech) Buffer() (audio.Buffer, error) {
	return audio.Decode(s.Data, s.SampleRate(), 1)
}

// Option is a functional option for configuring a [Studio].
type Option func(*Studio)

// WithSpeechModel sets the TTS model.
func WithSpeechModel(model string) Option {
	return func(s *Studio) {
		if model != "" {
			s.speechModel = model
		}
	}
}

// WithTranscriptionModel sets the transcription model.
func WithTranscriptionModel(model string) Option {
	return func(s *Studio) {
		if model != "" {
			s.transcriptionModel = model
		}
	}
}

// WithInspectionModel sets the model that reads roof photos.
func WithInspectionModel(model string) Option {
	return func(s *Studio) {
		if model != "" {
			s.inspectionModel = model
		}
	}
}

// WithReasoningModel sets the model behind storm-date validation and chat.
func WithReasoningModel(model string) Option {
	return func(s *Studio) {
		if model != "" {
			s.reasoningModel = model
		}
	}
}

// WithPrompt replaces the transcription instruction.
func WithPrompt(prompt string) Option {
	return func(s *Studio) {
		if prompt != "" {
			s.prompt = prompt
		}
	}
}

// WithVoice sets the voice used when a request names none.
func WithVoice(voice string) Option {
	return func(s *Studio) {
		if voice != "" {
			s.voice = voice
		}
	}
}

// WithGenerator replaces the SDK-backed generator. Used in tests.
func WithGenerator(g Generator) Option {
	return func(s *Studio) { s.gen = g }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Studio) { s.metrics = m }
}

// WithBreaker routes every call through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Studio) { s.breaker = cb }
}

// Studio runs the one-shot generation calls. Safe for concurrent use.
type Studio struct {
	apiKey             string
	speechModel        string
	transcriptionModel string
	inspectionModel    string
	reasoningModel     string
	prompt             string
	voice              string
	metrics            *observe.Metrics
	breaker            *resilience.CircuitBreaker

	mu  sync.Mutex
	gen Generator
}

// New creates a Studio that authenticates with apiKey.
func New(apiKey string, opts ...Option) *Studio {
	s := &Studio{
		apiKey:             apiKey,
		speechModel:        defaultSpeechModel,
		transcriptionModel: defaultTranscriptionModel,
		inspectionModel:    defaultInspectionModel,
		reasoningModel:     defaultReasoningModel,
		prompt:             DefaultPrompt,
		voice:              defaultVoice,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Breaker returns the circuit breaker guarding calls, or nil.
func (s *Studio) Breaker() *resilience.CircuitBreaker { return s.breaker }

func (s *Studio) generator(ctx context.Context) (Generator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != nil {
		return s.gen, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	s.gen = client.Models
	return s.gen, nil
}

// generate runs one call with tracing, metrics and the optional breaker.
func (s *Studio) generate(ctx context.Context, op, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (resp *genai.GenerateContentResponse, err error) {
	ctx, span := observe.StartSpan(ctx, "studio."+op, trace.WithAttributes(observe.ModelKey.String(model)))
	start := time.Now()
	defer func() {
		s.metrics.RecordStudio(ctx, op, time.Since(start), err)
		observe.SpanError(span, err)
		span.End()
	}()

	gen, err := s.generator(ctx)
	if err != nil {
		return nil, fmt.Errorf("studio: %s: %w", op, err)
	}
	call := func() error {
		var callErr error
		resp, callErr = gen.GenerateContent(ctx, model, contents, cfg)
		return callErr
	}
	if s.breaker != nil {
		err = s.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("studio: %s: %w", op, err)
	}
	observe.Logger(ctx).Debug("studio: generated", "op", op, "model", model, "elapsed", time.Since(start))
	return resp, nil
}

// Synthesize reads text aloud with voice, or the default voice when voice is
// empty.
func (s *Studio) Synthesize(ctx context.Context, text, voice string) (Speech, error) {
	if strings.TrimSpace(text) == "" {
		return Speech{}, ErrEmptyInput
	}
	if voice == "" {
		voice = s.voice
	}

	cfg := &genai.GenerateContentConfig{
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	cfg.ResponseModalities = append(cfg.ResponseModalities, "AUDIO")

	resp, err := s.generate(ctx, "synthesize", s.speechModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, cfg)
	if err != nil {
		return Speech{}, err
	}

	for _, p := range parts(resp) {
		if p.InlineData == nil || len(p.InlineData.Data) == 0 {
			continue
		}
		rate := audio.RateFromMIME(p.InlineData.MIMEType, audio.OutputSampleRate)
		return Speech{
			Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
			MIMEType: audio.PCMMIMEType(rate),
		}, nil
	}
	return Speech{}, ErrNoAudio
}

// Transcribe returns the text spoken in data, a recording of type mimeType.
func (s *Studio) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyInput
	}
	if mimeType == "" {
		mimeType = "audio/webm"
	}

	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(data, mimeType),
		genai.NewPartFromText(s.prompt),
	}, genai.RoleUser)}

	resp, err := s.generate(ctx, "transcribe", s.transcriptionModel, contents, nil)
	if err != nil {
		return "", err
	}
	return text(resp), nil
}

// parts returns the first candidate's parts.
func parts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	c := resp.Candidates[0]
	if c == nil || c.Content == nil {
		return nil
	}
	out := make([]*genai.Part, 0, len(c.Content.Parts))
	for _, p := range c.Content.Parts {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
