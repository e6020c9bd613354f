package genailive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nimbusiq/nimbus/pkg/audio"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
	"google.golang.org/genai"
)

// fakeLive is a scripted LiveSession. Receive replays msgs, then blocks until
// Close or returns end if set.
type fakeLive struct {
	msgs chan *genai.LiveServerMessage
	end  chan error

	mu     sync.Mutex
	sent   []genai.LiveRealtimeInput
	closed bool
	stop   chan struct{}
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		msgs: make(chan *genai.LiveServerMessage, 16),
		end:  make(chan error, 1),
		stop: make(chan struct{}),
	}
}

func (f *fakeLive) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case err := <-f.end:
		return nil, err
	case <-f.stop:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeLive) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return nil
}

func (f *fakeLive) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.stop)
	}
	return nil
}

func setupComplete() *genai.LiveServerMessage {
	return &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
}

func dialer(f *fakeLive, gotModel *string, gotCfg **genai.LiveConnectConfig) DialFunc {
	return func(_ context.Context, model string, cfg *genai.LiveConnectConfig) (LiveSession, error) {
		if gotModel != nil {
			*gotModel = model
		}
		if gotCfg != nil {
			*gotCfg = cfg
		}
		return f, nil
	}
}

func TestConnect_MapsConfig(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.msgs <- setupComplete()

	var model string
	var cfg *genai.LiveConnectConfig
	p := New("key", WithModel("default-model"), WithDialer(dialer(live, &model, &cfg)))

	h, err := p.Connect(context.Background(), s2s.SessionConfig{
		Voice:               "Zephyr",
		Instructions:        "Speak in technical architect tone.",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if model != "default-model" {
		t.Errorf("model = %q, want default-model", model)
	}
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != "AUDIO" {
		t.Errorf("modalities = %v", cfg.ResponseModalities)
	}
	if got := cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Zephyr" {
		t.Errorf("voice = %q", got)
	}
	if got := cfg.SystemInstruction.Parts[0].Text; got != "Speak in technical architect tone." {
		t.Errorf("instruction = %q", got)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Error("transcription configs not set")
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	p := New("key", WithDialer(dialer(live, nil, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Connect(ctx, s2s.SessionConfig{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v, want deadline exceeded", err)
	}
	live.mu.Lock()
	closed := live.closed
	live.mu.Unlock()
	if !closed {
		t.Error("live session not closed after aborted handshake")
	}
}

func TestConnect_DialError(t *testing.T) {
	t.Parallel()

	boom := errors.New("refused")
	p := New("key", WithDialer(func(context.Context, string, *genai.LiveConnectConfig) (LiveSession, error) {
		return nil, boom
	}))
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, boom) {
		t.Fatalf("Connect = %v, want wrapped dial error", err)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0xff, 0x7f}
	tests := []struct {
		name string
		msg  *genai.LiveServerMessage
		want s2s.Message
		ok   bool
	}{
		{
			name: "no server content",
			msg:  &genai.LiveServerMessage{},
			ok:   false,
		},
		{
			name: "transcripts",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				InputTranscription:  &genai.Transcription{Text: "hello"},
				OutputTranscription: &genai.Transcription{Text: "hi there"},
			}},
			want: s2s.Message{InputText: "hello", OutputText: "hi there"},
			ok:   true,
		},
		{
			name: "audio is re-encoded",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{
					{Text: "thinking"},
					{InlineData: &genai.Blob{Data: pcm}},
				}},
			}},
			want: s2s.Message{Audio: []s2s.AudioChunk{{
				MIMEType: "audio/pcm;rate=24000",
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}}},
			ok: true,
		},
		{
			name: "flags",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				Interrupted:  true,
				TurnComplete: true,
			}},
			want: s2s.Message{Interrupted: true, TurnComplete: true},
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translate(tt.msg)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSession_StreamAndSend(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.msgs <- setupComplete()
	live.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}

	h, err := New("key", WithDialer(dialer(live, nil, nil))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	select {
	case m := <-h.Messages():
		if !m.TurnComplete {
			t.Errorf("got %+v, want turnComplete", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	frame := audio.FrameFromSamples([]float32{0.25}, audio.InputSampleRate)
	if err := h.SendAudio(context.Background(), frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	live.mu.Lock()
	sent := live.sent
	live.mu.Unlock()
	if len(sent) != 1 || sent[0].Media == nil || sent[0].Media.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestSession_EndStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		end     error
		wantErr bool
	}{
		{name: "clean close", end: &websocket.CloseError{Code: websocket.CloseNormalClosure}, wantErr: false},
		{name: "going away", end: fmt.Errorf("read: %w", &websocket.CloseError{Code: websocket.CloseGoingAway}), wantErr: false},
		{name: "transport error", end: errors.New("connection reset by peer"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			live := newFakeLive()
			live.msgs <- setupComplete()
			h, err := New("key", WithDialer(dialer(live, nil, nil))).Connect(context.Background(), s2s.SessionConfig{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer h.Close()

			live.end <- tt.end
			select {
			case _, ok := <-h.Messages():
				if ok {
					t.Fatal("unexpected message")
				}
			case <-time.After(3 * time.Second):
				t.Fatal("messages not closed")
			}
			if got := h.Err() != nil; got != tt.wantErr {
				t.Errorf("Err = %v, wantErr %v", h.Err(), tt.wantErr)
			}
		})
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.msgs <- setupComplete()
	h, err := New("key", WithDialer(dialer(live, nil, nil))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := h.SendAudio(context.Background(), audio.AudioFrame{}); err == nil {
		t.Error("SendAudio after Close should fail")
	}
	if h.Err() != nil {
		t.Errorf("Err after local close = %v", h.Err())
	}
}
