package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/nimbusiq/nimbus/pkg/audio"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// handshake consumes the setup message and acknowledges it.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// idle blocks until the client goes away.
func idle(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	handle, err := newProvider(srv).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func nextMessage(t *testing.T, handle s2s.SessionHandle) s2s.Message {
	t.Helper()
	select {
	case m, ok := <-handle.Messages():
		if !ok {
			t.Fatalf("messages channel closed early (err = %v)", handle.Err())
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
		return s2s.Message{}
	}
}

func waitClosed(t *testing.T, handle s2s.SessionHandle) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-handle.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("messages channel never closed")
		}
	}
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *map[string]any `json:"inputAudioTranscription"`
			OutputAudioTranscription *map[string]any `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		idle(conn)
	})

	connect(t, srv, s2s.SessionConfig{
		Model:               "custom-model",
		Voice:               "Zephyr",
		Instructions:        "You are the vocal core.",
		InputTranscription:  true,
		OutputTranscription: true,
	})

	msg := <-received
	if want := "models/custom-model"; msg.Setup.Model != want {
		t.Errorf("model = %q, want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", got)
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Zephyr" {
		t.Errorf("voiceName = %q, want Zephyr", got)
	}
	if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) == 0 ||
		msg.Setup.SystemInstruction.Parts[0].Text != "You are the vocal core." {
		t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription flags missing from setup")
	}
}

func TestConnect_DefaultModelAndKey(t *testing.T) {
	t.Parallel()

	type result struct {
		query string
		model string
	}
	got := make(chan result, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		got <- result{query: r.URL.RawQuery, model: msg.Setup.Model}
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		idle(conn)
	})

	connect(t, srv, s2s.SessionConfig{})
	r := <-got
	if !strings.Contains(r.query, "key=test-api-key") {
		t.Errorf("URL query %q should contain key=test-api-key", r.query)
	}
	if !strings.HasPrefix(r.model, "models/gemini-") {
		t.Errorf("default model = %q", r.model)
	}
}

func TestConnect_EscapesKeyAndNormalisesModel(t *testing.T) {
	t.Parallel()

	type result struct {
		key   string
		model string
	}
	got := make(chan result, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		got <- result{key: r.URL.Query().Get("key"), model: msg.Setup.Model}
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		idle(conn)
	})

	const key = "k+y/with&odd=chars"
	p := gemini.New(key, gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	handle, err := p.Connect(ctx, s2s.SessionConfig{Model: "models/gemini-live-test"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })

	r := <-got
	if r.key != key {
		t.Errorf("key = %q, want %q", r.key, key)
	}
	if r.model != "models/gemini-live-test" {
		t.Errorf("model = %q, want models/gemini-live-test", r.model)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		idle(conn)
	})

	done := make(chan error, 1)
	go func() {
		h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
		if err == nil {
			_ = h.Close()
		}
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Connect returned before setupComplete")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after setupComplete")
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "API key invalid"}})
		idle(conn)
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err == nil {
		t.Fatal("expected error when setup is rejected")
	}
	if !strings.Contains(err.Error(), "API key invalid") {
		t.Errorf("error %q should carry the remote message", err)
	}
}

func TestConnect_ContextCancelledDuringHandshake(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		idle(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error when ctx expires before setupComplete")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Audio up ──────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesMediaChunk(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	frame := audio.FrameFromSamples([]float32{0.5, -0.5}, audio.InputSampleRate)
	if err := handle.SendAudio(context.Background(), frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("media chunks = %d, want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q, want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(frame.Data) {
			t.Errorf("payload = %v, want %v", got, frame.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	frame := audio.FrameFromSamples([]float32{0}, audio.InputSampleRate)
	if err := handle.SendAudio(context.Background(), frame); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

// ── Server content down ───────────────────────────────────────────────────────

func TestMessages_CarryServerContentInOrder(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "Hel"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "Hi"},
			"modelTurn": map[string]any{"parts": []map[string]any{
				{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
				{"text": "ignored"},
				{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "not base64!"}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	if m := nextMessage(t, handle); m.InputText != "Hel" {
		t.Errorf("first message input = %q, want Hel", m.InputText)
	}
	m := nextMessage(t, handle)
	if m.OutputText != "Hi" {
		t.Errorf("output text = %q, want Hi", m.OutputText)
	}
	if len(m.Audio) != 2 {
		t.Fatalf("audio chunks = %d, want 2", len(m.Audio))
	}
	if m.Audio[1].Data != "not base64!" {
		t.Errorf("malformed payload should pass through untouched, got %q", m.Audio[1].Data)
	}
	if m := nextMessage(t, handle); !m.Interrupted {
		t.Error("third message should be interrupted")
	}
	if m := nextMessage(t, handle); !m.TurnComplete {
		t.Error("fourth message should be turnComplete")
	}
}

func TestMessages_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		cancel()
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if m := nextMessage(t, handle); !m.TurnComplete {
		t.Errorf("got %+v, want turnComplete", m)
	}
}

func TestRemoteClose_Clean(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "1s"}})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	waitClosed(t, handle)
	if err := handle.Err(); err != nil {
		t.Errorf("Err = %v, want nil after clean close", err)
	}
}

func TestRemoteError_EndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	waitClosed(t, handle)
	if err := handle.Err(); err == nil || !strings.Contains(err.Error(), "internal") {
		t.Errorf("Err = %v, want remote error", err)
	}
}

func TestTransportError_EndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	waitClosed(t, handle)
	if handle.Err() == nil {
		t.Error("Err = nil, want transport error")
	}
}

func TestClose_ClosesMessages(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	_ = handle.Close()
	waitClosed(t, handle)
	if err := handle.Err(); err != nil {
		t.Errorf("Err after local Close = %v, want nil", err)
	}
}
