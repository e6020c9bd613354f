package gateway

import "github.com/nimbusiq/nimbus/internal/studio"

// Client → server message types.
const (
	typeStart = "start"
	typeAudio = "audio"
	typeStop  = "stop"
)

// Server → client message types.
const (
	typeStatus     = "status"
	typeTranscript = "transcript"
	typeHalt       = "halt"
	typeError      = "error"
)

// Error codes carried by error messages.
const (
	CodeInvalidMessage   = "invalid_message"
	CodePermissionDenied = "permission_denied"
	CodePanelBusy        = "panel_busy"
	CodeConnectionFailed = "connection_failed"
	CodeDropped          = "dropped"
	CodeInternal         = "internal"
)

// clientMessage is any JSON message a client sends on the live socket.
//
// start may declare the format of the audio that follows, and denied when the
// browser refused the microphone. audio carries base64 PCM16 in data; binary
// WebSocket frames carry raw little-endian float32 samples instead.
type clientMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Denied     bool   `json:"denied,omitempty"`
}

type statusMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

type transcriptMessage struct {
	Type string `json:"type"`
	// Kind is "partial" while the turn accumulates and "turn" once complete.
	Kind  string `json:"kind"`
	User  string `json:"user"`
	Model string `json:"model"`
}

type audioMessage struct {
	Type       string  `json:"type"`
	Data       string  `json:"data"`
	MIMEType   string  `json:"mimeType"`
	StartMs    float64 `json:"startMs"`
	DurationMs float64 `json:"durationMs"`
}

type haltMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newError(code, msg string) errorMessage {
	return errorMessage{Type: typeError, Code: code, Message: msg}
}

// speechRequest is the body of POST /v1/speech.
type speechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// stormRequest is the body of POST /v1/storm-validations. Date is
// YYYY-MM-DD.
type stormRequest struct {
	Address string `json:"address"`
	Date    string `json:"date"`
}

// chatRequest is the body of POST /v1/chat.
type chatRequest struct {
	History    []studio.ChatTurn `json:"history,omitempty"`
	Message    string            `json:"message"`
	Deliberate bool              `json:"deliberate,omitempty"`
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

type panelInfo struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	Model string `json:"model"`
	Voice string `json:"voice"`
}
