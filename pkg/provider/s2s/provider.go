// Package s2s defines the Provider interface for realtime speech-to-speech
// backends.
//
// An S2S provider wraps a hosted bidirectional voice session: captured PCM
// frames go up, and synthesised audio plus transcript fragments come back as a
// single ordered stream of [Message] values. The relay consumes that stream
// from one goroutine, so providers must deliver messages in the order the
// remote produced them.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"

	"github.com/nimbusiq/nimbus/pkg/audio"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model is the provider model name without any "models/" prefix. Empty
	// selects the provider default.
	Model string

	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// InputTranscription asks the remote to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the remote to transcribe its own speech.
	OutputTranscription bool
}

// AudioChunk is one inline audio payload from the remote, still encoded.
type AudioChunk struct {
	// MIMEType is the payload type, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Data is base64-encoded PCM16. Decoding is left to the consumer so that a
	// malformed chunk can be dropped without ending the session.
	Data string
}

// Message is one inbound server message. Fields are applied by the consumer
// in declaration order: transcripts, then audio, then interruption, then turn
// completion.
type Message struct {
	InputText    string
	OutputText   string
	Audio        []AudioChunk
	Interrupted  bool
	TurnComplete bool
}

// Empty reports whether m carries nothing the relay acts on.
func (m Message) Empty() bool {
	return m.InputText == "" && m.OutputText == "" && len(m.Audio) == 0 && !m.Interrupted && !m.TurnComplete
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate the remote expects for SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of inbound audio chunks.
	OutputSampleRate int

	// MaxSessionDuration is the provider-imposed session limit. Zero means no
	// documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that
// tests can supply mock sessions without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one captured frame to the remote. Frames must be sent
	// in capture order.
	SendAudio(ctx context.Context, frame audio.AudioFrame) error

	// Messages returns the inbound message stream. The channel is closed when
	// the session ends for any reason; call Err afterwards to learn whether the
	// end was clean.
	Messages() <-chan Message

	// Err returns the transport or protocol error that ended the session, or
	// nil if the remote closed it cleanly or Close was called.
	Err() error

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a new session and returns once the remote has
	// acknowledged the setup. Cancelling ctx aborts the handshake.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// DefaultVoices are the prebuilt voices offered by the Gemini Live models.
var DefaultVoices = []string{"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus"}
