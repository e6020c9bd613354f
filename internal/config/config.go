// Package config provides the configuration schema, loader, file watcher and
// realtime provider registry for the Nimbus relay.
package config

import "time"

// LogLevel controls log verbosity for the Nimbus server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LeaseBackend selects where panel device leases are held.
type LeaseBackend string

const (
	// LeaseMemory keeps leases in-process. Only safe with a single replica.
	LeaseMemory LeaseBackend = "memory"

	// LeaseRedis holds leases in Redis so that replicas exclude each other.
	LeaseRedis LeaseBackend = "redis"
)

// IsValid reports whether b is a recognised lease backend.
func (b LeaseBackend) IsValid() bool {
	return b == LeaseMemory || b == LeaseRedis
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultRealtimeProvider    = "gemini-live"
	DefaultLiveModel           = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice               = "Zephyr"
	DefaultSpeechModel         = "gemini-2.5-flash-preview-tts"
	DefaultTranscriptionModel  = "gemini-3-flash-preview"
	DefaultTranscriptionPrompt = "Transcribe this audio precisely. Use professional formatting."
	DefaultInspectionModel     = "gemini-3-flash-preview"
	DefaultReasoningModel      = "gemini-3-pro-preview"
	DefaultLeaseTTL            = 30 * time.Second
	DefaultLeasePrefix         = "nimbus:lease:"
)

// Config is the root configuration structure for Nimbus.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Relay     RelayConfig     `yaml:"relay"`
	Lease     LeaseConfig     `yaml:"lease"`
	Panels    []PanelConfig   `yaml:"panels"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins restricts which browser origins may open live sockets.
	// Empty allows same-host origins only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the hosted model backends.
type ProvidersConfig struct {
	// Realtime selects the bidirectional live session backend.
	Realtime ProviderEntry `yaml:"realtime"`

	// Studio configures the one-shot speech and transcription features.
	Studio StudioConfig `yaml:"studio"`
}

// ProviderEntry is the configuration block of a realtime provider. Name is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini-live",
	// "genai-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the hosted API. Falls back to
	// GEMINI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the default live model; panels may override it.
	Model string `yaml:"model"`

	// Keepalive is the ping interval on the live socket. Zero uses the
	// provider default.
	Keepalive time.Duration `yaml:"keepalive"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// StudioConfig configures one-shot generation.
type StudioConfig struct {
	APIKey              string `yaml:"api_key"`
	SpeechModel         string `yaml:"speech_model"`
	TranscriptionModel  string `yaml:"transcription_model"`
	TranscriptionPrompt string `yaml:"transcription_prompt"`
	Voice               string `yaml:"voice"`

	// InspectionModel reads roof photos; ReasoningModel backs the
	// search-grounded storm check and chat.
	InspectionModel string `yaml:"inspection_model"`
	ReasoningModel  string `yaml:"reasoning_model"`
}

// RelayConfig tunes session behaviour.
type RelayConfig struct {
	// ConnectRetries is the number of extra dial attempts after the first
	// failure. Zero disables retry.
	ConnectRetries int `yaml:"connect_retries"`

	// RetryInitial and RetryMax bound the exponential backoff between dial
	// attempts.
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`

	// PreOpenBuffer is the number of captured frames kept while the session
	// is connecting. Zero discards them.
	PreOpenBuffer int `yaml:"pre_open_buffer"`

	// BreakerMaxFailures and BreakerResetTimeout configure the circuit
	// breaker around provider dials.
	BreakerMaxFailures  int           `yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// LeaseConfig selects and configures the device lease backend.
type LeaseConfig struct {
	Backend       LeaseBackend  `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	TTL           time.Duration `yaml:"ttl"`
	Prefix        string        `yaml:"prefix"`
}

// PanelConfig is a live panel preset. Every session started on the panel
// uses its model, voice and system instruction.
type PanelConfig struct {
	Name         string `yaml:"name"`
	Title        string `yaml:"title"`
	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}

// DefaultPanels returns the built-in panel presets.
func DefaultPanels() []PanelConfig {
	return []PanelConfig{
		{
			Name:         "vocal-core",
			Title:        "Vocal Core",
			Model:        DefaultLiveModel,
			Voice:        DefaultVoice,
			Instructions: "You are the Nimbus IQ Vocal Core. Sophisticated, factual, authoritative. You eliminate human clerical latency with intelligence.",
		},
		{
			Name:         "architecture",
			Title:        "Architecture Mapping",
			Model:        DefaultLiveModel,
			Voice:        DefaultVoice,
			Instructions: "You are the AAMA Architecture Mapping Agent. Brainstorm technical stacks. Use Spanner, AlloyDB, and GKE as defaults. Speak in technical architect tone.",
		},
	}
}

// Panel returns the preset named name.
func (c *Config) Panel(name string) (PanelConfig, bool) {
	for _, p := range c.Panels {
		if p.Name == name {
			return p, true
		}
	}
	return PanelConfig{}, false
}

// ApplyDefaults fills unset fields. Panels inherit the realtime model and
// the default voice when they name none.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	rt := &cfg.Providers.Realtime
	if rt.Name == "" {
		rt.Name = DefaultRealtimeProvider
	}
	if rt.Model == "" {
		rt.Model = DefaultLiveModel
	}

	st := &cfg.Providers.Studio
	if st.SpeechModel == "" {
		st.SpeechModel = DefaultSpeechModel
	}
	if st.TranscriptionModel == "" {
		st.TranscriptionModel = DefaultTranscriptionModel
	}
	if st.TranscriptionPrompt == "" {
		st.TranscriptionPrompt = DefaultTranscriptionPrompt
	}
	if st.Voice == "" {
		st.Voice = DefaultVoice
	}
	if st.InspectionModel == "" {
		st.InspectionModel = DefaultInspectionModel
	}
	if st.ReasoningModel == "" {
		st.ReasoningModel = DefaultReasoningModel
	}

	if cfg.Relay.RetryInitial == 0 {
		cfg.Relay.RetryInitial = time.Second
	}
	if cfg.Relay.RetryMax == 0 {
		cfg.Relay.RetryMax = 30 * time.Second
	}

	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = LeaseMemory
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = DefaultLeaseTTL
	}
	if cfg.Lease.Prefix == "" {
		cfg.Lease.Prefix = DefaultLeasePrefix
	}

	if len(cfg.Panels) == 0 {
		cfg.Panels = DefaultPanels()
	}
	for i := range cfg.Panels {
		p := &cfg.Panels[i]
		if p.Model == "" {
			p.Model = rt.Model
		}
		if p.Voice == "" {
			p.Voice = DefaultVoice
		}
		if p.Title == "" {
			p.Title = p.Name
		}
	}
}
