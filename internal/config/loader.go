package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by [LoadFromReader].
const (
	EnvAPIKey     = "GEMINI_API_KEY"
	EnvListenAddr = "NIMBUS_LISTEN_ADDR"
	EnvLogLevel   = "NIMBUS_LOG_LEVEL"
	EnvRedisAddr  = "NIMBUS_REDIS_ADDR"
)

// ValidProviderNames lists the realtime provider names known to the binary.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"gemini-live", "genai-live"}

var panelName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to the config, if present, is loaded into the
// process environment first; variables already set are not overridden.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		slog.Debug("config: loaded env file", "path", path)
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load %q: %w", path, err)
}

// LoadFromReader decodes a YAML config from r, overlays the process
// environment, applies defaults and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	return decode(r, os.LookupEnv)
}

func decode(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, lookup)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. The API key only fills
// empty fields; the NIMBUS_* variables override the file.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if key, ok := lookup(EnvAPIKey); ok && key != "" {
		if cfg.Providers.Realtime.APIKey == "" {
			cfg.Providers.Realtime.APIKey = key
		}
		if cfg.Providers.Studio.APIKey == "" {
			cfg.Providers.Studio.APIKey = key
		}
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		cfg.Lease.RedisAddr = v
		if cfg.Lease.Backend == "" {
			cfg.Lease.Backend = LeaseRedis
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	rt := cfg.Providers.Realtime
	if rt.Name == "" {
		errs = append(errs, errors.New("providers.realtime.name is required"))
	} else if !slices.Contains(ValidProviderNames, rt.Name) {
		slog.Warn("unknown realtime provider name; may be a typo or third-party provider",
			"name", rt.Name,
			"known", ValidProviderNames,
		)
	}
	if rt.Keepalive < 0 {
		errs = append(errs, fmt.Errorf("providers.realtime.keepalive %s must not be negative", rt.Keepalive))
	}
	if rt.APIKey == "" {
		slog.Warn("providers.realtime.api_key is empty and GEMINI_API_KEY is not set; live sessions will fail to connect")
	}

	// Relay
	if cfg.Relay.ConnectRetries < 0 {
		errs = append(errs, fmt.Errorf("relay.connect_retries %d must not be negative", cfg.Relay.ConnectRetries))
	}
	if cfg.Relay.PreOpenBuffer < 0 {
		errs = append(errs, fmt.Errorf("relay.pre_open_buffer %d must not be negative", cfg.Relay.PreOpenBuffer))
	}
	if cfg.Relay.RetryInitial > cfg.Relay.RetryMax {
		errs = append(errs, fmt.Errorf("relay.retry_initial %s exceeds relay.retry_max %s", cfg.Relay.RetryInitial, cfg.Relay.RetryMax))
	}
	if cfg.Relay.BreakerMaxFailures < 0 {
		errs = append(errs, fmt.Errorf("relay.breaker_max_failures %d must not be negative", cfg.Relay.BreakerMaxFailures))
	}

	// Lease
	if !cfg.Lease.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("lease.backend %q is invalid; valid values: memory, redis", cfg.Lease.Backend))
	}
	if cfg.Lease.Backend == LeaseRedis && cfg.Lease.RedisAddr == "" {
		errs = append(errs, errors.New("lease.redis_addr is required when lease.backend is redis"))
	}
	if cfg.Lease.TTL < 0 {
		errs = append(errs, fmt.Errorf("lease.ttl %s must not be negative", cfg.Lease.TTL))
	}

	// Panels
	seen := make(map[string]int, len(cfg.Panels))
	for i, p := range cfg.Panels {
		prefix := fmt.Sprintf("panels[%d]", i)
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case !panelName.MatchString(p.Name):
			errs = append(errs, fmt.Errorf("%s.name %q must be lowercase letters, digits and dashes", prefix, p.Name))
		default:
			if prev, ok := seen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of panels[%d]", prefix, p.Name, prev))
			}
			seen[p.Name] = i
		}
		if p.Instructions == "" {
			slog.Warn("panel has no instructions; the model will use its default persona", "panel", p.Name)
		}
	}

	return errors.Join(errs...)
}
