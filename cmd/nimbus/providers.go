package main

import (
	"log/slog"
	"time"

	"github.com/nimbusiq/nimbus/internal/config"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
	geminilive "github.com/nimbusiq/nimbus/pkg/provider/s2s/gemini"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s/genailive"
)

// registerBuiltinProviders wires the realtime provider factories that ship
// with Nimbus into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// gemini-live speaks BidiGenerateContent directly over a WebSocket.
	reg.RegisterRealtime("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if entry.Keepalive > 0 {
			opts = append(opts, geminilive.WithKeepalive(entry.Keepalive))
		} else if optBool(entry.Options, "disable_keepalive") {
			opts = append(opts, geminilive.WithKeepalive(time.Duration(0)))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// genai-live goes through the official SDK's live client.
	reg.RegisterRealtime("genai-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			slog.Warn("genai-live ignores base_url", "base_url", entry.BaseURL)
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "realtime", "name", name)
	}
}

// optBool extracts a bool value from a provider Options map[string]any.
// Returns false if the map is nil, the key is absent, or the value is not a
// bool.
func optBool(opts map[string]any, key string) bool {
	v, ok := opts[key].(bool)
	return ok && v
}
