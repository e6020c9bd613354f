package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nimbusiq/nimbus/internal/config"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "partial tls",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\n",
			wantErr: []string{"cert_file and key_file"},
		},
		{
			name:    "negative retries and buffer",
			yaml:    "relay:\n  connect_retries: -1\n  pre_open_buffer: -2\n",
			wantErr: []string{"relay.connect_retries", "relay.pre_open_buffer"},
		},
		{
			name:    "inverted backoff",
			yaml:    "relay:\n  retry_initial: 10s\n  retry_max: 1s\n",
			wantErr: []string{"relay.retry_initial"},
		},
		{
			name:    "redis without address",
			yaml:    "lease:\n  backend: redis\n",
			wantErr: []string{"lease.redis_addr"},
		},
		{
			name:    "unknown lease backend",
			yaml:    "lease:\n  backend: etcd\n",
			wantErr: []string{"lease.backend"},
		},
		{
			name: "duplicate and malformed panels",
			yaml: `
panels:
  - name: vocal-core
  - name: vocal-core
  - name: "Bad Name"
  - instructions: "nameless"
`,
			wantErr: []string{"duplicate", "lowercase", "panels[3].name is required"},
		},
		{
			name: "valid",
			yaml: "relay:\n  connect_retries: 2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(config.EnvRedisAddr, "")
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestLoad_ReadsDotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "server:\n  log_level: info\n")
	writeFile(t, filepath.Join(dir, ".env"), "GEMINI_API_KEY=dotenv-key\n")

	// t.Setenv registers restoration; unset so godotenv may fill it.
	t.Setenv(config.EnvAPIKey, "")
	os.Unsetenv(config.EnvAPIKey)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Realtime.APIKey != "dotenv-key" {
		t.Errorf("api_key = %q, want value from .env", cfg.Providers.Realtime.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "nope.yaml") {
		t.Errorf("error should name the file, got: %v", err)
	}
}
