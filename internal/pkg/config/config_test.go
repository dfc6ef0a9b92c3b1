package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Relay.DiscoveryAttempts != 10 || cfg.Relay.DiscoveryInterval != time.Second {
			t.Errorf("discovery = %d/%v, want 10/1s", cfg.Relay.DiscoveryAttempts, cfg.Relay.DiscoveryInterval)
		}
		if cfg.Relay.ToolAttempts != 3 {
			t.Errorf("tool attempts = %d, want 3", cfg.Relay.ToolAttempts)
		}
		if cfg.Relay.MaxRunDuration != 10*time.Minute {
			t.Errorf("max run duration = %v, want 10m", cfg.Relay.MaxRunDuration)
		}
		if cfg.Pricing.CreditPrice != "0.02" || cfg.Pricing.ImageSurcharge != 2 {
			t.Errorf("pricing = %+v", cfg.Pricing)
		}
		if cfg.Storage.Driver != "sqlite" {
			t.Errorf("storage driver = %q, want sqlite", cfg.Storage.Driver)
		}
	})

	t.Run("file values and env override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		yaml := `
server:
  port: 9100
assistant:
  api_key: ${TEST_RELAY_ASSISTANT_KEY}
  assistant_id: asst_cine
relay:
  poll_interval: 250ms
tenants:
  - id: studio-a
    name: Studio A
    api_keys:
      - key_hash: abc123
`
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("TEST_RELAY_ASSISTANT_KEY", "sk-secret")
		t.Setenv("RELAY_SERVER__PORT", "9200")

		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if cfg.Server.Port != 9200 {
			t.Errorf("port = %d, want env override 9200", cfg.Server.Port)
		}
		if cfg.Assistant.APIKey != "sk-secret" {
			t.Errorf("api key = %q, want substituted value", cfg.Assistant.APIKey)
		}
		if cfg.Assistant.AssistantID != "asst_cine" {
			t.Errorf("assistant id = %q", cfg.Assistant.AssistantID)
		}
		if cfg.Relay.PollInterval != 250*time.Millisecond {
			t.Errorf("poll interval = %v", cfg.Relay.PollInterval)
		}
		if len(cfg.Tenants) != 1 || cfg.Tenants[0].APIKeys[0].KeyHash != "abc123" {
			t.Errorf("tenants = %+v", cfg.Tenants)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Error("LoadFile() error = nil, want parse error")
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "${TEST_VAR}", "test-value"},
		{"embedded", "postgres://u:${TEST_VAR}@db/relay", "postgres://u:test-value@db/relay"},
		{"unset variable", "${TEST_UNSET_VAR_XYZ}", ""},
		{"no substitution", "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
