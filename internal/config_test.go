package internal

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/bedrock/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Index.Workers != 4 || cfg.Index.Debounce != 150*time.Millisecond {
		t.Errorf("index defaults = %+v", cfg.Index)
	}
	if cfg.Resolution.TieBreak != "shortest-path" {
		t.Errorf("tie break default = %q", cfg.Resolution.TieBreak)
	}
}

func TestConfigRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"workers zero", func(c *Config) { c.Index.Workers = 0 }, true},
		{"workers too many", func(c *Config) { c.Index.Workers = 65 }, true},
		{"workers max", func(c *Config) { c.Index.Workers = 64 }, false},
		{"negative debounce", func(c *Config) { c.Index.Debounce = -time.Millisecond }, true},
		{"zero debounce", func(c *Config) { c.Index.Debounce = 0 }, false},
		{"lexicographic", func(c *Config) { c.Resolution.TieBreak = "lexicographic" }, false},
		{"unknown tie break", func(c *Config) { c.Resolution.TieBreak = "newest" }, true},
		{"no history", func(c *Config) { c.Editor.History = 0 }, true},
		{"bad port", func(c *Config) { c.App.HTTP.Port = 70000 }, true},
		{"no vault", func(c *Config) { c.Vault.Path = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("BEDROCK_TEST_TOKEN", "s3cret")
	yaml := `
app:
  log_level: debug
  http:
    port: 9090
vault:
  path: /tmp/vault
auth:
  mode: token
  token: ${BEDROCK_TEST_TOKEN}
index:
  workers: 8
  debounce: 250ms
resolution:
  tie_break: lexicographic
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := config.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.App.LogLevel != slog.LevelDebug {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Auth.Token != "s3cret" {
		t.Errorf("token = %q, want env expansion", cfg.Auth.Token)
	}
	if cfg.Index.Workers != 8 || cfg.Index.Debounce != 250*time.Millisecond {
		t.Errorf("index = %+v", cfg.Index)
	}
	if cfg.Resolution.TieBreak != "lexicographic" {
		t.Errorf("resolution = %+v", cfg.Resolution)
	}
	// Unset keys keep their defaults.
	if cfg.SQLite.Path != "./bedrock.db" || cfg.Editor.History != 256 {
		t.Errorf("defaults lost: sqlite=%q history=%d", cfg.SQLite.Path, cfg.Editor.History)
	}
}
