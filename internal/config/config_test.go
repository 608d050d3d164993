package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/omochice/dealroom-chat/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "CHAT_HOST", "CHAT_ALLOWED_ORIGINS", "CHAT_SIMULATED_REPLIES",
		"CHAT_WEBSOCKET_URL", "CHAT_LOG_LEVEL", "CHAT_LOG_FORMAT"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr() != ":3002" {
		t.Errorf("Addr() = %q, want %q", cfg.Server.Addr(), ":3002")
	}
	if !slices.Equal(cfg.Server.AllowedOrigins, []string{"http://localhost:3001"}) {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Client.URL != "ws://localhost:3002/ws" {
		t.Errorf("Client.URL = %q", cfg.Client.URL)
	}
	if cfg.Client.MaxAttempts != 5 || cfg.Client.ReconnectDelay != time.Second {
		t.Errorf("reconnect = %d attempts every %s, want 5 every 1s", cfg.Client.MaxAttempts, cfg.Client.ReconnectDelay)
	}
	if cfg.Client.TypingStopDelay != time.Second {
		t.Errorf("TypingStopDelay = %s, want 1s", cfg.Client.TypingStopDelay)
	}
	if cfg.Server.MaxMessageSize != 64<<10 {
		t.Errorf("MaxMessageSize = %d, want %d", cfg.Server.MaxMessageSize, 64<<10)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "chat.yaml")
	data := []byte(`
server:
  host: 127.0.0.1
  port: 4000
  allowed_origins: ["https://app.example"]
  simulated_replies: false
  reply_min_delay: 500ms
  reply_max_delay: 2s
client:
  url: ws://relay.example/ws
  reconnect_delay: 250ms
logging:
  level: debug
  format: json
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:4000" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Server.SimulatedReplies {
		t.Error("SimulatedReplies = true, want false from file")
	}
	if cfg.Server.ReplyMinDelay != 500*time.Millisecond {
		t.Errorf("ReplyMinDelay = %s, want 500ms", cfg.Server.ReplyMinDelay)
	}
	if cfg.Client.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("ReconnectDelay = %s, want 250ms", cfg.Client.ReconnectDelay)
	}
	if cfg.Client.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want default 5", cfg.Client.MaxAttempts)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "chat.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "5000")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "http://a.example, http://b.example,")
	t.Setenv("CHAT_SIMULATED_REPLIES", "false")
	t.Setenv("CHAT_WEBSOCKET_URL", "ws://env.example/ws")
	t.Setenv("CHAT_LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Port = %d, want 5000", cfg.Server.Port)
	}
	if !slices.Equal(cfg.Server.AllowedOrigins, []string{"http://a.example", "http://b.example"}) {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.SimulatedReplies {
		t.Error("SimulatedReplies = true, want false from env")
	}
	if cfg.Client.URL != "ws://env.example/ws" {
		t.Errorf("Client.URL = %q", cfg.Client.URL)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "bad port", env: map[string]string{"PORT": "http"}},
		{name: "port out of range", env: map[string]string{"PORT": "70000"}},
		{name: "bad bool", env: map[string]string{"CHAT_SIMULATED_REPLIES": "sometimes"}},
		{name: "inverted reply delays", file: "server:\n  reply_min_delay: 3s\n  reply_max_delay: 1s\n"},
		{name: "no attempts", file: "client:\n  max_attempts: 0\n"},
		{name: "no message size", file: "server:\n  max_message_size: 0\n"},
		{name: "bad yaml", file: "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "chat.yaml")
				if err := os.WriteFile(path, []byte(tt.file), 0o600); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := config.Load(path); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() error = nil for a missing file")
	}
}
