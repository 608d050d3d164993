// Package config loads relay and client settings from defaults, an optional
// YAML file and the environment, in that order.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of both binaries.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the relay.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Metrics        bool     `yaml:"metrics"`
	QueueSize      int      `yaml:"queue_size"`
	// MaxMessageSize is the largest inbound websocket message in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	SimulatedReplies bool          `yaml:"simulated_replies"`
	ReplyMinDelay    time.Duration `yaml:"reply_min_delay"`
	ReplyMaxDelay    time.Duration `yaml:"reply_max_delay"`

	// RateLimit is in events per second per socket; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	URL             string        `yaml:"url"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	TypingStopDelay time.Duration `yaml:"typing_stop_delay"`
	TypingTTL       time.Duration `yaml:"typing_ttl"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Addr returns the relay listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:             3002,
			AllowedOrigins:   []string{"http://localhost:3001"},
			Metrics:          true,
			QueueSize:        64,
			MaxMessageSize:   64 << 10,
			SimulatedReplies: true,
			ReplyMinDelay:    time.Second,
			ReplyMaxDelay:    3 * time.Second,
			RateLimit:        20,
			RateBurst:        40,
		},
		Client: ClientConfig{
			URL:             "ws://localhost:3002/ws",
			MaxAttempts:     5,
			ReconnectDelay:  time.Second,
			TypingStopDelay: time.Second,
			TypingTTL:       5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); strings.TrimSpace(v) != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_SIMULATED_REPLIES")); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CHAT_SIMULATED_REPLIES %q: %w", v, err)
		}
		cfg.Server.SimulatedReplies = on
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_WEBSOCKET_URL")); v != "" {
		cfg.Client.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if len(c.Server.AllowedOrigins) == 0 {
		return fmt.Errorf("server allowed_origins must not be empty")
	}
	if c.Server.ReplyMaxDelay < c.Server.ReplyMinDelay {
		return fmt.Errorf("server reply_max_delay %s is below reply_min_delay %s", c.Server.ReplyMaxDelay, c.Server.ReplyMinDelay)
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server max_message_size must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate_limit must not be negative")
	}
	if c.Client.URL == "" {
		return fmt.Errorf("client url must not be empty")
	}
	if c.Client.MaxAttempts < 1 {
		return fmt.Errorf("client max_attempts must be at least 1")
	}
	return nil
}
