package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultServerURL      = "ws://localhost:3001/ws"
	DefaultReconnectDelay = 5 * time.Second
	DefaultLogLevel       = "info"
)

// Config is the top-level configuration file. The `server:` key in the same
// file is ignored by the agent.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ServerURL is the WebSocket endpoint of countdown3d-server.
	ServerURL string `yaml:"server_url"`

	// ReconnectDelay is the fixed wait before reconnecting after a drop.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// LogLevel is one of debug | info | warn | error. Reloaded live.
	LogLevel string `yaml:"log_level"`

	// Ping is the location this agent reports. Reloaded live.
	Ping PingConfig `yaml:"ping"`
}

// PingConfig describes the agent's own position report.
type PingConfig struct {
	// Enabled turns reporting on. Without it the agent only watches.
	Enabled bool `yaml:"enabled"`

	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`

	// Interval re-sends the ping so it stays inside the server's retention
	// window. Zero sends once per connection.
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaults()
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ServerURL:      DefaultServerURL,
			ReconnectDelay: DefaultReconnectDelay,
			LogLevel:       DefaultLogLevel,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerURL == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	u, err := url.Parse(a.ServerURL)
	if err != nil {
		return fmt.Errorf("agent.server_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("agent.server_url %q: scheme must be ws or wss", a.ServerURL)
	}
	if a.ReconnectDelay <= 0 {
		return fmt.Errorf("agent.reconnect_delay must be positive")
	}
	switch a.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level %q unknown: want debug|info|warn|error", a.LogLevel)
	}
	if a.Ping.Enabled {
		if a.Ping.Lat < -90 || a.Ping.Lat > 90 {
			return fmt.Errorf("agent.ping.lat %v is out of range [-90, 90]", a.Ping.Lat)
		}
		if a.Ping.Lng < -180 || a.Ping.Lng > 180 {
			return fmt.Errorf("agent.ping.lng %v is out of range [-180, 180]", a.Ping.Lng)
		}
	}
	if a.Ping.Interval < 0 {
		return fmt.Errorf("agent.ping.interval must not be negative")
	}
	return nil
}
