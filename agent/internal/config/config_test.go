package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulloo/countdown3d/internal/logging"
)

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := Load(writeFile(t, content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	cfg := loadFromString(t, `
agent:
  server_url: "wss://countdown.example.com/ws"
  reconnect_delay: 3s
  log_level: debug
  ping:
    enabled: true
    lat: 31.23
    lng: 121.47
    interval: 2m
`)
	a := cfg.Agent
	if a.ServerURL != "wss://countdown.example.com/ws" {
		t.Errorf("server_url: got %q", a.ServerURL)
	}
	if a.ReconnectDelay != 3*time.Second {
		t.Errorf("reconnect_delay: got %v", a.ReconnectDelay)
	}
	if !a.Ping.Enabled || a.Ping.Lat != 31.23 || a.Ping.Lng != 121.47 {
		t.Errorf("ping: got %+v", a.Ping)
	}
	if a.Ping.Interval != 2*time.Minute {
		t.Errorf("ping.interval: got %v", a.Ping.Interval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "server:\n  http_port: 3001\n")
	if cfg.Agent.ServerURL != DefaultServerURL {
		t.Errorf("server_url: got %q, want %q", cfg.Agent.ServerURL, DefaultServerURL)
	}
	if cfg.Agent.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("reconnect_delay: got %v, want %v", cfg.Agent.ReconnectDelay, DefaultReconnectDelay)
	}
	if cfg.Agent.Ping.Enabled {
		t.Error("ping.enabled: got true, want false")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name, yaml, want string
	}{
		{"http scheme", "agent:\n  server_url: http://localhost/ws\n", "scheme"},
		{"zero delay", "agent:\n  reconnect_delay: 0s\n", "reconnect_delay"},
		{"bad level", "agent:\n  log_level: chatty\n", "log_level"},
		{"lat out of range", "agent:\n  ping:\n    enabled: true\n    lat: 91\n", "ping.lat"},
		{"lng out of range", "agent:\n  ping:\n    enabled: true\n    lng: -200\n", "ping.lng"},
		{"negative interval", "agent:\n  ping:\n    interval: -1s\n", "ping.interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatch_CallsOnChange(t *testing.T) {
	p := writeFile(t, "agent:\n  log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 4)
	go Watch(ctx, p, logging.Discard(), func(c *Config) { changed <- c }) //nolint:errcheck

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(p, []byte("agent:\n  log_level: warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Agent.LogLevel == "warn" {
				return
			}
		case <-deadline:
			t.Fatal("onChange not called")
		}
	}
}
