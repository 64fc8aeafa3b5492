package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort         = 3001
	DefaultWSPath           = "/ws"
	DefaultLogLevel         = "info"
	DefaultRetention        = 5 * time.Minute
	DefaultSweepInterval    = 60 * time.Second
	DefaultSendBuffer       = 16
	DefaultDedupMode        = DedupOff
	DefaultMinDistanceKm    = 50.0
	DefaultPersistTimeout   = 3 * time.Second
	DefaultConnectAttempts  = 3
	DefaultConnectDelay     = time.Second
	DefaultPersistQueueSize = 256
)

// Dedup modes.
const (
	DedupOff    = "off"
	DedupReject = "reject"
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and WebSocket hub listen on (default 3001).
	HTTPPort int `yaml:"http_port" validate:"min=1,max=65535"`

	// WSPath is where the WebSocket endpoint is mounted (default /ws).
	WSPath string `yaml:"ws_path" validate:"required,startswith=/"`

	// LogLevel is one of debug | info | warn | error. Reloaded live.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Store       StoreConfig       `yaml:"store"`
	Hub         HubConfig         `yaml:"hub"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// StoreConfig controls in-memory position retention.
type StoreConfig struct {
	// Retention is how long a position stays in the store. Default: 5m.
	Retention time.Duration `yaml:"retention" validate:"gt=0"`

	// SweepInterval is how often expired positions are evicted when no new
	// reports arrive. Default: 60s. Reloaded live.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// HubConfig tunes per-connection behaviour.
type HubConfig struct {
	// SendBuffer is the outgoing frame buffer depth per client (default 16).
	SendBuffer int `yaml:"send_buffer" validate:"min=1"`

	// ReadLimit caps a single incoming frame in bytes; 0 uses the hub default.
	ReadLimit int64 `yaml:"read_limit" validate:"gte=0"`

	// IngestRate is the sustained reports per second allowed per connection.
	// 0 disables limiting.
	IngestRate  float64 `yaml:"ingest_rate" validate:"gte=0"`
	IngestBurst int     `yaml:"ingest_burst" validate:"gte=0"`
}

// DedupConfig controls the proximity filter. Reloaded live.
type DedupConfig struct {
	// Mode is "off" (advisory only) or "reject".
	Mode string `yaml:"mode" validate:"oneof=off reject"`

	// MinDistanceKm is the proximity threshold (default 50).
	MinDistanceKm float64 `yaml:"min_distance_km" validate:"gt=0"`
}

// Reject reports whether too-close reports are refused.
func (d DedupConfig) Reject() bool { return d.Mode == DedupReject }

// PersistenceConfig selects and tunes the durable store.
type PersistenceConfig struct {
	// URI selects the backend by scheme: memory://, file://, sqlite://,
	// postgres://, mongodb://. Empty disables persistence.
	URI string `yaml:"uri"`

	// URIEnv names an environment variable holding the URI. When set and
	// non-empty in the environment it overrides URI, keeping credentials out
	// of the file.
	URIEnv string `yaml:"uri_env"`

	// Timeout bounds each append (default 3s).
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// ConnectAttempts and ConnectDelay form the startup retry policy
	// (default 3 attempts, 1s apart).
	ConnectAttempts int           `yaml:"connect_attempts" validate:"min=1"`
	ConnectDelay    time.Duration `yaml:"connect_delay" validate:"gte=0"`

	// QueueSize is the number of appends buffered while the backend is slow.
	QueueSize int `yaml:"queue_size" validate:"min=1"`

	// RequireInitialLoad makes a failed connect or startup load fatal.
	// When false the server starts with an empty store instead.
	RequireInitialLoad bool `yaml:"require_initial_load"`
}

// EffectiveURI returns the persistence URI, preferring the environment.
func (p PersistenceConfig) EffectiveURI() string {
	if p.URIEnv != "" {
		if v := os.Getenv(p.URIEnv); v != "" {
			return v
		}
	}
	return p.URI
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
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
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			WSPath:   DefaultWSPath,
			LogLevel: DefaultLogLevel,
			Store: StoreConfig{
				Retention:     DefaultRetention,
				SweepInterval: DefaultSweepInterval,
			},
			Hub: HubConfig{
				SendBuffer: DefaultSendBuffer,
			},
			Dedup: DedupConfig{
				Mode:          DefaultDedupMode,
				MinDistanceKm: DefaultMinDistanceKm,
			},
			Persistence: PersistenceConfig{
				Timeout:         DefaultPersistTimeout,
				ConnectAttempts: DefaultConnectAttempts,
				ConnectDelay:    DefaultConnectDelay,
				QueueSize:       DefaultPersistQueueSize,
			},
		},
	}
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their yaml key so errors match the file.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Config.server.http_port"; drop the type name.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		msg := fmt.Sprintf("%s: failed %q", field, fe.Tag())
		if fe.Param() != "" {
			msg += " " + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s (got %v)", msg, fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
