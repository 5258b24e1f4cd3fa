package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trafficiq/trafficiq/pkg/types"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultScrapeInterval = 5 * time.Second
	DefaultShipInterval   = 2 * time.Second
	DefaultBufferSize     = 256
	DefaultMetric         = "trafficiq_detected_vehicles"
	DefaultImageLabel     = "image_ref"
	DefaultAuthHeader     = "x-api-key"
)

// Config is the top-level agent configuration.
type Config struct {
	Log   LogConfig   `yaml:"log"`
	Agent AgentConfig `yaml:"agent"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error. Default info.
	Level string `yaml:"level"`
}

// SlogLevel maps Level to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ServerURL is the base URL of trafficiq-server, e.g. http://localhost:8080.
	ServerURL string `yaml:"server_url"`

	// ScrapeInterval controls how often each detector is polled.
	ScrapeInterval time.Duration `yaml:"scrape_interval"`

	// ShipInterval controls how often buffered reports are sent to the server.
	ShipInterval time.Duration `yaml:"ship_interval"`

	// BufferSize is the maximum number of lane reports held in memory when
	// the server is unreachable.
	BufferSize int `yaml:"buffer_size"`

	// Sources is the list of detectors to poll, one per lane.
	Sources []Source `yaml:"sources"`

	// ServerAuth configures how the agent authenticates to trafficiq-server.
	// Only apikey and none are meaningful here.
	ServerAuth AuthConfig `yaml:"server_auth"`
}

// Source describes one detector feeding one lane.
type Source struct {
	// ID is a unique, human-readable identifier for this source.
	ID string `yaml:"id"`

	// Direction is the lane this detector watches: north | east | south | west.
	Direction string `yaml:"direction"`

	// Endpoint is the full URL of the detector's Prometheus metrics endpoint.
	Endpoint string `yaml:"endpoint"`

	// Metric is the family holding the vehicle count. Samples are summed,
	// so per-class series (car, bus, truck) add up to the lane total.
	Metric string `yaml:"metric"`

	// ImageLabel is the label carrying the reference to the analysed frame.
	ImageLabel string `yaml:"image_label"`

	// Auth configures how the agent authenticates to this detector.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// Lane returns the parsed Direction. Valid after Load.
func (s Source) Lane() types.Direction {
	d, err := types.ParseDirection(s.Direction)
	if err != nil {
		return types.NoDirection
	}
	return d
}

// AuthConfig specifies an authentication mode.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header the API key is sent in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv holds the bearer token, used when Mode == "bearer".
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth username (safe to store in config).
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAuthHeader
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	for i := range cfg.Agent.Sources {
		src := &cfg.Agent.Sources[i]
		if src.Metric == "" {
			src.Metric = DefaultMetric
		}
		if src.ImageLabel == "" {
			src.ImageLabel = DefaultImageLabel
		}
		if src.Auth.Mode == "apikey" && src.Auth.Header == "" {
			src.Auth.Header = DefaultAuthHeader
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Agent: AgentConfig{
			ScrapeInterval: DefaultScrapeInterval,
			ShipInterval:   DefaultShipInterval,
			BufferSize:     DefaultBufferSize,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerURL == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	if u, err := url.Parse(a.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("agent.server_url %q must be an http(s) URL", a.ServerURL)
	}
	if a.ScrapeInterval <= 0 {
		return fmt.Errorf("agent.scrape_interval must be positive")
	}
	if a.ShipInterval <= 0 {
		return fmt.Errorf("agent.ship_interval must be positive")
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	switch a.ServerAuth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("agent.server_auth.mode %q unknown: want apikey|none", a.ServerAuth.Mode)
	}

	ids := make(map[string]bool, len(a.Sources))
	lanes := make(map[types.Direction]string, types.NumDirections)
	for i, src := range a.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if ids[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		ids[src.ID] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		d, err := types.ParseDirection(src.Direction)
		if err != nil {
			return fmt.Errorf("sources[%d] %q: %w", i, src.ID, err)
		}
		if other, ok := lanes[d]; ok {
			return fmt.Errorf("sources[%d] %q: lane %s is already fed by %q", i, src.ID, d, other)
		}
		lanes[d] = src.ID
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
	}
	return nil
}
