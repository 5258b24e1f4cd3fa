package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trafficiq/trafficiq/pkg/types"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort         = 8080
	DefaultAuthHeader       = "x-api-key"
	DefaultReportsPerSecond = 20
	DefaultBurst            = 40
	DefaultBaseDuration     = 20
	DefaultUnit             = time.Second
	DefaultBackoff          = 5
	DefaultStopTimeout      = 5
	DefaultHeartbeat        = 5 * time.Second
	DefaultStoragePath      = "data/history"
	DefaultBufferSize       = 256
	DefaultWriteTimeout     = 5 * time.Second
)

// Storage backends.
const (
	BackendBadger = "badger"
	BackendInflux = "influx"
	BackendNone   = "none"
)

// Config is the full server configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Signal  SignalConfig  `yaml:"signal"`
	Notify  NotifyConfig  `yaml:"notify"`
	Storage StorageConfig `yaml:"storage"`
	Alerts  AlertsConfig  `yaml:"alerts"`
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

// ServerConfig holds the listener settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on.
	HTTPPort int `yaml:"http_port"`

	// Auth protects the mutating REST routes.
	Auth AuthConfig `yaml:"auth"`

	// RateLimit bounds lane report intake.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// ImageDir holds the frames detectors reference in image_reference.
	// Empty disables image serving.
	ImageDir string `yaml:"image_dir"`
}

// AuthConfig controls client authentication on mutating routes.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAuthHeader
}

// RateLimitConfig is a token bucket over lane report requests.
// ReportsPerSecond <= 0 disables limiting.
type RateLimitConfig struct {
	ReportsPerSecond float64 `yaml:"reports_per_second"`
	Burst            int     `yaml:"burst"`
}

// SignalConfig holds the scheduler timing. Counts are in units.
type SignalConfig struct {
	BaseDuration int           `yaml:"base_duration"`
	Unit         time.Duration `yaml:"unit"`
	Backoff      int           `yaml:"backoff"`
	StopTimeout  int           `yaml:"stop_timeout"`
}

// NotifyConfig controls the WebSocket channel.
type NotifyConfig struct {
	// Heartbeat is how often the current snapshot is re-broadcast.
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// StorageConfig selects and configures the history backend.
type StorageConfig struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`
	BufferSize   int           `yaml:"buffer_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Influx       InfluxConfig  `yaml:"influx"`
}

// InfluxConfig locates the InfluxDB bucket for the influx backend.
type InfluxConfig struct {
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
	Org      string `yaml:"org"`
	Bucket   string `yaml:"bucket"`
}

// Token returns the InfluxDB token resolved from the environment.
func (i InfluxConfig) Token() string {
	if i.TokenEnv == "" {
		return ""
	}
	return os.Getenv(i.TokenEnv)
}

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one threshold-based congestion alert.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key.
	Name string `yaml:"name"`

	// Direction limits the rule to one lane. Empty means every lane.
	Direction string `yaml:"direction"`

	// Condition is "vehicle_count <op> <n>" with op one of > >= < <= == !=.
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values. It is also
// what the server runs with when no config file exists.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			Auth:     AuthConfig{Mode: "none", Header: DefaultAuthHeader},
			RateLimit: RateLimitConfig{
				ReportsPerSecond: DefaultReportsPerSecond,
				Burst:            DefaultBurst,
			},
		},
		Signal: SignalConfig{
			BaseDuration: DefaultBaseDuration,
			Unit:         DefaultUnit,
			Backoff:      DefaultBackoff,
			StopTimeout:  DefaultStopTimeout,
		},
		Notify: NotifyConfig{Heartbeat: DefaultHeartbeat},
		Storage: StorageConfig{
			Backend:      BackendBadger,
			Path:         DefaultStoragePath,
			BufferSize:   DefaultBufferSize,
			WriteTimeout: DefaultWriteTimeout,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Server.Auth.Mode == "apikey" && cfg.Server.Auth.KeyEnv == "" {
		return fmt.Errorf("server.auth.key_env is required when mode is apikey")
	}
	if cfg.Server.RateLimit.ReportsPerSecond > 0 && cfg.Server.RateLimit.Burst <= 0 {
		return fmt.Errorf("server.rate_limit.burst must be positive when limiting is enabled")
	}

	s := cfg.Signal
	if s.BaseDuration <= 0 {
		return fmt.Errorf("signal.base_duration must be positive, got %d", s.BaseDuration)
	}
	if s.Unit <= 0 {
		return fmt.Errorf("signal.unit must be positive, got %v", s.Unit)
	}
	if s.Backoff <= 0 || s.StopTimeout <= 0 {
		return fmt.Errorf("signal.backoff and signal.stop_timeout must be positive")
	}
	if cfg.Notify.Heartbeat <= 0 {
		return fmt.Errorf("notify.heartbeat must be positive, got %v", cfg.Notify.Heartbeat)
	}

	switch cfg.Storage.Backend {
	case BackendBadger:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the badger backend")
		}
	case BackendInflux:
		in := cfg.Storage.Influx
		if in.URL == "" || in.Org == "" || in.Bucket == "" {
			return fmt.Errorf("storage.influx requires url, org and bucket")
		}
	case BackendNone:
	default:
		return fmt.Errorf("storage.backend %q unknown: want badger|influx|none", cfg.Storage.Backend)
	}
	if cfg.Storage.BufferSize < 0 || cfg.Storage.WriteTimeout < 0 {
		return fmt.Errorf("storage.buffer_size and storage.write_timeout must not be negative")
	}

	for i, r := range cfg.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("alerts.rules[%d]: name is required", i)
		}
		if r.Direction != "" {
			if _, err := types.ParseDirection(r.Direction); err != nil {
				return fmt.Errorf("alerts.rules[%d] %q: %w", i, r.Name, err)
			}
		}
		if len(strings.Fields(r.Condition)) != 3 {
			return fmt.Errorf("alerts.rules[%d] %q: condition %q must be \"field op value\"", i, r.Name, r.Condition)
		}
	}
	for i, w := range cfg.Alerts.Webhooks {
		switch w.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("alerts.webhooks[%d]: type %q unknown: want slack|teams|http", i, w.Type)
		}
	}
	return nil
}
