package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every council variable (COUNCIL_PORT, ...).
const EnvPrefix = "COUNCIL"

// DefaultPort is the port the extension expects the server on.
const DefaultPort = 3456

// Config holds all configuration for the council server.
type Config struct {
	Host     string `envconfig:"HOST" default:"0.0.0.0"`
	Port     int    `envconfig:"PORT" default:"3456"`
	Version  string `envconfig:"VERSION" default:"0.1.0"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	StoreKind   string `envconfig:"STORE" default:"sqlite"` // sqlite | memory
	DataDir     string `envconfig:"DATA_DIR"`
	DBPath      string `envconfig:"DB_PATH"`
	RetainCount int    `envconfig:"RETAIN_COUNT" default:"50"`

	// UI bundle served at / when present
	StaticDir string `envconfig:"STATIC_DIR"`

	// Request timeouts
	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"120s"`
	MaxTimeout     time.Duration `envconfig:"MAX_TIMEOUT" default:"300s"`
	ProxyTimeout   time.Duration `envconfig:"PROXY_TIMEOUT" default:"10s"`

	// Extension socket
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	MaxMessageBytes   int64         `envconfig:"MAX_MESSAGE_BYTES" default:"16777216"`
	AllowedOrigins    []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`

	// Background work and shutdown
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"1h"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// Optional API keys for the HTTP API (empty = auth disabled)
	APIKeys []string `envconfig:"API_KEYS"`

	Telemetry TelemetryConfig `ignored:"true"`
}

// TelemetryConfig uses the standard OTEL_* variable names, unprefixed.
type TelemetryConfig struct {
	Enabled      bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTLPEndpoint string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	ServiceName  string  `envconfig:"OTEL_SERVICE_NAME" default:"council-server"`
	SampleRatio  float64 `envconfig:"OTEL_TRACES_SAMPLER_ARG" default:"1.0"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load council config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("load telemetry config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "council.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.StoreKind {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid %s_STORE %q: want sqlite or memory", EnvPrefix, c.StoreKind)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid %s_PORT %d", EnvPrefix, c.Port)
	}
	if c.DefaultTimeout <= 0 || c.MaxTimeout <= 0 || c.ProxyTimeout <= 0 {
		return fmt.Errorf("request timeouts must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG %v: must be within [0, 1]", c.Telemetry.SampleRatio)
	}
	if c.RetainCount < 1 {
		return fmt.Errorf("invalid %s_RETAIN_COUNT %d: must keep at least one row", EnvPrefix, c.RetainCount)
	}
	return nil
}

// Addr returns host:port for the given port.
func (c *Config) Addr(port int) string {
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// defaultDataDir mirrors the desktop app's per-user data location.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return filepath.Join(".", ".council")
	}
	return filepath.Join(base, "lifeos-nexus", "council")
}
