// Package config provides configuration management for printdeck using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8086
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultSyncHeartbeatInterval = 30 * time.Second
	defaultSyncReconnectDelay    = 3 * time.Second
	defaultSyncHandshakeTimeout  = 10 * time.Second

	defaultStreamInitialDelay     = 2 * time.Second
	defaultStreamMaxDelay         = 30 * time.Second
	defaultStreamMaxAttempts      = 5
	defaultStreamTransitionWindow = 100 * time.Millisecond
	defaultStreamProbeInterval    = 5 * time.Second
	defaultLiveLoadingFallback    = 3 * time.Second
	defaultSnapLoadingFallback    = 20 * time.Second
	defaultStreamFrameRate        = 15

	defaultBackendTimeout       = 30 * time.Second
	defaultBackendRetryAttempts = 3
	defaultBackendRetryDelay    = 1 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// BackendConfig holds connection settings for the printer fleet backend.
type BackendConfig struct {
	// URL is the base URL of the fleet backend (http:// or https://).
	URL string `mapstructure:"url"`
	// Token is an optional bearer token for backend requests.
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// SyncConfig holds state sync channel configuration.
type SyncConfig struct {
	// HeartbeatInterval is how often a liveness ping is sent while the
	// channel is open.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// ReconnectDelay is the fixed delay before the single scheduled
	// reconnect attempt after the channel closes.
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// StreamConfig holds stream viewer recovery configuration.
type StreamConfig struct {
	// InitialDelay seeds the capped exponential backoff between reconnect
	// attempts: delay = min(InitialDelay * 2^attempt, MaxDelay).
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	// MaxAttempts is the number of automatic reconnects before the viewer
	// goes terminally errored until a manual refresh.
	MaxAttempts int `mapstructure:"max_attempts"`
	// TransitionWindow is the quiet period while switching between live
	// and snapshot modes.
	TransitionWindow time.Duration `mapstructure:"transition_window"`
	// ProbeInterval is how often capture health is probed while a live
	// viewer is ready.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// LiveLoadingFallback and SnapshotLoadingFallback bound how long the
	// loading affordance stays visible without a definitive signal.
	LiveLoadingFallback     time.Duration `mapstructure:"live_loading_fallback"`
	SnapshotLoadingFallback time.Duration `mapstructure:"snapshot_loading_fallback"`
	// FrameRate is the target frame rate requested for live streams.
	FrameRate int `mapstructure:"frame_rate"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with PRINTDECK_ and use underscores
// for nesting. Example: PRINTDECK_SERVER_PORT=8086.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/printdeck")
		v.AddConfigPath("$HOME/.printdeck")
	}

	v.SetEnvPrefix("PRINTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Backend defaults
	v.SetDefault("backend.url", "http://127.0.0.1:7125")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", defaultBackendTimeout)
	v.SetDefault("backend.retry_attempts", defaultBackendRetryAttempts)
	v.SetDefault("backend.retry_delay", defaultBackendRetryDelay)

	// Sync channel defaults
	v.SetDefault("sync.heartbeat_interval", defaultSyncHeartbeatInterval)
	v.SetDefault("sync.reconnect_delay", defaultSyncReconnectDelay)
	v.SetDefault("sync.handshake_timeout", defaultSyncHandshakeTimeout)

	// Stream viewer defaults
	v.SetDefault("stream.initial_delay", defaultStreamInitialDelay)
	v.SetDefault("stream.max_delay", defaultStreamMaxDelay)
	v.SetDefault("stream.max_attempts", defaultStreamMaxAttempts)
	v.SetDefault("stream.transition_window", defaultStreamTransitionWindow)
	v.SetDefault("stream.probe_interval", defaultStreamProbeInterval)
	v.SetDefault("stream.live_loading_fallback", defaultLiveLoadingFallback)
	v.SetDefault("stream.snapshot_loading_fallback", defaultSnapLoadingFallback)
	v.SetDefault("stream.frame_rate", defaultStreamFrameRate)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "printdeck.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url scheme must be http or https")
	}

	if c.Sync.HeartbeatInterval <= 0 {
		return fmt.Errorf("sync.heartbeat_interval must be positive")
	}
	if c.Sync.ReconnectDelay <= 0 {
		return fmt.Errorf("sync.reconnect_delay must be positive")
	}

	if c.Stream.InitialDelay <= 0 {
		return fmt.Errorf("stream.initial_delay must be positive")
	}
	if c.Stream.MaxDelay < c.Stream.InitialDelay {
		return fmt.Errorf("stream.max_delay must be at least stream.initial_delay")
	}
	if c.Stream.MaxAttempts < 1 {
		return fmt.Errorf("stream.max_attempts must be at least 1")
	}
	if c.Stream.FrameRate < 1 {
		return fmt.Errorf("stream.frame_rate must be at least 1")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebSocketURL derives the push-channel endpoint from the backend base URL,
// preserving the security scheme (https -> wss).
func (c *BackendConfig) WebSocketURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parsing backend url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
