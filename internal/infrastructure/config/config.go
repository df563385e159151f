package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment variable override.
const envPrefix = "FLEETDASH_"

// Config is the root configuration structure for the fleet dashboard.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site" envPrefix:"SITE_"`
	Broker    BrokerConfig    `yaml:"broker" envPrefix:"BROKER_"`
	Bus       BusConfig       `yaml:"bus" envPrefix:"BUS_"`
	Ping      PingConfig      `yaml:"ping" envPrefix:"PING_"`
	Fleet     FleetConfig     `yaml:"fleet" envPrefix:"FLEET_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	API       APIConfig       `yaml:"api" envPrefix:"API_"`
	WebSocket WebSocketConfig `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb" envPrefix:"INFLUXDB_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Security  SecurityConfig  `yaml:"security" envPrefix:"SECURITY_"`
}

// SiteConfig identifies the deployment.
type SiteConfig struct {
	ID   string `yaml:"id" env:"ID"`
	Name string `yaml:"name" env:"NAME"`
}

// BrokerConfig contains the message broker endpoint and credentials.
type BrokerConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	TLS      bool   `yaml:"tls" env:"TLS"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`

	// KeepAlive is the interval at which the transport probes the broker.
	KeepAlive time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// BusConfig contains client-side bus behaviour.
type BusConfig struct {
	// InboxSize is the number of inbound frames buffered ahead of dispatch.
	// Frames arriving while the inbox is full are dropped.
	InboxSize int `yaml:"inbox_size" env:"INBOX_SIZE"`

	// OperationTimeout bounds broker subscribe, unsubscribe, and publish calls.
	OperationTimeout time.Duration `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`

	Reconnect ReconnectConfig `yaml:"reconnect" envPrefix:"RECONNECT_"`
}

// ReconnectConfig contains reconnection backoff settings.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`

	// MaxAttempts limits consecutive failed attempts. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// PingConfig contains latency probe settings.
type PingConfig struct {
	RequestTopic string        `yaml:"request_topic" env:"REQUEST_TOPIC"`
	ReplyTopic   string        `yaml:"reply_topic" env:"REPLY_TOPIC"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Batch        BatchConfig   `yaml:"batch" envPrefix:"BATCH_"`
}

// BatchConfig contains defaults for batch latency tests.
type BatchConfig struct {
	Count    int           `yaml:"count" env:"COUNT"`
	MaxCount int           `yaml:"max_count" env:"MAX_COUNT"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// FleetConfig contains status and log fan-in settings.
type FleetConfig struct {
	StatusTopic string        `yaml:"status_topic" env:"STATUS_TOPIC"`
	StaleAfter  time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	LogCapacity int           `yaml:"log_capacity" env:"LOG_CAPACITY"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path" env:"PATH"`
	WALMode     bool   `yaml:"wal_mode" env:"WAL_MODE"`
	BusyTimeout int    `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host" env:"HOST"`
	Port     int              `yaml:"port" env:"PORT"`
	TLS      TLSConfig        `yaml:"tls" envPrefix:"TLS_"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// DashboardDir serves the web UI from disk instead of the embedded copy.
	DashboardDir string `yaml:"dashboard_dir" env:"DASHBOARD_DIR"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	URL           string `yaml:"url" env:"URL"`
	Token         string `yaml:"token" env:"TOKEN"`
	Org           string `yaml:"org" env:"ORG"`
	Bucket        string `yaml:"bucket" env:"BUCKET"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt" envPrefix:"JWT_"`
}

// JWTConfig contains bearer token verification settings.
// An empty secret disables API authentication (development only).
type JWTConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
	Issuer string `yaml:"issuer" env:"ISSUER"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEETDASH_SECTION_KEY
// For example: FLEETDASH_BROKER_HOST, FLEETDASH_PING_TIMEOUT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDefault returns the default configuration with environment overrides
// applied. Used when no config file is present (development mode).
func LoadDefault() (*Config, error) {
	cfg := Default()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "fleet-001",
			Name: "Fleet Dashboard",
		},
		Broker: BrokerConfig{
			Host:           "localhost",
			Port:           1883,
			ClientID:       "fleetdash",
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		Bus: BusConfig{
			InboxSize:        256,
			OperationTimeout: 5 * time.Second,
			Reconnect: ReconnectConfig{
				Enabled:      true,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			},
		},
		Ping: PingConfig{
			RequestTopic: "fleet/ping",
			ReplyTopic:   "fleet/pong",
			Timeout:      2 * time.Second,
			Batch: BatchConfig{
				Count:    20,
				MaxCount: 500,
				Interval: 250 * time.Millisecond,
			},
		},
		Fleet: FleetConfig{
			StatusTopic: "fleet/+/status",
			StaleAfter:  10 * time.Second,
			LogCapacity: 200,
		},
		Database: DatabaseConfig{
			Path:        "./data/fleetdash.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies FLEETDASH_* environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Broker.Host == "" {
		errs = append(errs, "broker.host is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if c.Broker.ClientID == "" {
		errs = append(errs, "broker.client_id is required")
	}

	if c.Bus.InboxSize < 1 {
		errs = append(errs, "bus.inbox_size must be positive")
	}
	if c.Bus.Reconnect.Enabled && c.Bus.Reconnect.InitialDelay <= 0 {
		errs = append(errs, "bus.reconnect.initial_delay must be positive")
	}
	if c.Bus.Reconnect.MaxDelay < c.Bus.Reconnect.InitialDelay {
		errs = append(errs, "bus.reconnect.max_delay must not be less than initial_delay")
	}

	if c.Ping.RequestTopic == "" || c.Ping.ReplyTopic == "" {
		errs = append(errs, "ping.request_topic and ping.reply_topic are required")
	}
	if c.Ping.RequestTopic != "" && c.Ping.RequestTopic == c.Ping.ReplyTopic {
		errs = append(errs, "ping.request_topic and ping.reply_topic must differ")
	}
	if c.Ping.Timeout <= 0 {
		errs = append(errs, "ping.timeout must be positive")
	}
	if c.Ping.Batch.Count < 1 || c.Ping.Batch.Count > c.Ping.Batch.MaxCount {
		errs = append(errs, "ping.batch.count must be between 1 and ping.batch.max_count")
	}
	if c.Ping.Batch.Interval < 0 {
		errs = append(errs, "ping.batch.interval must not be negative")
	}

	if c.Fleet.StatusTopic == "" {
		errs = append(errs, "fleet.status_topic is required")
	}
	if c.Fleet.LogCapacity < 1 {
		errs = append(errs, "fleet.log_capacity must be positive")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
