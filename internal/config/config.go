package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Token    TokenConfig    `yaml:"token"`
	Local    LocalConfig    `yaml:"local"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents REST API configuration. Operator and
// PasswordHash (bcrypt) gate the management surface.
type APIConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Operator     string `yaml:"operator"`
	PasswordHash string `yaml:"password_hash"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents operator session JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CloudConfig represents the vendor cloud API configuration. ClientID
// and the per-variant schema strings are product-wide constants
// injected here rather than held as process globals.
type CloudConfig struct {
	BaseURL        string        `yaml:"base_url"`
	ClientID       string        `yaml:"client_id"`
	SchemaVariantA string        `yaml:"schema_variant_a"`
	SchemaVariantB string        `yaml:"schema_variant_b"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PairingConfig bounds the QR pairing session.
type PairingConfig struct {
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TokenConfig governs proactive token refresh.
type TokenConfig struct {
	RefreshMargin    time.Duration `yaml:"refresh_margin"`
	MaintainInterval time.Duration `yaml:"maintain_interval"`
}

// LocalConfig bounds direct device connections.
type LocalConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StorageConfig holds the at-rest encryption key for stored secrets
// (local keys, refresh tokens).
type StorageConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if clientID := os.Getenv("CLOUD_CLIENT_ID"); clientID != "" {
		c.Cloud.ClientID = clientID
	}

	if key := os.Getenv("STORAGE_ENCRYPTION_KEY"); key != "" {
		c.Storage.EncryptionKey = key
	}
}

// setDefaults fills in the fixed protocol timings where the file is
// silent. The scan timeout exceeds typical human scan-and-confirm
// latency while bounding resource hold time.
func (c *Config) setDefaults() {
	if c.Pairing.ScanTimeout == 0 {
		c.Pairing.ScanTimeout = 120 * time.Second
	}
	if c.Pairing.PollInterval == 0 {
		c.Pairing.PollInterval = 2 * time.Second
	}
	if c.Token.RefreshMargin == 0 {
		c.Token.RefreshMargin = 300 * time.Second
	}
	if c.Token.MaintainInterval == 0 {
		c.Token.MaintainInterval = 10 * time.Minute
	}
	if c.Local.ConnectTimeout == 0 {
		c.Local.ConnectTimeout = 5 * time.Second
	}
	if c.Cloud.RequestTimeout == 0 {
		c.Cloud.RequestTimeout = 15 * time.Second
	}
	if c.Cloud.SchemaVariantA == "" {
		c.Cloud.SchemaVariantA = "haauthorize"
	}
	if c.Cloud.SchemaVariantB == "" {
		c.Cloud.SchemaVariantB = "smartlifeweb"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
}

// validate rejects configurations the daemon cannot run with.
func (c *Config) validate() error {
	if c.Cloud.ClientID == "" {
		return fmt.Errorf("cloud.client_id is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
