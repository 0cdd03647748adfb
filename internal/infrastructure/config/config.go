package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the access core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Database   DatabaseConfig   `yaml:"database"`
	Audit      AuditConfig      `yaml:"audit"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Access     AccessConfig     `yaml:"access"`
	LoginCodes LoginCodesConfig `yaml:"login_codes"`
	Mail       MailConfig       `yaml:"mail"`
}

// ServiceConfig identifies this deployment.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// AuditConfig controls where access attempts are stored and for how long.
type AuditConfig struct {
	// Backend is "sqlite" (default) or "postgres".
	Backend       string `yaml:"backend"`
	PostgresURL   string `yaml:"postgres_url"`
	PostgresConns int    `yaml:"postgres_max_conns"`

	// BufferSize is the capacity of the async recorder channel.
	BufferSize    int `yaml:"buffer_size"`
	RetentionDays int `yaml:"retention_days"`
}

// RedisConfig contains the shared Redis connection used for rate limiting and the task queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig controls background task processing.
type QueueConfig struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"concurrency"`
	// MaintenanceInterval is the in-process maintenance period in minutes,
	// used only when the queue is disabled.
	MaintenanceInterval int `yaml:"maintenance_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// PublicURL is written into scanner config exports as API_URL.
	PublicURL string `yaml:"public_url"`

	// TrustProxyHeaders lets X-Forwarded-For / X-Real-IP set the client IP.
	// Only enable behind a proxy that overwrites these headers, since the
	// scanner IP allow-list depends on them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
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

// WebSocketConfig contains live feed settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig        `yaml:"jwt"`
	AdminKeys []AdminKeyConfig `yaml:"admin_keys"`
}

// JWTConfig contains member session token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// AccessTokenTTL is in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`
}

// AdminKeyConfig binds a back-office API key to a tenant.
// Only the SHA-256 hex digest of the key is stored in configuration.
type AdminKeyConfig struct {
	Tenant    string `yaml:"tenant"`
	KeySHA256 string `yaml:"key_sha256"`
}

// AccessConfig contains credential validation settings.
type AccessConfig struct {
	// QRValidityMinutes is the default QR window for tenants without their own setting.
	QRValidityMinutes int `yaml:"qr_validity_minutes"`
	// KeyGracePeriod is how long (seconds) the previous signing secret is still accepted.
	KeyGracePeriod int `yaml:"key_grace_period"`
	// LockoutThreshold is the number of failed device authentications that locks a scanner.
	LockoutThreshold int `yaml:"lockout_threshold"`
	// LockoutDuration is in minutes.
	LockoutDuration int `yaml:"lockout_duration"`
}

// LoginCodesConfig contains email one-time code settings.
type LoginCodesConfig struct {
	// TTL is in minutes.
	TTL              int `yaml:"ttl"`
	SendLimit        int `yaml:"send_limit"`
	SendWindow       int `yaml:"send_window"`
	SendPenalty      int `yaml:"send_penalty"`
	VerifyLimit      int `yaml:"verify_limit"`
	VerifyWindow     int `yaml:"verify_window"`
	SweepAfterExpiry int `yaml:"sweep_after_expiry"`
}

// MailConfig contains SMTP settings used by the worker to deliver login codes.
type MailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GYMACCESS_SECTION_KEY
// For example: GYMACCESS_DATABASE_PATH, GYMACCESS_REDIS_ADDR
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "gymaccess",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/gymaccess.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Audit: AuditConfig{
			Backend:       "sqlite",
			PostgresConns: 10,
			BufferSize:    1024,
			RetentionDays: 90,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Queue: QueueConfig{
			Enabled:             true,
			Concurrency:         10,
			MaintenanceInterval: 60,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "gymaccess-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
		Access: AccessConfig{
			QRValidityMinutes: 30,
			KeyGracePeriod:    300,
			LockoutThreshold:  5,
			LockoutDuration:   15,
		},
		LoginCodes: LoginCodesConfig{
			TTL:              10,
			SendLimit:        3,
			SendWindow:       10,
			SendPenalty:      60,
			VerifyLimit:      5,
			VerifyWindow:     10,
			SweepAfterExpiry: 24 * 60,
		},
		Mail: MailConfig{
			Port: 587,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GYMACCESS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GYMACCESS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GYMACCESS_AUDIT_POSTGRES_URL"); v != "" {
		cfg.Audit.PostgresURL = v
	}

	if v := os.Getenv("GYMACCESS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GYMACCESS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("GYMACCESS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GYMACCESS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GYMACCESS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GYMACCESS_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GYMACCESS_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("GYMACCESS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GYMACCESS_MAIL_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}

	// Always override in production.
	if v := os.Getenv("GYMACCESS_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent field checks
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch c.Audit.Backend {
	case "sqlite":
	case "postgres":
		if c.Audit.PostgresURL == "" {
			errs = append(errs, "audit.postgres_url is required when audit.backend is postgres")
		}
	default:
		errs = append(errs, "audit.backend must be sqlite or postgres")
	}
	if c.Audit.RetentionDays < 1 {
		errs = append(errs, "audit.retention_days must be at least 1")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if _, err := time.LoadLocation(c.Service.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("service.timezone %q is not a valid IANA zone", c.Service.Timezone))
	}

	// Member session tokens are signed with this secret; a weak one allows
	// forged sessions and therefore forged QR issuance.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GYMACCESS_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	for i, k := range c.Security.AdminKeys {
		if k.Tenant == "" {
			errs = append(errs, fmt.Sprintf("security.admin_keys[%d].tenant is required", i))
		}
		if b, err := hex.DecodeString(k.KeySHA256); err != nil || len(b) != sha256.Size {
			errs = append(errs, fmt.Sprintf("security.admin_keys[%d].key_sha256 must be a hex SHA-256 digest", i))
		}
	}

	if c.Access.QRValidityMinutes < 1 {
		errs = append(errs, "access.qr_validity_minutes must be at least 1")
	}
	if c.Access.KeyGracePeriod < 0 {
		errs = append(errs, "access.key_grace_period must not be negative")
	}
	if c.Access.LockoutThreshold < 1 {
		errs = append(errs, "access.lockout_threshold must be at least 1")
	}
	if c.Access.LockoutDuration < 1 {
		errs = append(errs, "access.lockout_duration must be at least 1")
	}

	if c.LoginCodes.TTL < 1 {
		errs = append(errs, "login_codes.ttl must be at least 1")
	}
	if c.LoginCodes.SendLimit < 1 || c.LoginCodes.VerifyLimit < 1 {
		errs = append(errs, "login_codes send_limit and verify_limit must be at least 1")
	}
	if c.LoginCodes.SendWindow < 1 || c.LoginCodes.VerifyWindow < 1 {
		errs = append(errs, "login_codes send_window and verify_window must be at least 1")
	}
	if c.LoginCodes.SendPenalty < c.LoginCodes.SendWindow {
		errs = append(errs, "login_codes.send_penalty must not be shorter than send_window")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the configured service timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Service.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// KeyGracePeriod returns the signing key grace period as a Duration.
func (c *Config) KeyGracePeriod() time.Duration {
	return time.Duration(c.Access.KeyGracePeriod) * time.Second
}

// LockoutDuration returns the scanner lockout duration as a Duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Access.LockoutDuration) * time.Minute
}

// LoginCodeTTL returns the login code lifetime as a Duration.
func (c *Config) LoginCodeTTL() time.Duration {
	return time.Duration(c.LoginCodes.TTL) * time.Minute
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
