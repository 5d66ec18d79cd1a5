// Package config loads service configuration from a YAML file and
// SECURELINKS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Asset backends.
const (
	AssetsFilesystem = "filesystem"
	AssetsS3         = "s3"
)

// EnvPrefix is prepended to every environment override, e.g. SECURELINKS_DATABASE_URL.
const EnvPrefix = "SECURELINKS"

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Links       LinksConfig       `mapstructure:"links" yaml:"links"`
	Permissions PermissionsConfig `mapstructure:"permissions" yaml:"permissions"`
	Tracking    TrackingConfig    `mapstructure:"tracking" yaml:"tracking"`
	Assets      AssetsConfig      `mapstructure:"assets" yaml:"assets"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	MQTT        MQTTConfig        `mapstructure:"mqtt" yaml:"mqtt"`
	Admin       AdminConfig       `mapstructure:"admin" yaml:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// ListenAddress is "host:port" or ":port".
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	// BaseURL prefixes every generated link, e.g. "https://cdn.example.com".
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds a whole response. Zero disables it so large
	// assets can stream to slow clients.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// TrustedProxies lists proxy CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

// DatabaseConfig selects and configures storage.
type DatabaseConfig struct {
	// Storage is "postgres" or "memory". Memory storage loses all state on exit.
	Storage     string `mapstructure:"storage" yaml:"storage"`
	URL         string `mapstructure:"url" yaml:"url"`
	MaxConns    int32  `mapstructure:"max_conns" yaml:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// LinksConfig controls link generation.
type LinksConfig struct {
	DefaultExpiry time.Duration `mapstructure:"default_expiry" yaml:"default_expiry"`
	KeyBits       int           `mapstructure:"key_bits" yaml:"key_bits"`

	// KeyRefreshInterval is how often the persisted key pair is re-read, so
	// rotations made by another instance or the admin tool are adopted.
	KeyRefreshInterval time.Duration `mapstructure:"key_refresh_interval" yaml:"key_refresh_interval"`
}

// PermissionsConfig controls rule evaluation and suggestions.
type PermissionsConfig struct {
	// WhitelistOnly denies requests no rule matches. When false (the default)
	// unmatched requests are allowed.
	WhitelistOnly       bool          `mapstructure:"whitelist_only" yaml:"whitelist_only"`
	SuggestionThreshold int           `mapstructure:"suggestion_threshold" yaml:"suggestion_threshold"`
	SuggestionWindow    time.Duration `mapstructure:"suggestion_window" yaml:"suggestion_window"`

	// SuggestionInterval is how often suggestions are published on the bus.
	SuggestionInterval time.Duration `mapstructure:"suggestion_interval" yaml:"suggestion_interval"`
}

// TrackingConfig controls event retention and geo lookup.
type TrackingConfig struct {
	RetentionDays   int           `mapstructure:"retention_days" yaml:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`

	// GeoTable entries have the form "prefix=CC" or "prefix=CC/City".
	GeoTable []string `mapstructure:"geo_table" yaml:"geo_table"`
}

// AssetsConfig selects where media files are read from.
type AssetsConfig struct {
	Backend string   `mapstructure:"backend" yaml:"backend"`
	Root    string   `mapstructure:"root" yaml:"root"`
	S3      S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures the S3 asset backend. BaseEndpoint points at MinIO or
// another S3-compatible store.
type S3Config struct {
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	Region       string `mapstructure:"region" yaml:"region"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix"`
	BaseEndpoint string `mapstructure:"base_endpoint" yaml:"base_endpoint"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// RateLimitConfig limits media requests per client IP.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
	MaxKeys  int           `mapstructure:"max_keys" yaml:"max_keys"`

	// RedisAddr shares counters across instances. Empty uses process memory.
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// MQTTConfig configures the event bus. An empty BrokerURL disables it.
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url" yaml:"broker_url"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
}

// AdminConfig configures the admin API. The API is disabled until
// PasswordHash and JWTSecret are both set.
type AdminConfig struct {
	Username      string        `mapstructure:"username" yaml:"username"`
	PasswordHash  string        `mapstructure:"password_hash" yaml:"password_hash"`
	JWTSecret     string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`
}

// Enabled reports whether admin credentials are configured.
func (a AdminConfig) Enabled() bool {
	return a.PasswordHash != "" && a.JWTSecret != ""
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.storage", StoragePostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("links.default_expiry", 3*365*24*time.Hour)
	v.SetDefault("links.key_bits", 2048)
	v.SetDefault("links.key_refresh_interval", time.Minute)

	v.SetDefault("permissions.whitelist_only", false)
	v.SetDefault("permissions.suggestion_threshold", 10)
	v.SetDefault("permissions.suggestion_window", 24*time.Hour)
	v.SetDefault("permissions.suggestion_interval", time.Hour)

	v.SetDefault("tracking.retention_days", 365)
	v.SetDefault("tracking.cleanup_interval", 24*time.Hour)
	v.SetDefault("tracking.geo_table", []string{})

	v.SetDefault("assets.backend", AssetsFilesystem)
	v.SetDefault("assets.root", "./media")
	v.SetDefault("assets.s3.bucket", "")
	v.SetDefault("assets.s3.region", "us-east-1")
	v.SetDefault("assets.s3.prefix", "")
	v.SetDefault("assets.s3.base_endpoint", "")
	v.SetDefault("assets.s3.access_key", "")
	v.SetDefault("assets.s3.secret_key", "")
	v.SetDefault("assets.s3.use_path_style", false)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests", 120)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.max_keys", 10000)
	v.SetDefault("rate_limit.redis_addr", "")
	v.SetDefault("rate_limit.redis_password", "")
	v.SetDefault("rate_limit.redis_db", 0)

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.client_id", "securelinks")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.health_interval", 30*time.Second)

	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password_hash", "")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_duration", 12*time.Hour)

	v.SetDefault("logging.level", "info")
}

// Load reads path (optional) and environment overrides, then validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults without reading files or environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("server.listen_address is required"))
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url must be an absolute URL, got %q", c.Server.BaseURL))
	}

	switch c.Database.Storage {
	case StoragePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres storage"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid database.storage: %s (must be 'postgres' or 'memory')", c.Database.Storage))
	}

	if c.Links.DefaultExpiry <= 0 {
		errs = append(errs, errors.New("links.default_expiry must be positive"))
	}
	if c.Links.KeyBits < 2048 {
		errs = append(errs, fmt.Errorf("links.key_bits must be at least 2048, got %d", c.Links.KeyBits))
	}

	if c.Links.KeyRefreshInterval <= 0 {
		errs = append(errs, errors.New("links.key_refresh_interval must be positive"))
	}

	if c.Permissions.SuggestionThreshold <= 0 {
		errs = append(errs, errors.New("permissions.suggestion_threshold must be positive"))
	}
	if c.Permissions.SuggestionWindow <= 0 {
		errs = append(errs, errors.New("permissions.suggestion_window must be positive"))
	}

	if c.Tracking.RetentionDays <= 0 {
		errs = append(errs, errors.New("tracking.retention_days must be positive"))
	}

	switch c.Assets.Backend {
	case AssetsFilesystem:
		if c.Assets.Root == "" {
			errs = append(errs, errors.New("assets.root is required for the filesystem backend"))
		}
	case AssetsS3:
		if c.Assets.S3.Bucket == "" {
			errs = append(errs, errors.New("assets.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid assets.backend: %s (must be 'filesystem' or 's3')", c.Assets.Backend))
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit.requests and rate_limit.window must be positive when enabled"))
	}

	if (c.Admin.PasswordHash == "") != (c.Admin.JWTSecret == "") {
		errs = append(errs, errors.New("admin.password_hash and admin.jwt_secret must be set together"))
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, errors.New("admin.jwt_secret must be at least 32 bytes"))
	}

	return errors.Join(errs...)
}
