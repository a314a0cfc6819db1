// Package config loads the service configuration.
//
// LOAD ORDER (later wins):
//  1. Default()          sane defaults, enough to run locally
//  2. YAML file          optional, passed with --config
//  3. Environment        USER_API_* variables (a .env file is loaded by main)
//
// Every tunable the handlers and adapters need lives here and is passed in at
// construction time. Nothing reads os.Getenv after startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name,
// e.g. USER_API_AUTH_SECRET.
const EnvPrefix = "USER_API_"

// DefaultSessionTTL is how long an issued session token stays valid (14 days).
const DefaultSessionTTL = 1209600 * time.Second

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Providers ProvidersConfig `yaml:"providers" envPrefix:"PROVIDERS_"`
	Media     MediaConfig     `yaml:"media" envPrefix:"MEDIA_"`
	Mail      MailConfig      `yaml:"mail" envPrefix:"MAIL_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path" env:"DB_PATH"`
}

type AuthConfig struct {
	// Secret signs session tokens and nonces. At least 16 characters.
	Secret      string        `yaml:"secret" env:"SECRET"`
	SessionTTL  time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	NonceTTL    time.Duration `yaml:"nonce_ttl" env:"NONCE_TTL"`
	ResetKeyTTL time.Duration `yaml:"reset_key_ttl" env:"RESET_KEY_TTL"`
	BcryptCost  int           `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
}

type ProvidersConfig struct {
	// Timeout bounds every outbound call to an identity provider.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Weibo   WeiboConfig   `yaml:"weibo" envPrefix:"WEIBO_"`
}

type WeiboConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	AppKey  string `yaml:"app_key" env:"APP_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

type MediaConfig struct {
	// Dir is where uploaded images are written; it is served under /uploads/.
	Dir               string `yaml:"dir" env:"DIR"`
	BaseURL           string `yaml:"base_url" env:"BASE_URL"`
	ProfilePictureKey string `yaml:"profile_picture_key" env:"PROFILE_PICTURE_KEY"`
}

type MailConfig struct {
	// Host empty means mails are logged instead of sent.
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	From     string `yaml:"from" env:"FROM"`
	TLSMode  string `yaml:"tls_mode" env:"TLS_MODE"` // auto | starttls | ssl | none
	SiteName string `yaml:"site_name" env:"SITE_NAME"`
	ResetURL string `yaml:"reset_url" env:"RESET_URL"`
}

type CacheConfig struct {
	Kind  string      `yaml:"kind" env:"KIND"` // memory | redis
	Redis RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr" env:"ADDR"`
	DB     int    `yaml:"db" env:"DB"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // text | json
}

// Default returns a configuration that runs locally without any file or env.
// Auth.Secret is left empty: Validate requires the operator to set one.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: "data/user-api.db",
		},
		Auth: AuthConfig{
			SessionTTL:  DefaultSessionTTL,
			NonceTTL:    24 * time.Hour,
			ResetKeyTTL: 24 * time.Hour,
			BcryptCost:  12,
		},
		Providers: ProvidersConfig{
			Timeout: 10 * time.Second,
			Weibo: WeiboConfig{
				Enabled: true,
				BaseURL: "https://api.weibo.com/2",
			},
		},
		Media: MediaConfig{
			Dir:               "data/uploads",
			BaseURL:           "http://localhost:8080/uploads",
			ProfilePictureKey: "profile_picture",
		},
		Mail: MailConfig{
			Port:     587,
			From:     "hello@mima.io",
			TLSMode:  "auto",
			SiteName: "mima",
			ResetURL: "http://localhost:8080/password/change",
		},
		Cache: CacheConfig{
			Kind: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "user-api:",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 characters"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("auth.session_ttl must be positive"))
	}
	if c.Auth.NonceTTL <= 0 {
		errs = append(errs, errors.New("auth.nonce_ttl must be positive"))
	}
	if c.Auth.ResetKeyTTL <= 0 {
		errs = append(errs, errors.New("auth.reset_key_ttl must be positive"))
	}
	if c.Providers.Timeout <= 0 {
		errs = append(errs, errors.New("providers.timeout must be positive"))
	}
	switch c.Cache.Kind {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.kind %q must be memory or redis", c.Cache.Kind))
	}
	switch c.Mail.TLSMode {
	case "auto", "starttls", "ssl", "none":
	default:
		errs = append(errs, fmt.Errorf("mail.tls_mode %q is not supported", c.Mail.TLSMode))
	}
	if c.Media.ProfilePictureKey == "" {
		errs = append(errs, errors.New("media.profile_picture_key must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Log.Level, falling back to info.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the process logger from the log settings.
func (c LogConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
