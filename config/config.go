// Package config loads settings for the relay and the chat client daemon.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Environment    string   `mapstructure:"ENVIRONMENT"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`
	JWTSecret      string   `mapstructure:"JWT_SECRET"`
	// UploadDir and PublicURL are used by the relay to store and address uploaded files
	UploadDir string `mapstructure:"UPLOAD_DIR"`
	PublicURL string `mapstructure:"PUBLIC_URL"`

	Redis  RedisConfig  `mapstructure:",squash"`
	Client ClientConfig `mapstructure:",squash"`
}

type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     string `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
}

// ClientConfig configures the chat client daemon
type ClientConfig struct {
	ListenAddr     string        `mapstructure:"LISTEN_ADDR"`
	ServerURL      string        `mapstructure:"SERVER_URL"`
	SignalingURL   string        `mapstructure:"SIGNALING_URL"`
	Token          string        `mapstructure:"TOKEN"`
	TokenFile      string        `mapstructure:"TOKEN_FILE"`
	STUNURLs       []string      `mapstructure:"STUN_URLS"`
	ReconnectDelay time.Duration `mapstructure:"RECONNECT_DELAY"`
	RedirectDelay  time.Duration `mapstructure:"REDIRECT_DELAY"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MediaAudio     bool          `mapstructure:"MEDIA_AUDIO"`
	MediaVideo     bool          `mapstructure:"MEDIA_VIDEO"`
}

// Load reads carechat.yml (optional) and the environment, in that order of precedence
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("carechat")
	v.SetConfigType("yml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.Client.STUNURLs = splitList(cfg.Client.STUNURLs)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("PUBLIC_URL", "http://localhost:8080")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("LISTEN_ADDR", "127.0.0.1:7070")
	v.SetDefault("SERVER_URL", "http://localhost:8080")
	v.SetDefault("SIGNALING_URL", "ws://localhost:8080/ws")
	v.SetDefault("TOKEN", "")
	v.SetDefault("TOKEN_FILE", "")
	v.SetDefault("STUN_URLS", "stun:stun.l.google.com:19302")
	v.SetDefault("RECONNECT_DELAY", "1s")
	v.SetDefault("REDIRECT_DELAY", "2s")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("MEDIA_AUDIO", true)
	v.SetDefault("MEDIA_VIDEO", true)
}

// Validate rejects settings that cannot work, and the default secret in production
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed from the default value in production")
	}
	if c.Client.ReconnectDelay <= 0 {
		return errors.New("RECONNECT_DELAY must be positive")
	}
	if len(c.Client.STUNURLs) == 0 {
		return errors.New("STUN_URLS must name at least one server")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Addr returns host:port for the redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// splitList flattens comma-separated entries; env values arrive as a single element
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
