// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds the settings shared by the relay and the messenger CLI.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"` // console or json

	// Backend: an empty DATABASE_URL selects the in-memory store.
	DatabaseURL   string `env:"DATABASE_URL"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"true"`
	RedisURL      string `env:"REDIS_URL"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"messenger:"`
	RealtimeQueue int    `env:"REALTIME_QUEUE_SIZE" envDefault:"64"`

	// Relay
	RelayAddr       string        `env:"RELAY_ADDR" envDefault:":8090"`
	RelayURL        string        `env:"RELAY_URL" envDefault:"ws://localhost:8090/realtime"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Auth
	JWTSecret   string        `env:"JWT_SECRET"`
	JWTIssuer   string        `env:"JWT_ISSUER" envDefault:"pelusa-messenger"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	AccessToken string        `env:"ACCESS_TOKEN"`

	// Attachments
	AttachmentBucket string `env:"ATTACHMENT_BUCKET" envDefault:"chat-attachments"`
	AvatarBucket     string `env:"AVATAR_BUCKET" envDefault:"avatars"`
	S3Region         string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3AccessKeyID    string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey      string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle   bool   `env:"S3_USE_PATH_STYLE" envDefault:"true"`
	S3PublicBaseURL  string `env:"S3_PUBLIC_BASE_URL"`

	// Conversation sessions
	TypingExpiry     time.Duration `env:"TYPING_EXPIRY" envDefault:"2s"`
	TypingCooldown   time.Duration `env:"TYPING_COOLDOWN" envDefault:"3s"`
	ComposeIdle      time.Duration `env:"COMPOSE_IDLE" envDefault:"3s"`
	ProfileCacheSize int           `env:"PROFILE_CACHE_SIZE" envDefault:"256"`
}

// Load reads an optional .env file, then the environment, and validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	if c.RealtimeQueue <= 0 {
		return fmt.Errorf("REALTIME_QUEUE_SIZE must be positive")
	}
	if c.ProfileCacheSize <= 0 {
		return fmt.Errorf("PROFILE_CACHE_SIZE must be positive")
	}
	for name, d := range map[string]time.Duration{
		"TYPING_EXPIRY":   c.TypingExpiry,
		"TYPING_COOLDOWN": c.TypingCooldown,
		"COMPOSE_IDLE":    c.ComposeIdle,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}
	return nil
}
