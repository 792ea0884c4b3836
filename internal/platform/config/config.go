// Package config loads the relay settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Upstream transports.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
)

// Config holds the application configuration loaded from environment variables.
// All settings have sensible defaults and can be overridden via env vars.
type Config struct {
	Port              string        `validate:"required,numeric"`
	UpstreamTransport string        `validate:"oneof=websocket redis"`
	UpstreamURL       string        `validate:"required,url"`
	RedisAddr         string        `validate:"required,hostname_port"`
	RedisDB           int           `validate:"gte=0"`
	ReconnectDelay    time.Duration `validate:"gt=0"`
	ViewerSendBuffer  int           `validate:"gt=0"`
	LogLevel          string        `validate:"oneof=debug info warn error"`
	LogFormat         string        `validate:"oneof=json text"`

	RedisChannelPrefix string
	StaticDir          string
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds and validates a Config from the process environment.
func FromEnv() (Config, error) {
	logLevel := GetEnv("LOG_LEVEL", "info")
	if debug := os.Getenv("DEBUG"); debug == "true" || debug == "1" {
		logLevel = "debug"
	}

	cfg := Config{
		Port:               GetEnv("PORT", "3000"),
		UpstreamTransport:  GetEnv("UPSTREAM_TRANSPORT", TransportWebSocket),
		UpstreamURL:        GetEnv("UPSTREAM_URL", "ws://127.0.0.1:5000/ws"),
		RedisAddr:          GetEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisDB:            GetEnvInt("REDIS_DB", 0),
		RedisChannelPrefix: GetEnv("REDIS_CHANNEL_PREFIX", "vision:"),
		ReconnectDelay:     time.Duration(GetEnvInt("RECONNECT_DELAY_MS", 5000)) * time.Millisecond,
		StaticDir:          GetEnv("STATIC_DIR", "public"),
		ViewerSendBuffer:   GetEnvInt("VIEWER_SEND_BUFFER", 64),
		LogLevel:           logLevel,
		LogFormat:          GetEnv("LOG_FORMAT", "json"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Addr is the viewer listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}
