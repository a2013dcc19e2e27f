// Package config loads the server configuration from the environment and an
// optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// ListenAddr is the HTTP listen address for the API and the socket endpoint.
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	// Env is "development" or "production"; development enables the console logger.
	Env string `mapstructure:"APP_ENV"`
	// EventsTable is the DynamoDB table holding events, occasions and devices.
	EventsTable string `mapstructure:"EVENTS_TABLE"`
	// WSPath is the path devices connect to.
	WSPath            string        `mapstructure:"WS_PATH"`
	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	// MaxMessageSize caps inbound socket messages in bytes.
	MaxMessageSize int64 `mapstructure:"MAX_MESSAGE_SIZE"`
	// MessageRateLimit is messages per second accepted from one connection.
	MessageRateLimit int `mapstructure:"MESSAGE_RATE_LIMIT"`
	// RegistrationRateLimit is check-ins per second accepted from one source IP.
	RegistrationRateLimit int `mapstructure:"REGISTRATION_RATE_LIMIT"`
	// AllowedOrigins is a comma-separated list of browser origins; empty allows all.
	AllowedOrigins  string        `mapstructure:"ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore missing .env

	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("EVENTS_TABLE", "")
	v.SetDefault("WS_PATH", "/sockets")
	v.SetDefault("HEARTBEAT_INTERVAL", "10s")
	v.SetDefault("MAX_MESSAGE_SIZE", 1024)
	v.SetDefault("MESSAGE_RATE_LIMIT", 10)
	v.SetDefault("REGISTRATION_RATE_LIMIT", 5)
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		return nil, errors.New("config: LISTEN_ADDR must be set")
	}
	if cfg.EventsTable == "" {
		return nil, errors.New("config: EVENTS_TABLE must be set")
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return nil, errors.New("config: WS_PATH must start with /")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("config: HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.MaxMessageSize <= 0 {
		return nil, errors.New("config: MAX_MESSAGE_SIZE must be positive")
	}
	if cfg.MessageRateLimit <= 0 || cfg.RegistrationRateLimit <= 0 {
		return nil, errors.New("config: rate limits must be positive")
	}

	return &cfg, nil
}

func (c *Config) Development() bool {
	return c.Env == "development"
}

// AllowedOriginsList returns the origins from the comma-separated config.
func (c *Config) AllowedOriginsList() []string {
	if c == nil || c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
