// Package config loads the client and server settings from the environment.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"go-chat-client/internal/persist"
)

// Store backends selectable with CHAT_STORE.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Client configures the chat client engine.
type Client struct {
	APIURL      string        `env:"CHAT_API_URL" envDefault:"http://localhost:8080"`
	WSURL       string        `env:"CHAT_WS_URL"`
	Store       string        `env:"CHAT_STORE" envDefault:"sqlite"`
	SQLitePath  string        `env:"CHAT_SQLITE_PATH" envDefault:"chat-client.db"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	RedisPrefix string        `env:"CHAT_REDIS_PREFIX" envDefault:"chat-client:"`
	HTTPTimeout time.Duration `env:"CHAT_HTTP_TIMEOUT" envDefault:"15s"`
	LogLevel    string        `env:"CHAT_LOG_LEVEL" envDefault:"info"`
}

// Server configures the reference chat server.
type Server struct {
	Addr string `env:"ADDR" envDefault:":8080"`
	// Environment is reported by the health check.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// DBDSN selects Postgres storage. Empty keeps everything in memory.
	DBDSN string `env:"DB_DSN"`
	// RedisAddr enables cross-instance fan-out. Empty runs a single hub.
	RedisAddr string `env:"REDIS_ADDR"`
	// JWTKeyPath points at a PEM RSA private key. Empty generates one at
	// startup, which invalidates tokens on every restart.
	JWTKeyPath string        `env:"JWT_KEY_PATH"`
	AccessTTL  time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadClient parses and checks the client configuration.
func LoadClient() (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}

// LoadServer parses the server configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate checks field combinations env tags cannot express.
func (c Client) Validate() error {
	if _, err := url.Parse(c.APIURL); err != nil || c.APIURL == "" {
		return fmt.Errorf("config: invalid CHAT_API_URL %q", c.APIURL)
	}
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: CHAT_SQLITE_PATH is required for the sqlite store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown CHAT_STORE %q", c.Store)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("config: CHAT_HTTP_TIMEOUT must be positive")
	}
	return nil
}

// WebsocketURL returns CHAT_WS_URL, or the API URL's /ws endpoint with a
// websocket scheme when it is unset.
func (c Client) WebsocketURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	base, err := url.Parse(c.APIURL)
	if err != nil {
		return "", fmt.Errorf("config: invalid CHAT_API_URL: %w", err)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http", "":
		base.Scheme = "ws"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/ws"
	return base.String(), nil
}

// OpenStore opens the snapshot backend named by Store.
func (c Client) OpenStore(ctx context.Context) (persist.Store, error) {
	switch c.Store {
	case StoreMemory:
		return persist.NewMemory(), nil
	case StoreSQLite:
		return persist.OpenSQLite(c.SQLitePath)
	case StoreRedis:
		return persist.OpenRedis(ctx, c.RedisAddr, c.RedisPrefix)
	default:
		return nil, fmt.Errorf("config: unknown CHAT_STORE %q", c.Store)
	}
}

// Level maps a level name to a slog level. Unknown names mean info.
func Level(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
