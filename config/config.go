// Package config loads server settings. Values are layered: built-in
// defaults, then an optional YAML file, then ZZCHAT_ environment variables
// (a .env file may seed them), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zigzag/zzchat/ratelimit"
	"github.com/zigzag/zzchat/router"
	"github.com/zigzag/zzchat/session"
	"github.com/zigzag/zzchat/store"
)

const EnvPrefix = "ZZCHAT_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Config struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// AllowedOrigins restricts browser websocket handshakes. Empty allows
	// every origin.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	Store StoreConfig `yaml:"store" envPrefix:"STORE_"`
	Chat  ChatConfig  `yaml:"chat" envPrefix:"CHAT_"`
	Auth  AuthConfig  `yaml:"auth" envPrefix:"AUTH_"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver" env:"DRIVER"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`

	Retention     time.Duration `yaml:"retention" env:"RETENTION"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type ChatConfig struct {
	RateLimit          int           `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateWindow         time.Duration `yaml:"rate_window" env:"RATE_WINDOW"`
	TypingTimeout      time.Duration `yaml:"typing_timeout" env:"TYPING_TIMEOUT"`
	OutboundQueue      int           `yaml:"outbound_queue" env:"OUTBOUND_QUEUE"`
	InboundBuffer      int           `yaml:"inbound_buffer" env:"INBOUND_BUFFER"`
	MaxRoomsPerSession int           `yaml:"max_rooms_per_session" env:"MAX_ROOMS_PER_SESSION"`
}

type AuthConfig struct {
	// CredentialPepper keys the credential hash. Changing it invalidates
	// every stored credential.
	CredentialPepper   string        `yaml:"credential_pepper" env:"CREDENTIAL_PEPPER"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	EnableRegistration bool          `yaml:"enable_registration" env:"ENABLE_REGISTRATION"`
}

func Default() Config {
	return Config{
		Addr:      ":8999",
		LogLevel:  "info",
		LogFormat: "text",
		Store: StoreConfig{
			Driver:        DriverMemory,
			SQLitePath:    "zzchat.db",
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "zzchat:",
			Retention:     store.Retention,
			SweepInterval: store.MaxSweepInterval,
		},
		Chat: ChatConfig{
			RateLimit:          ratelimit.DefaultLimit,
			RateWindow:         ratelimit.DefaultWindow,
			TypingTimeout:      router.DefaultTypingTimeout,
			OutboundQueue:      session.DefaultQueueSize,
			InboundBuffer:      session.DefaultInboundBuffer,
			MaxRoomsPerSession: router.DefaultMaxRoomsPerSession,
		},
		Auth: AuthConfig{
			SessionIdleTimeout: 48 * time.Hour,
		},
	}
}

// LoadDotEnv copies the given .env files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from the defaults, the YAML file at path (skipped when
// empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every impossible setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Addr) != "", "addr is required")
	_, levelErr := ParseLevel(c.LogLevel)
	check(levelErr == nil, "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	check(c.LogFormat == "text" || c.LogFormat == "json", "log_format %q is not text or json", c.LogFormat)

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		check(strings.TrimSpace(c.Store.SQLitePath) != "", "store.sqlite_path is required for the sqlite driver")
	case DriverRedis:
		check(strings.TrimSpace(c.Store.RedisAddr) != "", "store.redis_addr is required for the redis driver")
		check(c.Store.RedisDB >= 0, "store.redis_db must not be negative")
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, redis", c.Store.Driver))
	}
	check(c.Store.Retention > 0, "store.retention must be positive")
	check(c.Store.SweepInterval > 0, "store.sweep_interval must be positive")
	check(c.Store.SweepInterval <= store.MaxSweepInterval, "store.sweep_interval must be at most %s", store.MaxSweepInterval)

	check(c.Chat.RateLimit > 0, "chat.rate_limit must be positive")
	check(c.Chat.RateWindow > 0, "chat.rate_window must be positive")
	check(c.Chat.TypingTimeout > 0, "chat.typing_timeout must be positive")
	check(c.Chat.OutboundQueue > 0, "chat.outbound_queue must be positive")
	check(c.Chat.InboundBuffer > 0, "chat.inbound_buffer must be positive")
	check(c.Chat.MaxRoomsPerSession > 0, "chat.max_rooms_per_session must be positive")

	check(c.Auth.SessionIdleTimeout > 0, "auth.session_idle_timeout must be positive")

	return errors.Join(errs...)
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}
