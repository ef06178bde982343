package config

import (
	"github.com/spf13/pflag"
)

// Flags are the command-line overrides. Only flags set explicitly replace
// file and environment values.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath string
	EnvFile    string

	addr               string
	logLevel           string
	logFormat          string
	storeDriver        string
	sqlitePath         string
	redisAddr          string
	enableRegistration bool
}

// RegisterFlags defines the server flags on fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	fs.StringVar(&f.addr, "addr", "", "http listen address")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&f.storeDriver, "store", "", "message store: memory, sqlite or redis")
	fs.StringVar(&f.sqlitePath, "sqlite-path", "", "sqlite database file")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "redis address host:port")
	fs.BoolVar(&f.enableRegistration, "enable-registration", false, "serve POST /api/auth/register")
	return f
}

// Apply copies every explicitly set flag into cfg.
func (f *Flags) Apply(cfg *Config) {
	if f.fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if f.fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.fs.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if f.fs.Changed("store") {
		cfg.Store.Driver = f.storeDriver
	}
	if f.fs.Changed("sqlite-path") {
		cfg.Store.SQLitePath = f.sqlitePath
	}
	if f.fs.Changed("redis-addr") {
		cfg.Store.RedisAddr = f.redisAddr
	}
	if f.fs.Changed("enable-registration") {
		cfg.Auth.EnableRegistration = f.enableRegistration
	}
}
