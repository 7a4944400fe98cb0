// Package config resolves rendezvousd's settings from three layers, in
// increasing priority: an optional TOML file, CLI flags, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config holds every tunable setting for the rendezvousd daemon.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	MetricsAddr     string
	LogLevel        string
	Debug           bool
	Version         bool
}

// fileConfig mirrors Config for TOML decoding. Pointer fields distinguish
// "absent from the file" from "explicitly set to the zero value," so the
// flag layer above it is not silently clobbered by an empty file.
type fileConfig struct {
	Host            *string `toml:"host"`
	Port            *int    `toml:"port"`
	ShutdownTimeout *int    `toml:"shutdown_timeout_s"`
	MetricsAddr     *string `toml:"metrics_addr"`
	LogLevel        *string `toml:"log_level"`
	Debug           *bool   `toml:"debug"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fc, fmt.Errorf("config: reading %q: %w", path, err)
	}
	return fc, nil
}

// envOrString returns the environment variable's value, or fallback if it
// is unset.
func envOrString(envKey, fallback string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

func envOrInt(envKey string, fallback int) int {
	v := os.Getenv(envKey)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrBool(envKey string, fallback bool) bool {
	v := os.Getenv(envKey)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return fallback
	}
}

// Load parses args (typically os.Args[1:]) against the flag set, applies
// the TOML file named by --config (if any) as a lower-priority fallback
// for flags the caller did not explicitly pass, then applies
// RENDEZVOUSD_* environment overrides as the final, highest-priority
// layer.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("rendezvousd", pflag.ContinueOnError)

	configPath := fs.String("config", "", "Path to a TOML config file")
	host := fs.String("host", "127.0.0.1", "Bind address")
	port := fs.Int("port", 29500, "Bind port (0 = OS-assigned)")
	shutdownTimeout := fs.Int("shutdown-timeout", 30, "Shutdown timeout, seconds; validated only, the daemon stops without a drain phase")
	metricsAddr := fs.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables metrics)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	debug := fs.Bool("debug", false, "Shorthand for --log-level=debug")
	version := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fc, err := loadFileConfig(*configPath)
	if err != nil {
		return nil, err
	}

	resolve := func(flagName, flagVal string, fileVal *string) string {
		if !fs.Changed(flagName) && fileVal != nil {
			return *fileVal
		}
		return flagVal
	}
	resolveInt := func(flagName string, flagVal int, fileVal *int) int {
		if !fs.Changed(flagName) && fileVal != nil {
			return *fileVal
		}
		return flagVal
	}
	resolveBool := func(flagName string, flagVal bool, fileVal *bool) bool {
		if !fs.Changed(flagName) && fileVal != nil {
			return *fileVal
		}
		return flagVal
	}

	cfg := &Config{
		Host:            envOrString("RENDEZVOUSD_HOST", resolve("host", *host, fc.Host)),
		Port:            envOrInt("RENDEZVOUSD_PORT", resolveInt("port", *port, fc.Port)),
		ShutdownTimeout: time.Duration(envOrInt("RENDEZVOUSD_SHUTDOWN_TIMEOUT_S", resolveInt("shutdown-timeout", *shutdownTimeout, fc.ShutdownTimeout))) * time.Second,
		MetricsAddr:     envOrString("RENDEZVOUSD_METRICS_ADDR", resolve("metrics-addr", *metricsAddr, fc.MetricsAddr)),
		LogLevel:        envOrString("RENDEZVOUSD_LOG_LEVEL", resolve("log-level", *logLevel, fc.LogLevel)),
		Debug:           envOrBool("RENDEZVOUSD_DEBUG", resolveBool("debug", *debug, fc.Debug)),
		Version:         *version,
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 0-65535 (got %d)", c.Port)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown-timeout must be >= 0 (got %s)", c.ShutdownTimeout)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	return nil
}
