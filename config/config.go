// Package config loads server settings from YAML files with
// environment variable overrides.
package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk server configuration.
type Config struct {
	Hostname string `yaml:"hostname"`
	Listen   string `yaml:"listen"`

	TLS struct {
		CertFile     string `yaml:"cert_file"`
		KeyFile      string `yaml:"key_file"`
		Implicit     bool   `yaml:"implicit"`
		HideSTARTTLS bool   `yaml:"hide_starttls"`
	} `yaml:"tls"`

	Auth struct {
		Mechanisms    []string `yaml:"mechanisms"`
		AllowInsecure bool     `yaml:"allow_insecure"`
	} `yaml:"auth"`

	Limits struct {
		MaxClients     int    `yaml:"max_clients"`
		MaxRecipients  int    `yaml:"max_recipients"`
		MaxMessageSize int64  `yaml:"max_message_size"`
		MaxLineLength  int    `yaml:"max_line_length"`
	} `yaml:"limits"`

	Timeouts struct {
		Socket      time.Duration `yaml:"socket"`
		Close       time.Duration `yaml:"close"`
		EarlyTalker time.Duration `yaml:"early_talker"`
	} `yaml:"timeouts"`

	DisabledCommands []string `yaml:"disabled_commands"`
	ExtraExtensions  []string `yaml:"extra_extensions"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns a Config with the same defaults the server applies.
func Default() Config {
	var c Config
	c.Listen = ":25"
	c.Limits.MaxLineLength = 512
	c.Timeouts.Socket = 60 * time.Second
	c.Timeouts.Close = 30 * time.Second
	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// Load reads a YAML file, applies WREN_ environment overrides, and
// validates the result. An empty path skips the file and uses defaults
// plus environment only.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv()

	if err := c.Validate(); err != nil {
		return c, err
	}

	return c, nil
}

// applyEnv overrides fields from WREN_ variables. Only the settings
// that commonly differ between deployments are exposed.
func (c *Config) applyEnv() {
	if v := os.Getenv("WREN_HOSTNAME"); v != "" {
		c.Hostname = v
	}
	if v := os.Getenv("WREN_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("WREN_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("WREN_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("WREN_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxClients = n
		}
	}
	if v := os.Getenv("WREN_MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Limits.MaxMessageSize = n
		}
	}
	if v := os.Getenv("WREN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if c.TLS.Implicit && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("implicit TLS requires cert_file and key_file")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	if c.Limits.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Logger builds a slog.Logger matching the log section.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// TLSConfig loads the certificate pair, or returns nil when TLS is not
// configured.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.TLS.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
