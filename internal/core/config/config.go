// Package config handles configuration loading and validation for aiomemq.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the broker configuration.
type Config struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	CacheSize     int           `yaml:"cache_size"`
	WebSocketAddr string        `yaml:"websocket_addr"`
	OutboundDepth int           `yaml:"outbound_depth"`
	MaxLineBytes  int           `yaml:"max_line_bytes"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          7000,
		CacheSize:     100,
		OutboundDepth: 8192,
		MaxLineBytes:  1 << 20,
		DrainTimeout:  5 * time.Second,
	}
}

// Read loads the configuration at path over the defaults without validating
// it. A missing file or empty path yields the defaults.
func Read(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Load is Read followed by Validate.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills options that must never be empty.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaults.DrainTimeout
	}
}

// Addr returns the TCP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DialAddr returns the address a local client should connect to. Wildcard
// listen hosts are replaced with loopback.
func (c *Config) DialAddr() string {
	return net.JoinHostPort(dialHost(c.Host), strconv.Itoa(c.Port))
}

// WebSocketURL returns the ws:// URL of the WebSocket listener, or "" when it
// is disabled.
func (c *Config) WebSocketURL() string {
	if c.WebSocketAddr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(c.WebSocketAddr)
	if err != nil {
		return ""
	}
	return "ws://" + net.JoinHostPort(dialHost(host), port) + "/"
}

func dialHost(host string) string {
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return "127.0.0.1"
	}
	return host
}
