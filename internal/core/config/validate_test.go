package config

import (
	"testing"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	return &cfg
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, validConfig(t).Validate())
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"empty host", func(c *Config) { c.Host = "" }, "host"},
		{"port too large", func(c *Config) { c.Port = 70000 }, "port"},
		{"negative port", func(c *Config) { c.Port = -1 }, "port"},
		{"negative cache", func(c *Config) { c.CacheSize = -5 }, "cache_size"},
		{"websocket without port", func(c *Config) { c.WebSocketAddr = "localhost" }, "websocket_addr"},
		{"websocket bad port", func(c *Config) { c.WebSocketAddr = "localhost:http2" }, "websocket_addr"},
		{"zero outbound depth", func(c *Config) { c.OutboundDepth = 0 }, "outbound_depth"},
		{"tiny lines", func(c *Config) { c.MaxLineBytes = 10 }, "max_line_bytes"},
		{"negative stats interval", func(c *Config) { c.StatsInterval = -time.Second }, "stats_interval"},
		{"negative drain timeout", func(c *Config) { c.DrainTimeout = -time.Second }, "drain_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()

			var fieldErrs criterio.FieldErrors
			require.ErrorAs(t, err, &fieldErrs)
			require.Len(t, fieldErrs, 1)
			assert.Equal(t, tt.field, fieldErrs[0].Field)
		})
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	cfg := validConfig(t)
	cfg.Port = 99999
	cfg.CacheSize = -1
	cfg.OutboundDepth = 0

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, cfg.Validate(), &fieldErrs)
	assert.Len(t, fieldErrs, 3)
}

func TestValidate_ZeroValuesAllowed(t *testing.T) {
	cfg := validConfig(t)
	cfg.Port = 0
	cfg.CacheSize = 0
	cfg.WebSocketAddr = ":0"

	assert.NoError(t, cfg.Validate())
}

func TestWarnings(t *testing.T) {
	cfg := validConfig(t)
	assert.Empty(t, cfg.Warnings())

	cfg.Host = "localhost"
	assert.Empty(t, cfg.Warnings())

	cfg.Host = "0.0.0.0"
	cfg.CacheSize = 0

	warnings := cfg.Warnings()
	require.Len(t, warnings, 2)
	assert.Equal(t, "host", warnings[0].Item)
	assert.Equal(t, "cache_size", warnings[1].Item)
}
