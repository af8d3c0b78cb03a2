package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/hay-kot/criterio"
)

const minLineBytes = 64

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// Validate checks that the configuration is usable. The error, when not nil,
// is a criterio.FieldErrors naming every offending key.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if c.Host == "" {
		errs = errs.Append("host", errors.New("cannot be empty"))
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = errs.Append("port", fmt.Errorf("%d is outside 0-65535", c.Port))
	}

	if c.CacheSize < 0 {
		errs = errs.Append("cache_size", errors.New("cannot be negative"))
	}

	if c.WebSocketAddr != "" {
		if _, port, err := net.SplitHostPort(c.WebSocketAddr); err != nil {
			errs = errs.Append("websocket_addr", err)
		} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			errs = errs.Append("websocket_addr", fmt.Errorf("invalid port %q", port))
		}
	}

	if c.OutboundDepth < 1 {
		errs = errs.Append("outbound_depth", errors.New("must be at least 1"))
	}

	if c.MaxLineBytes < minLineBytes {
		errs = errs.Append("max_line_bytes", fmt.Errorf("must be at least %d", minLineBytes))
	}

	if c.StatsInterval < 0 {
		errs = errs.Append("stats_interval", errors.New("cannot be negative"))
	}

	if c.DrainTimeout < 0 {
		errs = errs.Append("drain_timeout", errors.New("cannot be negative"))
	}

	return errs.ToError()
}

// Warnings reports settings that are valid but probably unintended.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if ip := net.ParseIP(c.Host); c.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		warnings = append(warnings, ValidationWarning{
			Category: "Network",
			Item:     "host",
			Message:  fmt.Sprintf("listening on %s; the broker has no authentication", c.Host),
		})
	}

	if c.CacheSize == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Cache",
			Item:     "cache_size",
			Message:  "replay cache is disabled; reconnecting subscribers will not catch up",
		})
	}

	return warnings
}
