// Package transport binds an mcp.Server to one of the stdio, SSE or HTTP-stream transports. A
// Factory creates a session per connecting client, relays progress updates to the client that
// asked for them and serves the HTTP surface (session introspection, health, CORS) of the
// network transports.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type selects the wire transport.
type Type string

// Supported transports.
const (
	TypeStdio      Type = "stdio"
	TypeSSE        Type = "sse"
	TypeHTTPStream Type = "http-stream"
)

// Config is the construction-time configuration of a Factory. It is copied by New and never
// changes afterwards.
type Config struct {
	Type Type
	Host string
	// Port 0 binds an ephemeral port, see Factory.Addr.
	Port int
	// Path is the base path of the HTTP routes.
	Path string

	EnableCORS bool
	// SessionTimeout is the idle timeout of the sessions the factory creates.
	SessionTimeout time.Duration
	EnableAutoSync bool
	EnableProgress bool
}

// ErrInvalidConfig is returned by Validate and New for unusable configuration.
var ErrInvalidConfig = errors.New("invalid transport config")

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Type:           TypeStdio,
		Host:           "localhost",
		Port:           3000,
		Path:           "/mcp",
		EnableCORS:     true,
		SessionTimeout: 30 * time.Minute,
		EnableAutoSync: true,
		EnableProgress: true,
	}
}

// Validate checks the configuration. HTTP settings are ignored for the stdio transport.
func (c Config) Validate() error {
	switch c.Type {
	case TypeStdio, TypeSSE, TypeHTTPStream:
	default:
		return fmt.Errorf("%w: unknown transport type %q", ErrInvalidConfig, c.Type)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session timeout must be positive", ErrInvalidConfig)
	}
	if c.Type == TypeStdio {
		return nil
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalidConfig, c.Path)
	}
	return nil
}

// basePath is Path without a trailing slash, so routes can be appended to it.
func (c Config) basePath() string {
	return strings.TrimSuffix(c.Path, "/")
}
