// Package config provides hierarchical configuration loading for polylsp.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	"github.com/polylsp/polylsp/internal/domain/lsp"
)

// Config holds all runtime configuration for the polylsp session engine.
type Config struct {
	Logging Logging `yaml:"logging"`
	LSP     LSP     `yaml:"lsp"`
	Cache   Cache   `yaml:"cache"`
	Breaker Breaker `yaml:"breaker"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// LSP holds session engine configuration.
type LSP struct {
	// RequestTimeout is the session-wide default deadline applied to a
	// request when the caller specifies none.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StartTimeout bounds process spawn plus the initialize handshake.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// ShutdownGrace is how long to wait for the server process to exit
	// after the shutdown/exit exchange before force-killing it.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// MaxConcurrentStarts caps how many language server processes may be
	// spawning/initializing at the same time.
	MaxConcurrentStarts int `yaml:"max_concurrent_starts"`

	// MaxDiagnostics caps cached diagnostics per document (0 = unlimited).
	MaxDiagnostics int `yaml:"max_diagnostics"`

	// Servers overrides or extends the built-in language server catalog.
	Servers map[string]lsp.LanguageServerConfig `yaml:"servers"`
}

// Cache holds query result cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	TTL       time.Duration `yaml:"ttl"`
}

// Breaker holds circuit breaker configuration for repeated spawn failures.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Logging: Logging{
			Level:   "info",
			Service: "polylsp",
		},
		LSP: LSP{
			RequestTimeout:      15 * time.Second,
			StartTimeout:        60 * time.Second,
			ShutdownGrace:       5 * time.Second,
			MaxConcurrentStarts: 4,
			MaxDiagnostics:      200,
		},
		Cache: Cache{
			MaxSizeMB: 64,
			TTL:       30 * time.Second,
		},
		Breaker: Breaker{
			MaxFailures: 3,
			Timeout:     30 * time.Second,
		},
	}
}
