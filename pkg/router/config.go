package router

import (
	"time"

	"github.com/hsdfat/diam-engine/pkg/logger"
)

// Config holds router settings.
type Config struct {
	OriginHost  string
	OriginRealm string

	// RequestTimeout bounds SendRequest when the context has no earlier deadline.
	RequestTimeout time.Duration
	// DuplicateLifetime is how long a request identity is remembered.
	DuplicateLifetime time.Duration
	// MaxDuplicates caps the duplicate cache; the oldest entries go first.
	MaxDuplicates int

	Logger logger.Logger
}

// DefaultConfig returns default router settings.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:    10 * time.Second,
		DuplicateLifetime: 60 * time.Second,
		MaxDuplicates:     100000,
	}
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	cfg := *c
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = out.RequestTimeout
	}
	if cfg.DuplicateLifetime <= 0 {
		cfg.DuplicateLifetime = out.DuplicateLifetime
	}
	if cfg.MaxDuplicates <= 0 {
		cfg.MaxDuplicates = out.MaxDuplicates
	}
	return &cfg
}
