package connection

import (
	"time"

	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// Config holds configuration for a connection
type Config struct {
	DialTimeout    time.Duration // Maximum duration of a connect attempt
	WriteTimeout   time.Duration // Maximum duration of a single write
	ReadBufferSize int           // Initial receive buffer size
	MaxMessageSize int           // Frames declaring a larger length close the connection
	MessageBuffer  int           // Decoded messages queued ahead of the consumer

	Dictionary avp.Dictionary // AVP types for decoding, nil keeps every value opaque
	Tap        Tap            // Optional observer of raw frames
	Logger     logger.Logger

	// OnMalformed may return an answer to write before the connection is
	// closed because of an undecodable frame.
	OnMalformed func(c *Conn, err *message.MalformedMessageError) *message.Message
}

// DefaultConfig returns default connection configuration
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadBufferSize: 16 * 1024,
		MaxMessageSize: 1 << 20,
		MessageBuffer:  64,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		d.Logger = logger.Default()
		return d
	}
	out := *c
	if out.DialTimeout <= 0 {
		out.DialTimeout = d.DialTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = d.MaxMessageSize
	}
	if out.MessageBuffer < 0 {
		out.MessageBuffer = 0
	}
	out.Logger = logger.Or(out.Logger)
	return &out
}
