package manager

import (
	"fmt"
	"time"

	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/peer"
)

// PeerConfig is a remote node the manager keeps connected.
type PeerConfig struct {
	Name    string // for logs; defaults to Address
	Network string // tcp, tcp4 or tcp6
	Address string // host:port
}

// Config holds peer manager settings.
type Config struct {
	// Peer is the local identity and timer template for every connection.
	Peer *peer.Config

	ListenNetwork  string
	ListenAddress  string // empty disables inbound connections
	MaxConnections int    // live peers allowed before inbound connections are refused; 0 is unlimited

	Peers []PeerConfig

	// Reconnection strategy
	ReconnectInterval time.Duration // Initial reconnect delay
	MaxReconnectDelay time.Duration // Maximum reconnect delay
	ReconnectBackoff  float64       // Backoff multiplier (exponential)

	Logger logger.Logger
	// OnStateChange observes every peer transition. It must not block.
	OnStateChange func(p *peer.Peer, from, to peer.State)
}

// DefaultConfig returns default manager settings.
func DefaultConfig() *Config {
	return &Config{
		Peer:              peer.DefaultConfig(),
		ListenNetwork:     "tcp",
		ListenAddress:     "0.0.0.0:3868",
		MaxConnections:    1000,
		ReconnectInterval: 5 * time.Second,
		MaxReconnectDelay: 5 * time.Minute,
		ReconnectBackoff:  1.5,
	}
}

// Validate checks the manager and peer template settings.
func (c *Config) Validate() error {
	if c.Peer == nil {
		return ErrInvalidConfig{Field: "Peer", Reason: "must not be nil"}
	}
	if err := c.Peer.Validate(); err != nil {
		return err
	}
	if c.ListenAddress == "" && len(c.Peers) == 0 {
		return ErrInvalidConfig{Field: "Peers", Reason: "no listen address and no peers"}
	}
	for i, pc := range c.Peers {
		if pc.Address == "" {
			return ErrInvalidConfig{Field: fmt.Sprintf("Peers[%d].Address", i), Reason: "must not be empty"}
		}
	}
	if c.MaxConnections < 0 {
		return ErrInvalidConfig{Field: "MaxConnections", Reason: "must not be negative"}
	}
	if c.ReconnectInterval <= 0 {
		return ErrInvalidConfig{Field: "ReconnectInterval", Reason: "must be greater than 0"}
	}
	if c.MaxReconnectDelay < c.ReconnectInterval {
		return ErrInvalidConfig{Field: "MaxReconnectDelay", Reason: "must be >= ReconnectInterval"}
	}
	if c.ReconnectBackoff < 1.0 {
		return ErrInvalidConfig{Field: "ReconnectBackoff", Reason: "must be >= 1.0"}
	}
	return nil
}

// ErrInvalidConfig represents a configuration validation error
type ErrInvalidConfig struct {
	Field  string
	Reason string
}

func (e ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}
