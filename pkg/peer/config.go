package peer

import (
	"fmt"
	"net"
	"time"

	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// VendorApplication is advertised in a Vendor-Specific-Application-Id AVP.
type VendorApplication struct {
	VendorID          uint32
	AuthApplicationID uint32
	AcctApplicationID uint32
}

// Config holds the local identity and timers of a peer connection.
type Config struct {
	OriginHost         string
	OriginRealm        string
	HostIPAddresses    []net.IP // empty uses the local address of the connection
	VendorID           uint32
	ProductName        string
	FirmwareRevision   uint32
	OriginStateID      uint32
	SupportedVendorIDs []uint32
	AuthApplicationIDs []uint32
	AcctApplicationIDs []uint32
	VendorApplications []VendorApplication

	HandshakeTimeout  time.Duration // WaitCapabilitiesExchange limit
	WatchdogInterval  time.Duration // idle time before a DWR is sent
	WatchdogTimeout   time.Duration // time allowed for the DWA
	DisconnectTimeout time.Duration // time allowed for the DPA

	Transport *connection.Config
	IDs       *message.IDGenerator
	Logger    logger.Logger

	// Admit is consulted once the remote identity is known. Any result other
	// than success refuses the connection with that code.
	Admit func(p *Peer, info Info) message.ResultCode
	// OnStateChange is called on every transition. It must not block.
	OnStateChange func(p *Peer, from, to State)
}

// DefaultConfig returns a configuration with RFC 6733 style timers.
func DefaultConfig() *Config {
	return &Config{
		VendorID:          message.Vendor3GPP,
		ProductName:       "diam-engine",
		FirmwareRevision:  1,
		OriginStateID:     uint32(time.Now().Unix()),
		HandshakeTimeout:  10 * time.Second,
		WatchdogInterval:  30 * time.Second,
		WatchdogTimeout:   10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Validate checks the fields a peer cannot run without.
func (c *Config) Validate() error {
	if c.OriginHost == "" {
		return &ConfigError{Field: "OriginHost", Reason: "is required"}
	}
	if c.OriginRealm == "" {
		return &ConfigError{Field: "OriginRealm", Reason: "is required"}
	}
	if len(c.Applications()) == 0 {
		return &ConfigError{Field: "AuthApplicationIDs", Reason: "at least one application is required"}
	}
	for name, d := range map[string]time.Duration{
		"HandshakeTimeout":  c.HandshakeTimeout,
		"WatchdogInterval":  c.WatchdogInterval,
		"WatchdogTimeout":   c.WatchdogTimeout,
		"DisconnectTimeout": c.DisconnectTimeout,
	} {
		if d <= 0 {
			return &ConfigError{Field: name, Reason: "must be positive"}
		}
	}
	return nil
}

// Applications returns every application id the local node advertises.
func (c *Config) Applications() []uint32 {
	var apps []uint32
	apps = append(apps, c.AuthApplicationIDs...)
	apps = append(apps, c.AcctApplicationIDs...)
	for _, va := range c.VendorApplications {
		if va.AuthApplicationID != 0 {
			apps = append(apps, va.AuthApplicationID)
		}
		if va.AcctApplicationID != 0 {
			apps = append(apps, va.AcctApplicationID)
		}
	}
	return apps
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid peer config: %s %s", e.Field, e.Reason)
}
