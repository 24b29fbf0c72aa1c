package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/manager"
	"github.com/hsdfat/diam-engine/pkg/peer"
	"github.com/hsdfat/diam-engine/pkg/router"
)

// Config holds the application configuration
type Config struct {
	Node      NodeConfig
	Listen    ListenConfig
	Peers     []PeerConfig
	Timers    TimersConfig
	Reconnect ReconnectConfig
	Transport TransportConfig
	Router    RouterConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Capture   CaptureConfig
}

// NodeConfig is the local Diameter identity advertised in CER/CEA.
type NodeConfig struct {
	OriginHost         string
	OriginRealm        string
	HostIPAddresses    []string
	ProductName        string
	VendorID           uint32
	FirmwareRevision   uint32
	SupportedVendorIDs []uint32
	AuthAppIDs         []uint32
	AcctAppIDs         []uint32
	VendorApps         []VendorAppConfig
}

// VendorAppConfig is one Vendor-Specific-Application-Id entry.
type VendorAppConfig struct {
	VendorID  uint32
	AuthAppID uint32
	AcctAppID uint32
}

// ListenConfig holds inbound connection settings
type ListenConfig struct {
	Network        string
	Address        string // empty disables inbound connections
	MaxConnections int
}

// PeerConfig is a remote node to keep connected
type PeerConfig struct {
	Name    string
	Network string
	Address string
}

// TimersConfig holds the peer state machine timers
type TimersConfig struct {
	Handshake  time.Duration
	Watchdog   time.Duration
	DWATimeout time.Duration
	Disconnect time.Duration
}

// ReconnectConfig holds the backoff for configured peers
type ReconnectConfig struct {
	Interval time.Duration
	MaxDelay time.Duration
	Backoff  float64
}

// TransportConfig holds per-connection limits
type TransportConfig struct {
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
	MaxMessageSize int
	MessageBuffer  int
}

// RouterConfig holds request routing settings
type RouterConfig struct {
	RequestTimeout    time.Duration
	HandlerTimeout    time.Duration // 0 disables the timeout middleware
	DuplicateLifetime time.Duration
	MaxDuplicates     int
	RateLimit         float64 // requests per second per origin host, 0 disables
	RateBurst         int
	ValidateRequests  bool // run ValidationMiddleware on inbound requests
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string // "debug", "info", "warn", "error"
	Format     string // "json", "text"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// MetricsConfig holds the admin HTTP server settings
type MetricsConfig struct {
	Enabled   bool
	Address   string
	Namespace string
}

// CaptureConfig holds pcap capture settings
type CaptureConfig struct {
	Enabled bool
	File    string
}

// Load loads configuration from file and environment variables
// Priority order (highest to lowest):
// 1. Environment variables (prefixed with DIAMENG_)
// 2. Config file specified by configPath
// 3. config.yaml in standard paths
// 4. Hardcoded defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/diam-engine")
	}

	v.SetEnvPrefix("DIAMENG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.originHost", "diam-engine.example.com")
	v.SetDefault("node.originRealm", "example.com")
	v.SetDefault("node.productName", "diam-engine")
	v.SetDefault("node.vendorID", 10415)
	v.SetDefault("node.firmwareRevision", 1)
	v.SetDefault("node.authAppIDs", []uint32{16777251})

	v.SetDefault("listen.network", "tcp")
	v.SetDefault("listen.address", "0.0.0.0:3868")
	v.SetDefault("listen.maxConnections", 1000)

	v.SetDefault("timers.handshake", "10s")
	v.SetDefault("timers.watchdog", "30s")
	v.SetDefault("timers.dwaTimeout", "10s")
	v.SetDefault("timers.disconnect", "5s")

	v.SetDefault("reconnect.interval", "5s")
	v.SetDefault("reconnect.maxDelay", "5m")
	v.SetDefault("reconnect.backoff", 1.5)

	v.SetDefault("transport.dialTimeout", "5s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.readBufferSize", 16*1024)
	v.SetDefault("transport.maxMessageSize", 1<<20)
	v.SetDefault("transport.messageBuffer", 64)

	v.SetDefault("router.requestTimeout", "10s")
	v.SetDefault("router.duplicateLifetime", "60s")
	v.SetDefault("router.maxDuplicates", 100000)
	v.SetDefault("router.rateBurst", 100)
	v.SetDefault("router.validateRequests", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 30)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "0.0.0.0:9091")
	v.SetDefault("metrics.namespace", "diameter")

	v.SetDefault("capture.file", "diameter.pcap")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if err := c.Listen.Validate(); err != nil {
		return fmt.Errorf("listen config: %w", err)
	}
	for i, p := range c.Peers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
	}
	if c.Listen.Address == "" && len(c.Peers) == 0 {
		return fmt.Errorf("either listen.address or at least one peer is required")
	}
	if err := c.Timers.Validate(); err != nil {
		return fmt.Errorf("timers config: %w", err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect config: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	return nil
}

// Validate validates the NodeConfig
func (c *NodeConfig) Validate() error {
	if c.OriginHost == "" {
		return fmt.Errorf("originHost is required")
	}
	if c.OriginRealm == "" {
		return fmt.Errorf("originRealm is required")
	}
	if c.ProductName == "" {
		return fmt.Errorf("productName is required")
	}
	if len(c.AuthAppIDs)+len(c.AcctAppIDs)+len(c.VendorApps) == 0 {
		return fmt.Errorf("at least one application id is required")
	}
	for _, s := range c.HostIPAddresses {
		if net.ParseIP(s) == nil {
			return fmt.Errorf("hostIPAddresses: %q is not an IP address", s)
		}
	}
	for i, va := range c.VendorApps {
		if va.AuthAppID == 0 && va.AcctAppID == 0 {
			return fmt.Errorf("vendorApps[%d]: authAppID or acctAppID is required", i)
		}
	}
	return nil
}

// Validate validates the ListenConfig
func (c *ListenConfig) Validate() error {
	if err := validNetwork(c.Network); err != nil {
		return err
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("maxConnections must be non-negative")
	}
	return nil
}

// Validate validates one PeerConfig
func (c *PeerConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	return validNetwork(c.Network)
}

func validNetwork(n string) error {
	switch n {
	case "", "tcp", "tcp4", "tcp6":
		return nil
	case "sctp":
		return fmt.Errorf("network sctp is not supported")
	}
	return fmt.Errorf("unknown network %q", n)
}

// Validate validates the TimersConfig
func (c *TimersConfig) Validate() error {
	if c.Handshake <= 0 {
		return fmt.Errorf("handshake must be positive")
	}
	if c.Watchdog <= 0 {
		return fmt.Errorf("watchdog must be positive")
	}
	if c.DWATimeout <= 0 {
		return fmt.Errorf("dwaTimeout must be positive")
	}
	if c.Disconnect <= 0 {
		return fmt.Errorf("disconnect must be positive")
	}
	return nil
}

// Validate validates the ReconnectConfig
func (c *ReconnectConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.MaxDelay < c.Interval {
		return fmt.Errorf("maxDelay must not be less than interval")
	}
	if c.Backoff < 1.0 {
		return fmt.Errorf("backoff must be at least 1.0")
	}
	return nil
}

// Validate validates the TransportConfig
func (c *TransportConfig) Validate() error {
	if c.DialTimeout < 0 {
		return fmt.Errorf("dialTimeout must be non-negative")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("writeTimeout must be non-negative")
	}
	if c.MaxMessageSize != 0 && c.MaxMessageSize < 20 {
		return fmt.Errorf("maxMessageSize must hold at least a header")
	}
	if c.MessageBuffer < 0 {
		return fmt.Errorf("messageBuffer must be non-negative")
	}
	return nil
}

// Validate validates the RouterConfig
func (c *RouterConfig) Validate() error {
	if c.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("handlerTimeout must be non-negative")
	}
	if c.DuplicateLifetime < 0 {
		return fmt.Errorf("duplicateLifetime must be non-negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rateLimit must be non-negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return fmt.Errorf("rateBurst must be at least 1")
	}
	return nil
}

// Validate validates the LoggingConfig
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Level)
	}
	if c.Format != "json" && c.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Format)
	}
	return nil
}

// Validate validates the MetricsConfig
func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Address == "" {
		return fmt.Errorf("address is required when metrics are enabled")
	}
	return nil
}

// Validate validates the CaptureConfig
func (c *CaptureConfig) Validate() error {
	if c.Enabled && c.File == "" {
		return fmt.Errorf("file is required when capture is enabled")
	}
	return nil
}

// LoggerOptions converts the logging section for logger.NewWithOptions.
func (c *Config) LoggerOptions(name string) logger.Options {
	return logger.Options{
		Name:       name,
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// ToPeer returns the local identity and timers as a peer template.
func (c *Config) ToPeer() *peer.Config {
	pc := peer.DefaultConfig()
	pc.OriginHost = c.Node.OriginHost
	pc.OriginRealm = c.Node.OriginRealm
	pc.ProductName = c.Node.ProductName
	pc.VendorID = c.Node.VendorID
	pc.FirmwareRevision = c.Node.FirmwareRevision
	pc.SupportedVendorIDs = c.Node.SupportedVendorIDs
	pc.AuthApplicationIDs = c.Node.AuthAppIDs
	pc.AcctApplicationIDs = c.Node.AcctAppIDs
	for _, s := range c.Node.HostIPAddresses {
		if ip := net.ParseIP(s); ip != nil {
			pc.HostIPAddresses = append(pc.HostIPAddresses, ip)
		}
	}
	for _, va := range c.Node.VendorApps {
		pc.VendorApplications = append(pc.VendorApplications, peer.VendorApplication{
			VendorID:          va.VendorID,
			AuthApplicationID: va.AuthAppID,
			AcctApplicationID: va.AcctAppID,
		})
	}
	pc.HandshakeTimeout = c.Timers.Handshake
	pc.WatchdogInterval = c.Timers.Watchdog
	pc.WatchdogTimeout = c.Timers.DWATimeout
	pc.DisconnectTimeout = c.Timers.Disconnect
	pc.Transport = &connection.Config{
		DialTimeout:    c.Transport.DialTimeout,
		WriteTimeout:   c.Transport.WriteTimeout,
		ReadBufferSize: c.Transport.ReadBufferSize,
		MaxMessageSize: c.Transport.MaxMessageSize,
		MessageBuffer:  c.Transport.MessageBuffer,
	}
	return pc
}

// ToManager converts the configuration for manager.New. The caller fills in
// the dictionary, tap and hooks.
func (c *Config) ToManager(log logger.Logger) *manager.Config {
	mc := manager.DefaultConfig()
	mc.Peer = c.ToPeer()
	mc.Peer.Logger = log
	mc.Peer.Transport.Logger = log
	mc.ListenNetwork = c.Listen.Network
	mc.ListenAddress = c.Listen.Address
	mc.MaxConnections = c.Listen.MaxConnections
	for _, p := range c.Peers {
		mc.Peers = append(mc.Peers, manager.PeerConfig{Name: p.Name, Network: p.Network, Address: p.Address})
	}
	mc.ReconnectInterval = c.Reconnect.Interval
	mc.MaxReconnectDelay = c.Reconnect.MaxDelay
	mc.ReconnectBackoff = c.Reconnect.Backoff
	mc.Logger = log
	return mc
}

// ToRouter converts the router section.
func (c *Config) ToRouter(log logger.Logger) *router.Config {
	return &router.Config{
		OriginHost:        c.Node.OriginHost,
		OriginRealm:       c.Node.OriginRealm,
		RequestTimeout:    c.Router.RequestTimeout,
		DuplicateLifetime: c.Router.DuplicateLifetime,
		MaxDuplicates:     c.Router.MaxDuplicates,
		Logger:            log,
	}
}
