// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"host-smuggler/internal/httphead"
)

// DefaultSmuggleHeader is the request header renamed to Host when none is configured.
const DefaultSmuggleHeader = "X-Smuggle-Host"

// MaxShutdownGraceSeconds bounds server.shutdown_grace_seconds so the drain
// always fits inside the process stop timeout.
const MaxShutdownGraceSeconds = 300

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/host-smuggler/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Bind          string `kong:"help='Host/port to bind to (overrides config).',env='BIND'"`
	DestHost      string `kong:"name='desthost',help='Host to direct requests to (overrides config).',env='DEST_HOST'"`
	DestPort      int    `kong:"name='destport',help='Port to direct requests to (overrides config).',env='DEST_PORT'"`
	SmuggleHeader string `kong:"name='smuggle-header',help='Request header containing the new Host header (overrides config).',env='SMUGGLE_HEADER'"`
	ProxyProtocol bool   `kong:"name='proxy-protocol',help='Accept PROXY protocol headers on inbound connections.'"`
	Verbose       bool   `kong:"short='v',help='Turn on verbose output.'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config and --verbose).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once by
// Load and shared read-only afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Smuggle  SmuggleConfig  `toml:"smuggle"`
	Relay    RelayConfig    `toml:"relay"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound listener settings.
type ServerConfig struct {
	Bind                 string  `toml:"bind"`
	ProxyProtocol        bool    `toml:"proxy_protocol"`
	AcceptRate           float64 `toml:"accept_rate"` // connections per second, 0 disables limiting
	AcceptBurst          int     `toml:"accept_burst"`
	ShutdownGraceSeconds int     `toml:"shutdown_grace_seconds"`
}

// UpstreamConfig holds the fixed destination.
type UpstreamConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
}

// SmuggleConfig controls request head parsing and rewriting.
type SmuggleConfig struct {
	Header               string `toml:"header"`
	MaxHeaderBytes       int    `toml:"max_header_bytes"`
	HeaderTimeoutSeconds int    `toml:"header_timeout_seconds"`
}

// RelayConfig controls the byte pump.
type RelayConfig struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
	BufferBytes        int `toml:"buffer_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds settings for the optional health/metrics HTTP server.
type AdminConfig struct {
	Enabled     bool   `toml:"enabled"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Metrics     bool   `toml:"metrics"`
	MetricsPath string `toml:"metrics_path"`

	// RateLimit caps admin requests per second; zero disables the limiter.
	RateLimit float64 `toml:"rate_limit"`
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/host-smuggler/config.toml then configs/config.toml. Running without
// any file is allowed; flags and defaults then make up the whole config.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Bind != "" {
		c.Server.Bind = cli.Bind
	}
	if cli.DestHost != "" {
		c.Upstream.Host = cli.DestHost
	}
	if cli.DestPort != 0 {
		c.Upstream.Port = cli.DestPort
	}
	if cli.SmuggleHeader != "" {
		c.Smuggle.Header = cli.SmuggleHeader
	}
	if cli.ProxyProtocol {
		c.Server.ProxyProtocol = true
	}
	if cli.Verbose {
		c.Log.Level = "debug"
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Server.Bind != "" {
		if _, port, err := net.SplitHostPort(c.Server.Bind); err != nil {
			return fmt.Errorf("server.bind must be host:port: %w", err)
		} else if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return fmt.Errorf("server.bind has invalid port %q", port)
		}
	}
	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("server.accept_rate must be non-negative; got %v", c.Server.AcceptRate)
	}
	if c.Server.AcceptBurst < 0 {
		return fmt.Errorf("server.accept_burst must be non-negative; got %d", c.Server.AcceptBurst)
	}
	if c.Server.ShutdownGraceSeconds < 0 || c.Server.ShutdownGraceSeconds > MaxShutdownGraceSeconds {
		return fmt.Errorf("server.shutdown_grace_seconds must be 0–%d; got %d", MaxShutdownGraceSeconds, c.Server.ShutdownGraceSeconds)
	}

	// The destination port has no default.
	if c.Upstream.Port == 0 {
		return errors.New("upstream.port is required (set it in the config file or pass --destport)")
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be 1–65535; got %d", c.Upstream.Port)
	}
	if strings.ContainsAny(c.Upstream.Host, " \t/") {
		return fmt.Errorf("upstream.host is not a valid host; got %q", c.Upstream.Host)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}

	if c.Smuggle.Header != "" {
		if !httphead.IsToken(c.Smuggle.Header) {
			return fmt.Errorf("smuggle.header is not a valid header name; got %q", c.Smuggle.Header)
		}
		if strings.EqualFold(c.Smuggle.Header, "Host") {
			return errors.New("smuggle.header must differ from Host")
		}
	}
	if c.Smuggle.MaxHeaderBytes < 0 {
		return fmt.Errorf("smuggle.max_header_bytes must be non-negative; got %d", c.Smuggle.MaxHeaderBytes)
	}
	if c.Smuggle.HeaderTimeoutSeconds < 0 {
		return fmt.Errorf("smuggle.header_timeout_seconds must be non-negative; got %d", c.Smuggle.HeaderTimeoutSeconds)
	}

	if c.Relay.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("relay.idle_timeout_seconds must be non-negative; got %d", c.Relay.IdleTimeoutSeconds)
	}
	if c.Relay.BufferBytes < 0 {
		return fmt.Errorf("relay.buffer_bytes must be non-negative; got %d", c.Relay.BufferBytes)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Admin.RateLimit < 0 {
		return fmt.Errorf("admin.rate_limit must be non-negative; got %v", c.Admin.RateLimit)
	}
	if c.Admin.Metrics && c.Admin.MetricsPath != "" {
		p := c.Admin.MetricsPath
		if p[0] != '/' {
			return fmt.Errorf("admin.metrics_path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("admin.metrics_path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// As with the port fields, zero means "unset" because TOML cannot
// distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = "0.0.0.0:3000"
	}
	if c.Server.AcceptRate > 0 && c.Server.AcceptBurst == 0 {
		c.Server.AcceptBurst = max(1, int(c.Server.AcceptRate))
	}
	if c.Server.ShutdownGraceSeconds == 0 {
		c.Server.ShutdownGraceSeconds = 30
	}
	if c.Upstream.Host == "" {
		c.Upstream.Host = "127.0.0.1"
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Smuggle.Header == "" {
		c.Smuggle.Header = DefaultSmuggleHeader
	}
	if c.Smuggle.MaxHeaderBytes == 0 {
		c.Smuggle.MaxHeaderBytes = 64 * 1024
	}
	if c.Smuggle.HeaderTimeoutSeconds == 0 {
		c.Smuggle.HeaderTimeoutSeconds = 60
	}
	if c.Relay.IdleTimeoutSeconds == 0 {
		c.Relay.IdleTimeoutSeconds = 60
	}
	if c.Relay.BufferBytes == 0 {
		c.Relay.BufferBytes = 32 * 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the destination as host:port.
func (c *UpstreamConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin server listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConnectTimeout returns the upstream connect bound.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// HeaderTimeout returns how long a client may take to send its first request head.
func (c *SmuggleConfig) HeaderTimeout() time.Duration {
	return time.Duration(c.HeaderTimeoutSeconds) * time.Second
}

// IdleTimeout returns how long the pump waits on the remaining direction after a half-close.
func (c *RelayConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the drain period for in-flight connections.
func (c *ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
