// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/hls-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicURL string `kong:"help='Externally visible proxy base URL used in rewritten playlists (overrides config).',env='PUBLIC_URL'"`
	PoolSize  int    `kong:"help='Number of playlist rewrite workers (overrides config).',env='POOL_SIZE'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Pool     PoolConfig     `toml:"pool"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	Environment  string          `toml:"environment"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds settings for target resolution and playlist rewriting.
type ProxyConfig struct {
	BasePath              string   `toml:"base_path"`
	PublicURL             string   `toml:"public_url"` // empty derives the base from the inbound request
	MaxURLLength          int      `toml:"max_url_length"`
	MaxPlaylistBytes      int64    `toml:"max_playlist_bytes"`
	RequestTimeoutSeconds int      `toml:"request_timeout_seconds"`
	AllowPrivate          bool     `toml:"allow_private"`
	AllowHosts            []string `toml:"allow_hosts"`
	AllowCIDRs            []string `toml:"allow_cidrs"`
	CORSOrigins           []string `toml:"cors_origins"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	IdleConnections       int    `toml:"idle_connections"`
	MaxRedirects          int    `toml:"max_redirects"`
	UserAgent             string `toml:"user_agent"`
	Referer               string `toml:"referer"`
	Origin                string `toml:"origin"`
}

// PoolConfig sizes the playlist rewrite worker pool.
type PoolConfig struct {
	Size     int `toml:"size"`      // 0 means runtime.NumCPU()
	MaxQueue int `toml:"max_queue"` // jobs waiting beyond this are rejected
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/hls-proxy/config.toml then configs/config.toml. If neither exists the
// defaults are used.
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
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicURL != "" {
		c.Proxy.PublicURL = cli.PublicURL
	}
	if cli.PoolSize != 0 {
		c.Pool.Size = cli.PoolSize
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Base path: "/segment" form, no trailing slash.
	if p := c.Proxy.BasePath; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("proxy.base_path must start with '/'; got %q", p)
		}
		if len(p) > 1 && strings.HasSuffix(p, "/") {
			return fmt.Errorf("proxy.base_path must not end with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("proxy.base_path must not be the root path")
		}
	}

	// Public URL: optional, but must be absolute http(s) when set.
	if c.Proxy.PublicURL != "" {
		u, err := url.Parse(c.Proxy.PublicURL)
		if err != nil {
			return fmt.Errorf("proxy.public_url is not a valid URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxy.public_url must be an absolute http(s) URL; got %q", c.Proxy.PublicURL)
		}
	}

	for _, cidr := range c.Proxy.AllowCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("proxy.allow_cidrs: %q is not a valid CIDR: %w", cidr, err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Proxy.MaxURLLength < 0 {
		return fmt.Errorf("proxy.max_url_length must be non-negative; got %d", c.Proxy.MaxURLLength)
	}
	if c.Proxy.MaxPlaylistBytes < 0 {
		return fmt.Errorf("proxy.max_playlist_bytes must be non-negative; got %d", c.Proxy.MaxPlaylistBytes)
	}
	if c.Proxy.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("proxy.request_timeout_seconds must be non-negative; got %d", c.Proxy.RequestTimeoutSeconds)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must be non-negative; got %d", c.Pool.Size)
	}
	if c.Pool.MaxQueue < 0 {
		return fmt.Errorf("pool.max_queue must be non-negative; got %d", c.Pool.MaxQueue)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		base := c.Proxy.BasePath
		if base == "" {
			base = "/proxy"
		}
		for _, reserved := range []string{base, "/healthz"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "production"
	}
	if c.Proxy.BasePath == "" {
		c.Proxy.BasePath = "/proxy"
	}
	if c.Proxy.MaxURLLength == 0 {
		c.Proxy.MaxURLLength = 2048
	}
	if c.Proxy.MaxPlaylistBytes == 0 {
		c.Proxy.MaxPlaylistBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Proxy.RequestTimeoutSeconds == 0 {
		c.Proxy.RequestTimeoutSeconds = 60
	}
	if len(c.Proxy.CORSOrigins) == 0 {
		c.Proxy.CORSOrigins = []string{"*"}
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 5
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "Mozilla/5.0 (compatible; hls-proxy/1.0)"
	}
	if c.Pool.Size == 0 {
		c.Pool.Size = runtime.NumCPU()
	}
	if c.Pool.MaxQueue == 0 {
		c.Pool.MaxQueue = 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestTimeout is the upper bound on fetch plus rewrite for one request.
func (c *ProxyConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ConnectTimeout bounds TCP/TLS connection establishment.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Timeout bounds a whole upstream transfer, body included.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
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
