package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// DNS blacklist checking
	DNSBL DNSBLConfig `yaml:"dnsbl"`

	// Outbound DNS resolution used for blacklist queries
	Resolver ResolverConfig `yaml:"resolver"`

	// Answer cache in front of the resolver
	Cache CacheConfig `yaml:"cache"`

	// IRC server connection
	IRC IRCConfig `yaml:"irc"`

	// Record database (exemptions)
	Storage StorageConfig `yaml:"storage"`

	// HTTP admin API
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DNSBLConfig holds the blacklist zones and the response policy defaults
type DNSBLConfig struct {
	// Blacklists is the list of DNSBL zone suffixes, queried in this order.
	Blacklists []string `yaml:"blacklists"`

	// Action is the default response policy: none, log, notify or kline.
	Action string `yaml:"action"`

	KlineDuration time.Duration  `yaml:"kline_duration"`
	KlineReason   string         `yaml:"kline_reason"`
	SkipRules     []SkipRule     `yaml:"skip_rules"`
	Throttle      ThrottleConfig `yaml:"throttle"`
}

// SkipRule is an expression evaluated against a connecting client.
// Clients matching any rule are not checked.
type SkipRule struct {
	Name  string `yaml:"name"`
	Logic string `yaml:"logic"`
}

// ThrottleConfig limits how often lookup passes are started for one IP
type ThrottleConfig struct {
	Enabled           bool          `yaml:"enabled"`
	PassesPerMinute   float64       `yaml:"passes_per_minute"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxTrackedClients int           `yaml:"max_tracked_clients"`
}

// ResolverConfig holds settings for the asynchronous DNS resolver
type ResolverConfig struct {
	// Upstreams are host:port DNS servers. Empty means /etc/resolv.conf.
	Upstreams     []string      `yaml:"upstreams"`
	ResolvConf    string        `yaml:"resolv_conf"`
	Net           string        `yaml:"net"` // udp, tcp
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxEntries  int           `yaml:"max_entries"`
	MinTTL      time.Duration `yaml:"min_ttl"`
	MaxTTL      time.Duration `yaml:"max_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// IRCConfig holds the IRC server connection settings
type IRCConfig struct {
	Server      string `yaml:"server"`
	Port        int    `yaml:"port"`
	TLS         bool   `yaml:"tls"`
	TLSInsecure bool   `yaml:"tls_insecure"`
	Password    string `yaml:"password"` // server password
	Nick        string `yaml:"nick"`
	Username    string `yaml:"username"`
	RealName    string `yaml:"real_name"`
	OperName    string `yaml:"oper_name"`
	OperPass    string `yaml:"oper_pass"`
	Snomask     string `yaml:"snomask"`

	// InternalServers lists server names whose clients are network
	// services and must never be checked.
	InternalServers []string `yaml:"internal_servers"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	Backend        string        `yaml:"backend"` // sqlite, flatfile
	Path           string        `yaml:"path"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	BusyTimeout    int           `yaml:"busy_timeout"` // milliseconds
	WALMode        bool          `yaml:"wal_mode"`
}

// APIConfig holds the HTTP admin API settings
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Username      string `yaml:"username"`
	PasswordHash  string `yaml:"password_hash"` // bcrypt
	APIKey        string `yaml:"api_key"`
	// AllowedOrigins are browser origins permitted to call the API.
	// Empty refuses all cross-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// validActions mirrors the actions understood by the response policy.
// "snoop" is accepted as an alias of "log".
var validActions = map[string]bool{
	"none":   true,
	"log":    true,
	"snoop":  true,
	"notify": true,
	"kline":  true,
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// DNSBL defaults
	if c.DNSBL.Action == "" {
		c.DNSBL.Action = "none"
	}
	if c.DNSBL.KlineDuration == 0 {
		c.DNSBL.KlineDuration = 24 * time.Hour
	}
	if c.DNSBL.KlineReason == "" {
		c.DNSBL.KlineReason = "Banned (DNS Blacklist)"
	}
	if c.DNSBL.Throttle.PassesPerMinute == 0 {
		c.DNSBL.Throttle.PassesPerMinute = 6
	}
	if c.DNSBL.Throttle.Burst == 0 {
		c.DNSBL.Throttle.Burst = 3
	}
	if c.DNSBL.Throttle.CleanupInterval == 0 {
		c.DNSBL.Throttle.CleanupInterval = 10 * time.Minute
	}
	if c.DNSBL.Throttle.MaxTrackedClients == 0 {
		c.DNSBL.Throttle.MaxTrackedClients = 10000
	}

	// Resolver defaults
	if c.Resolver.ResolvConf == "" {
		c.Resolver.ResolvConf = "/etc/resolv.conf"
	}
	if c.Resolver.Net == "" {
		c.Resolver.Net = "udp"
	}
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = 5 * time.Second
	}
	if c.Resolver.MaxConcurrent == 0 {
		c.Resolver.MaxConcurrent = 64
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.MinTTL == 0 {
		c.Cache.MinTTL = 60 * time.Second
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = 1 * time.Hour
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 5 * time.Minute
	}

	// IRC defaults
	if c.IRC.Port == 0 {
		c.IRC.Port = 6667
	}
	if c.IRC.Nick == "" {
		c.IRC.Nick = "OperServ"
	}
	if c.IRC.Username == "" {
		c.IRC.Username = "dnsbl"
	}
	if c.IRC.RealName == "" {
		c.IRC.RealName = "DNS blacklist service"
	}
	if c.IRC.Snomask == "" {
		c.IRC.Snomask = "+cn"
	}

	// Storage defaults
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./irc-dnsbl.db"
	}
	if c.Storage.CommitInterval == 0 {
		c.Storage.CommitInterval = 5 * time.Minute
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = 5000
	}

	// API defaults
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = "127.0.0.1:8080"
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "irc-dnsbl"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate blacklist zones
	for i, zone := range c.DNSBL.Blacklists {
		if strings.TrimSpace(zone) == "" {
			return fmt.Errorf("dnsbl.blacklists[%d] cannot be empty", i)
		}
		if strings.ContainsAny(zone, " \t") {
			return fmt.Errorf("dnsbl.blacklists[%d]: invalid zone %q", i, zone)
		}
	}

	if !validActions[strings.ToLower(c.DNSBL.Action)] {
		return fmt.Errorf("invalid dnsbl.action: %s (must be none, log, notify or kline)", c.DNSBL.Action)
	}
	if c.DNSBL.KlineDuration < time.Minute {
		return fmt.Errorf("dnsbl.kline_duration must be at least 1m, got %s", c.DNSBL.KlineDuration)
	}
	for i, rule := range c.DNSBL.SkipRules {
		if strings.TrimSpace(rule.Logic) == "" {
			return fmt.Errorf("dnsbl.skip_rules[%d] (%s): logic cannot be empty", i, rule.Name)
		}
	}
	if c.DNSBL.Throttle.Enabled && c.DNSBL.Throttle.PassesPerMinute < 0 {
		return fmt.Errorf("dnsbl.throttle.passes_per_minute cannot be negative")
	}

	// Validate resolver
	if c.Resolver.Net != "udp" && c.Resolver.Net != "tcp" {
		return fmt.Errorf("invalid resolver.net: %s (must be udp or tcp)", c.Resolver.Net)
	}
	if c.Resolver.MaxConcurrent < 1 {
		return fmt.Errorf("resolver.max_concurrent must be positive")
	}

	// Validate IRC connection
	if c.IRC.Server == "" {
		return fmt.Errorf("irc.server cannot be empty")
	}
	if c.IRC.Port < 1 || c.IRC.Port > 65535 {
		return fmt.Errorf("invalid irc.port: %d", c.IRC.Port)
	}

	// Validate storage
	if c.Storage.Backend != "sqlite" && c.Storage.Backend != "flatfile" {
		return fmt.Errorf("invalid storage.backend: %s (must be sqlite or flatfile)", c.Storage.Backend)
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
