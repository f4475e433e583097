// Package config handles loading and validation of whitelistd configuration
// from TOML or YAML files and environment variables. Environment variables
// always override file-based values. Env var names follow the struct path
// with a WHITELISTD_ prefix:
//
//	server.address     → WHITELISTD_SERVER_ADDRESS
//	whitelist.headers  → WHITELISTD_WHITELIST_HEADERS (comma separated)
package config

import (
	"fmt"
	"maps"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the config file looked up when neither
// WHITELISTD_CONFIG_FILE nor CONFIG is set.
const defaultConfigFile = "config.toml"

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level whitelistd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"    toml:"server"    envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"     toml:"admin"     envPrefix:"ADMIN_"`
	Whitelist WhitelistConfig `yaml:"whitelist" toml:"whitelist" envPrefix:"WHITELIST_"`
	Logging   LoggingConfig   `yaml:"logging"   toml:"logging"   envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"   toml:"tracing"   envPrefix:"TRACING_"`
	Events    EventsConfig    `yaml:"events"    toml:"events"    envPrefix:"EVENTS_"`
}

// ServerConfig holds the forward-auth listener and worker pool settings.
type ServerConfig struct {
	Address string `yaml:"address" toml:"address" env:"ADDRESS"`

	// Threads is the number of workers pulling requests off the shared queue.
	Threads int `yaml:"threads" toml:"threads" env:"THREADS"`

	// QueueSize bounds the number of accepted requests waiting for a worker.
	QueueSize int `yaml:"queue_size" toml:"queue_size" env:"QUEUE_SIZE"`

	ReadTimeout  Duration `yaml:"read_timeout"  toml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  Duration `yaml:"idle_timeout"  toml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout Duration `yaml:"drain_timeout" toml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings. An empty
// address disables the admin server.
type AdminConfig struct {
	Address string `yaml:"address" toml:"address" env:"ADDRESS"`
}

// WhitelistConfig controls which headers are captured, which addresses
// bypass the cache and when whitelist entries expire.
type WhitelistConfig struct {
	// Headers lists the request header names captured on /authorize and
	// replayed on /allowed. Compared case-insensitively.
	Headers []string `yaml:"headers" toml:"headers" env:"HEADERS" envSeparator:","`

	// AllowList holds IP addresses or CIDR prefixes that are always allowed.
	AllowList []string `yaml:"allow_list" toml:"allow_list" env:"ALLOW_LIST" envSeparator:","`

	// Days is the minimum number of days a fresh entry stays valid.
	Days int `yaml:"days" toml:"days" env:"DAYS"`

	// Hour and Minute are the UTC wall-clock cutoff every expiry aligns to.
	Hour   int `yaml:"hour"   toml:"hour"   env:"HOUR"`
	Minute int `yaml:"minute" toml:"minute" env:"MINUTE"`

	// PruneInterval is how often expired entries are swept. A bare integer
	// is read as seconds.
	PruneInterval Duration `yaml:"prune_interval" toml:"prune_interval" env:"PRUNE_INTERVAL"`

	// ForwardedHeader carries the client address set by the reverse proxy.
	ForwardedHeader string `yaml:"forwarded_header" toml:"forwarded_header" env:"FORWARDED_HEADER"`

	// TrustedProxies is a list of CIDR ranges whose forwarded header is
	// honored. When empty the header is always trusted.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  toml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" toml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      toml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     toml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  toml:"sample_rate"  env:"SAMPLE_RATE"`
}

// EventsConfig controls the audit event webhook. Authorizations and
// revocations are batched and POSTed as JSON to URL.
type EventsConfig struct {
	Enabled       bool              `yaml:"enabled"        toml:"enabled"        env:"ENABLED"`
	URL           string            `yaml:"url"            toml:"url"            env:"URL"`
	Headers       map[string]string `yaml:"headers"        toml:"headers"        env:"HEADERS"`
	BatchSize     int               `yaml:"batch_size"     toml:"batch_size"     env:"BATCH_SIZE"`
	BufferSize    int               `yaml:"buffer_size"    toml:"buffer_size"    env:"BUFFER_SIZE"`
	FlushInterval Duration          `yaml:"flush_interval" toml:"flush_interval" env:"FLUSH_INTERVAL"`

	// MaxRetries is how many times a batch is resent after a network error
	// or a 5xx answer. RetryBackoff doubles after every attempt.
	MaxRetries   int      `yaml:"max_retries"   toml:"max_retries"   env:"MAX_RETRIES"`
	RetryBackoff Duration `yaml:"retry_backoff" toml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// DefaultHeaders are the identity headers Authelia injects, captured when
// whitelist.headers is not configured.
var DefaultHeaders = []string{
	"Remote-Email",
	"Remote-Groups",
	"Remote-Name",
	"Remote-User",
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "127.0.0.1:8080",
			Threads:      1,
			QueueSize:    64,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
			DrainTimeout: Duration(30 * time.Second),
		},
		Admin: AdminConfig{
			Address: "127.0.0.1:9090",
		},
		Whitelist: WhitelistConfig{
			Headers:         append([]string(nil), DefaultHeaders...),
			AllowList:       []string{},
			Days:            0,
			Hour:            3,
			Minute:          0,
			PruneInterval:   Duration(time.Hour),
			ForwardedHeader: "X-Forwarded-For",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "whitelistd",
			SampleRate:  0.1,
		},
		Events: EventsConfig{
			BatchSize:     100,
			BufferSize:    10000,
			FlushInterval: Duration(5 * time.Second),
			MaxRetries:    3,
			RetryBackoff:  Duration(500 * time.Millisecond),
		},
	}
}

// ConfigFilePath returns the resolved config file path. WHITELISTD_CONFIG_FILE
// wins over CONFIG, which wins over the default.
func ConfigFilePath() string {
	if p := os.Getenv("WHITELISTD_CONFIG_FILE"); p != "" {
		return p
	}
	if p := os.Getenv("CONFIG"); p != "" {
		return p
	}
	return defaultConfigFile
}

// Load reads configuration from ConfigFilePath and overlays environment
// variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if decErr := decodeFile(configFile, data, cfg); decErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, decErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "WHITELISTD_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodeFile picks the decoder by file extension. Anything that is not
// .yaml or .yml is treated as TOML.
func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		_, err := toml.Decode(string(data), cfg)
		return err
	}
}

// normalize lowercases enum fields and trims list entries so that values
// like "DEBUG" or " Remote-User" match.
func (cfg *Config) normalize() {
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Whitelist.Headers = trimAll(cfg.Whitelist.Headers)
	cfg.Whitelist.AllowList = trimAll(cfg.Whitelist.AllowList)
	cfg.Whitelist.TrustedProxies = trimAll(cfg.Whitelist.TrustedProxies)
	cfg.Whitelist.ForwardedHeader = strings.TrimSpace(cfg.Whitelist.ForwardedHeader)
	cfg.Events.URL = strings.TrimSpace(cfg.Events.URL)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateWhitelist(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateTracing(cfg); err != nil {
		return err
	}
	return validateEvents(cfg)
}

func validateServer(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.Threads < 1 {
		return fmt.Errorf("server.threads must be >= 1, got %d", cfg.Server.Threads)
	}
	if cfg.Server.QueueSize < 1 {
		return fmt.Errorf("server.queue_size must be >= 1, got %d", cfg.Server.QueueSize)
	}
	durations := []struct {
		name string
		val  Duration
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
	}
	for _, d := range durations {
		if d.val < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	if cfg.Admin.Address != "" && cfg.Admin.Address == cfg.Server.Address {
		return fmt.Errorf("admin.address must differ from server.address")
	}
	return nil
}

func validateWhitelist(cfg *Config) error {
	w := cfg.Whitelist
	if w.Days < 0 {
		return fmt.Errorf("whitelist.days must be >= 0, got %d", w.Days)
	}
	if w.Hour < 0 || w.Hour > 23 {
		return fmt.Errorf("whitelist.hour must be between 0 and 23, got %d", w.Hour)
	}
	if w.Minute < 0 || w.Minute > 59 {
		return fmt.Errorf("whitelist.minute must be between 0 and 59, got %d", w.Minute)
	}
	if w.PruneInterval <= 0 {
		return fmt.Errorf("whitelist.prune_interval must be positive")
	}
	if w.ForwardedHeader == "" {
		return fmt.Errorf("whitelist.forwarded_header is required")
	}
	if _, err := ParsePrefixes(w.AllowList); err != nil {
		return fmt.Errorf("invalid whitelist.allow_list: %w", err)
	}
	if _, err := ParsePrefixes(w.TrustedProxies); err != nil {
		return fmt.Errorf("invalid whitelist.trusted_proxies: %w", err)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	e := cfg.Events
	if !e.Enabled {
		return nil
	}
	if e.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	u, err := url.Parse(e.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("events.url must be an absolute http(s) URL, got %q", e.URL)
	}
	if e.BatchSize < 1 {
		return fmt.Errorf("events.batch_size must be >= 1, got %d", e.BatchSize)
	}
	if e.BufferSize < e.BatchSize {
		return fmt.Errorf("events.buffer_size must be >= events.batch_size, got %d", e.BufferSize)
	}
	if e.FlushInterval <= 0 {
		return fmt.Errorf("events.flush_interval must be positive")
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries must be >= 0, got %d", e.MaxRetries)
	}
	if e.RetryBackoff < 0 {
		return fmt.Errorf("events.retry_backoff must not be negative")
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

// ParsePrefixes parses IP literals and CIDR prefixes. A bare address becomes
// a single-address prefix.
func ParsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, s := range entries {
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Server.Threads != old.Server.Threads {
		fields = append(fields, "server.threads")
	}
	if c.Server.QueueSize != old.Server.QueueSize {
		fields = append(fields, "server.queue_size")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Whitelist.Days != old.Whitelist.Days {
		fields = append(fields, "whitelist.days")
	}
	if c.Whitelist.Hour != old.Whitelist.Hour {
		fields = append(fields, "whitelist.hour")
	}
	if c.Whitelist.Minute != old.Whitelist.Minute {
		fields = append(fields, "whitelist.minute")
	}
	if c.Whitelist.PruneInterval != old.Whitelist.PruneInterval {
		fields = append(fields, "whitelist.prune_interval")
	}
	if c.Events.Enabled != old.Events.Enabled || c.Events.URL != old.Events.URL ||
		c.Events.BatchSize != old.Events.BatchSize || c.Events.BufferSize != old.Events.BufferSize ||
		c.Events.FlushInterval != old.Events.FlushInterval || c.Events.MaxRetries != old.Events.MaxRetries ||
		c.Events.RetryBackoff != old.Events.RetryBackoff || !maps.Equal(c.Events.Headers, old.Events.Headers) {
		fields = append(fields, "events")
	}
	return fields
}
