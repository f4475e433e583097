package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv applies env overrides to cfg the same way Load does.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "WHITELISTD_"}))
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Address)
	assert.Equal(t, 1, cfg.Server.Threads)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Address)
	assert.Equal(t, DefaultHeaders, cfg.Whitelist.Headers)
	assert.Empty(t, cfg.Whitelist.AllowList)
	assert.Equal(t, 0, cfg.Whitelist.Days)
	assert.Equal(t, 3, cfg.Whitelist.Hour)
	assert.Equal(t, 0, cfg.Whitelist.Minute)
	assert.Equal(t, time.Hour, cfg.Whitelist.PruneInterval.Std())
	assert.Equal(t, "X-Forwarded-For", cfg.Whitelist.ForwardedHeader)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
	assert.Equal(t, "whitelistd", cfg.Tracing.ServiceName)
	assert.False(t, cfg.Events.Enabled)
	assert.Equal(t, 100, cfg.Events.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Events.FlushInterval.Std())

	require.NoError(t, Validate(cfg), "defaults must validate")
}

func TestDefaultsAreIndependent(t *testing.T) {
	a := Defaults()
	a.Whitelist.Headers[0] = "X-Mutated"
	assert.Equal(t, "Remote-Email", Defaults().Whitelist.Headers[0])
}

func TestLoadFromTOML(t *testing.T) {
	t.Run("parses a full file", func(t *testing.T) {
		path := writeConfig(t, "config.toml", `
[server]
address = "0.0.0.0:9999"
threads = 8

[whitelist]
headers = ["Remote-User", "Remote-Groups"]
allow_list = ["10.0.0.7", "192.168.0.0/16"]
days = 2
hour = 4
minute = 15
prune_interval = 600

[logging]
level = "DEBUG"
format = "text"
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0:9999", cfg.Server.Address)
		assert.Equal(t, 8, cfg.Server.Threads)
		assert.Equal(t, []string{"Remote-User", "Remote-Groups"}, cfg.Whitelist.Headers)
		assert.Equal(t, []string{"10.0.0.7", "192.168.0.0/16"}, cfg.Whitelist.AllowList)
		assert.Equal(t, 2, cfg.Whitelist.Days)
		assert.Equal(t, 4, cfg.Whitelist.Hour)
		assert.Equal(t, 15, cfg.Whitelist.Minute)
		assert.Equal(t, 10*time.Minute, cfg.Whitelist.PruneInterval.Std())
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level, "level is normalized to lowercase")
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("accepts duration strings", func(t *testing.T) {
		path := writeConfig(t, "config.toml", `
[whitelist]
prune_interval = "90s"
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, cfg.Whitelist.PruneInterval.Std())
	})

	t.Run("returns error for malformed TOML", func(t *testing.T) {
		path := writeConfig(t, "config.toml", `[whitelist`)
		_, err := LoadFromPath(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("returns error for wrong type", func(t *testing.T) {
		path := writeConfig(t, "config.toml", `
[whitelist]
prune_interval = true
`)
		_, err := LoadFromPath(path)
		assert.Error(t, err)
	})
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  address: ":7000"
admin:
  address: ""
whitelist:
  headers: [Remote-User]
  hour: 23
  minute: 59
  prune_interval: 3600
  trusted_proxies: ["172.16.0.0/12"]
`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Empty(t, cfg.Admin.Address)
	assert.Equal(t, []string{"Remote-User"}, cfg.Whitelist.Headers)
	assert.Equal(t, 23, cfg.Whitelist.Hour)
	assert.Equal(t, 59, cfg.Whitelist.Minute)
	assert.Equal(t, time.Hour, cfg.Whitelist.PruneInterval.Std())
	assert.Equal(t, []string{"172.16.0.0/12"}, cfg.Whitelist.TrustedProxies)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("WHITELISTD_CONFIG_FILE", "/nonexistent/config.toml")
	t.Setenv("WHITELISTD_WHITELIST_DAYS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Whitelist.Days)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Address)
}

func TestConfigFilePath(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("WHITELISTD_CONFIG_FILE", "")
		t.Setenv("CONFIG", "")
		assert.Equal(t, "config.toml", ConfigFilePath())
	})

	t.Run("CONFIG is honored", func(t *testing.T) {
		t.Setenv("WHITELISTD_CONFIG_FILE", "")
		t.Setenv("CONFIG", "/etc/whitelistd.toml")
		assert.Equal(t, "/etc/whitelistd.toml", ConfigFilePath())
	})

	t.Run("prefixed variable wins", func(t *testing.T) {
		t.Setenv("WHITELISTD_CONFIG_FILE", "/a.yaml")
		t.Setenv("CONFIG", "/b.toml")
		assert.Equal(t, "/a.yaml", ConfigFilePath())
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("scalar fields", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("WHITELISTD_SERVER_ADDRESS", ":7777")
		t.Setenv("WHITELISTD_SERVER_THREADS", "16")
		t.Setenv("WHITELISTD_WHITELIST_HOUR", "5")

		parseEnv(t, cfg)

		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, 16, cfg.Server.Threads)
		assert.Equal(t, 5, cfg.Whitelist.Hour)
	})

	t.Run("comma separated lists", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("WHITELISTD_WHITELIST_HEADERS", "Remote-User, Remote-Email")
		t.Setenv("WHITELISTD_WHITELIST_ALLOW_LIST", "10.1.1.1,fd00::/8")

		parseEnv(t, cfg)
		cfg.normalize()

		assert.Equal(t, []string{"Remote-User", "Remote-Email"}, cfg.Whitelist.Headers)
		assert.Equal(t, []string{"10.1.1.1", "fd00::/8"}, cfg.Whitelist.AllowList)
	})

	t.Run("durations", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("WHITELISTD_WHITELIST_PRUNE_INTERVAL", "120")
		t.Setenv("WHITELISTD_SERVER_DRAIN_TIMEOUT", "5s")

		parseEnv(t, cfg)

		assert.Equal(t, 2*time.Minute, cfg.Whitelist.PruneInterval.Std())
		assert.Equal(t, 5*time.Second, cfg.Server.DrainTimeout.Std())
	})

	t.Run("events webhook", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("WHITELISTD_EVENTS_ENABLED", "true")
		t.Setenv("WHITELISTD_EVENTS_URL", "https://audit.local/hook")
		t.Setenv("WHITELISTD_EVENTS_HEADERS", "Authorization:Bearer abc")
		t.Setenv("WHITELISTD_EVENTS_FLUSH_INTERVAL", "250ms")

		parseEnv(t, cfg)

		assert.True(t, cfg.Events.Enabled)
		assert.Equal(t, "https://audit.local/hook", cfg.Events.URL)
		assert.Equal(t, map[string]string{"Authorization": "Bearer abc"}, cfg.Events.Headers)
		assert.Equal(t, 250*time.Millisecond, cfg.Events.FlushInterval.Std())
		assert.NoError(t, Validate(cfg))
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := writeConfig(t, "config.toml", `
[whitelist]
hour = 1
`)
		t.Setenv("WHITELISTD_WHITELIST_HOUR", "2")

		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Whitelist.Hour)
	})

	t.Run("invalid env value is an error", func(t *testing.T) {
		t.Setenv("WHITELISTD_SERVER_THREADS", "many")
		_, err := LoadFromPath("/nonexistent/config.toml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing environment variables")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"hour too large", func(c *Config) { c.Whitelist.Hour = 24 }, "whitelist.hour"},
		{"hour negative", func(c *Config) { c.Whitelist.Hour = -1 }, "whitelist.hour"},
		{"minute too large", func(c *Config) { c.Whitelist.Minute = 60 }, "whitelist.minute"},
		{"negative days", func(c *Config) { c.Whitelist.Days = -1 }, "whitelist.days"},
		{"zero threads", func(c *Config) { c.Server.Threads = 0 }, "server.threads"},
		{"zero queue", func(c *Config) { c.Server.QueueSize = 0 }, "server.queue_size"},
		{"empty address", func(c *Config) { c.Server.Address = "" }, "server.address"},
		{"admin clashes with server", func(c *Config) { c.Admin.Address = c.Server.Address }, "admin.address"},
		{"zero prune interval", func(c *Config) { c.Whitelist.PruneInterval = 0 }, "prune_interval"},
		{"negative timeout", func(c *Config) { c.Server.ReadTimeout = -1 }, "server.read_timeout"},
		{"bad allow list entry", func(c *Config) { c.Whitelist.AllowList = []string{"not-an-ip"} }, "allow_list"},
		{"bad trusted proxy", func(c *Config) { c.Whitelist.TrustedProxies = []string{"10.0.0.0/99"} }, "trusted_proxies"},
		{"empty forwarded header", func(c *Config) { c.Whitelist.ForwardedHeader = "" }, "forwarded_header"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
		{"sample rate out of range", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
		{"events without url", func(c *Config) { c.Events.Enabled = true }, "events.url"},
		{"events with relative url", func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = "/audit"
		}, "events.url"},
		{"events batch larger than buffer", func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = "http://audit.local/events"
			c.Events.BatchSize = 50
			c.Events.BufferSize = 10
		}, "events.buffer_size"},
		{"events zero flush interval", func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = "http://audit.local/events"
			c.Events.FlushInterval = 0
		}, "events.flush_interval"},
		{"events negative retries", func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = "http://audit.local/events"
			c.Events.MaxRetries = -1
		}, "events.max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("boundary values are accepted", func(t *testing.T) {
		cfg := Defaults()
		cfg.Whitelist.Hour = 23
		cfg.Whitelist.Minute = 59
		cfg.Whitelist.Days = 365
		assert.NoError(t, Validate(cfg))
	})

	t.Run("disabled events skip validation", func(t *testing.T) {
		cfg := Defaults()
		cfg.Events.URL = "not a url"
		cfg.Events.BatchSize = 0
		assert.NoError(t, Validate(cfg))
	})

	t.Run("out of range hour in file is startup fatal", func(t *testing.T) {
		path := writeConfig(t, "config.toml", "[whitelist]\nhour = 24\n")
		_, err := LoadFromPath(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "whitelist.hour")
	})
}

func TestParsePrefixes(t *testing.T) {
	got, err := ParsePrefixes([]string{"10.0.0.1", "192.168.1.77/16", "::ffff:1.2.3.4", "2001:db8::1"})
	require.NoError(t, err)

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.1/32"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("1.2.3.4/32"),
		netip.MustParsePrefix("2001:db8::1/128"),
	}, got)

	_, err = ParsePrefixes([]string{"10.0.0.1", "bogus"})
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"3600", time.Hour},
		{"0", 0},
		{"1h30m", 90 * time.Minute},
		{" 15s ", 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}

	for _, bad := range []string{"", "soon", "99999999999999999"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestRequiresRestart(t *testing.T) {
	old := Defaults()

	t.Run("policy-only changes hot reload", func(t *testing.T) {
		cfg := Defaults()
		cfg.Whitelist.Headers = []string{"Remote-User"}
		cfg.Whitelist.AllowList = []string{"10.0.0.1"}
		cfg.Whitelist.TrustedProxies = []string{"10.0.0.0/8"}
		assert.Empty(t, cfg.RequiresRestart(old))
	})

	t.Run("listener and schedule changes need a restart", func(t *testing.T) {
		cfg := Defaults()
		cfg.Server.Address = ":1"
		cfg.Server.Threads = 4
		cfg.Whitelist.Hour = 6
		cfg.Whitelist.PruneInterval = Duration(time.Minute)
		assert.ElementsMatch(t, []string{
			"server.address", "server.threads", "whitelist.hour", "whitelist.prune_interval",
		}, cfg.RequiresRestart(old))
	})

	t.Run("events changes need a restart", func(t *testing.T) {
		cfg := Defaults()
		cfg.Events.Headers = map[string]string{"Authorization": "Bearer x"}
		assert.Equal(t, []string{"events"}, cfg.RequiresRestart(old))
	})

	t.Run("nil old config", func(t *testing.T) {
		assert.Nil(t, Defaults().RequiresRestart(nil))
	})
}
