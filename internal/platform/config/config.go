// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the fetch layer configuration.
type Config struct {
	Fetch           FetchConfig           `toml:"fetch"`
	DNSCache        DNSCacheConfig        `toml:"dns_cache"`
	DispatcherCache DispatcherCacheConfig `toml:"dispatcher_cache"`
	Metrics         MetricsConfig         `toml:"metrics"`
	Logging         LoggingConfig         `toml:"logging"`
}

// FetchConfig holds request executor settings.
type FetchConfig struct {
	// UserAgent is sent when a request carries no user-agent header.
	UserAgent string `toml:"user_agent"`

	// DefaultTimeoutMS bounds requests that set no timeout of their own.
	DefaultTimeoutMS int `toml:"default_timeout_ms"`

	// Connection timeouts for dispatchers built without explicit overrides.
	ConnectTimeoutMS   int `toml:"connect_timeout_ms"`
	BodyTimeoutMS      int `toml:"body_timeout_ms"`
	KeepAliveTimeoutMS int `toml:"keep_alive_timeout_ms"`

	// MaxRedirects applies when a request asks to follow redirects.
	MaxRedirects int `toml:"max_redirects"`

	// Proxy is used by the CLI when no --proxy flag is given. May carry credentials.
	Proxy string `toml:"proxy"`
}

// DNSCacheConfig holds resolution cache settings.
type DNSCacheConfig struct {
	TTLMS           int `toml:"ttl_ms"`
	MaxEntries      int `toml:"max_entries"`
	LookupTimeoutMS int `toml:"lookup_timeout_ms"`
}

// DispatcherCacheConfig holds connection pool cache settings.
type DispatcherCacheConfig struct {
	MaxEntries int `toml:"max_entries"`
}

// MetricsConfig controls the Prometheus recorder.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `toml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			UserAgent:          "fetchpool / Fetch v1",
			DefaultTimeoutMS:   120_000,
			ConnectTimeoutMS:   30_000,
			BodyTimeoutMS:      120_000,
			KeepAliveTimeoutMS: 30_000,
			MaxRedirects:       10,
		},
		DNSCache: DNSCacheConfig{
			TTLMS:           120_000,
			MaxEntries:      10_000,
			LookupTimeoutMS: 30_000,
		},
		DispatcherCache: DispatcherCacheConfig{
			MaxEntries: 1_000,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (f FetchConfig) DefaultTimeout() time.Duration   { return ms(f.DefaultTimeoutMS) }
func (f FetchConfig) ConnectTimeout() time.Duration   { return ms(f.ConnectTimeoutMS) }
func (f FetchConfig) BodyTimeout() time.Duration      { return ms(f.BodyTimeoutMS) }
func (f FetchConfig) KeepAliveTimeout() time.Duration { return ms(f.KeepAliveTimeoutMS) }

func (d DNSCacheConfig) TTL() time.Duration           { return ms(d.TTLMS) }
func (d DNSCacheConfig) LookupTimeout() time.Duration { return ms(d.LookupTimeoutMS) }

// Redacted returns a string representation of the config with secrets redacted.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	sb.WriteString("  Fetch: {\n")
	sb.WriteString(fmt.Sprintf("    UserAgent: %q,\n", c.Fetch.UserAgent))
	sb.WriteString(fmt.Sprintf("    DefaultTimeoutMS: %d,\n", c.Fetch.DefaultTimeoutMS))
	sb.WriteString(fmt.Sprintf("    ConnectTimeoutMS: %d,\n", c.Fetch.ConnectTimeoutMS))
	sb.WriteString(fmt.Sprintf("    BodyTimeoutMS: %d,\n", c.Fetch.BodyTimeoutMS))
	sb.WriteString(fmt.Sprintf("    KeepAliveTimeoutMS: %d,\n", c.Fetch.KeepAliveTimeoutMS))
	sb.WriteString(fmt.Sprintf("    MaxRedirects: %d,\n", c.Fetch.MaxRedirects))
	sb.WriteString(fmt.Sprintf("    Proxy: %q,\n", redactURL(c.Fetch.Proxy)))
	sb.WriteString("  },\n")
	sb.WriteString("  DNSCache: {\n")
	sb.WriteString(fmt.Sprintf("    TTLMS: %d,\n", c.DNSCache.TTLMS))
	sb.WriteString(fmt.Sprintf("    MaxEntries: %d,\n", c.DNSCache.MaxEntries))
	sb.WriteString(fmt.Sprintf("    LookupTimeoutMS: %d,\n", c.DNSCache.LookupTimeoutMS))
	sb.WriteString("  },\n")
	sb.WriteString("  DispatcherCache: {\n")
	sb.WriteString(fmt.Sprintf("    MaxEntries: %d,\n", c.DispatcherCache.MaxEntries))
	sb.WriteString("  },\n")
	sb.WriteString("  Metrics: {\n")
	sb.WriteString(fmt.Sprintf("    Enabled: %v,\n", c.Metrics.Enabled))
	sb.WriteString(fmt.Sprintf("    Namespace: %q,\n", c.Metrics.Namespace))
	sb.WriteString("  },\n")
	sb.WriteString("  Logging: {\n")
	sb.WriteString(fmt.Sprintf("    Level: %q,\n", c.Logging.Level))
	sb.WriteString("  },\n")
	sb.WriteString("}")
	return sb.String()
}

// redactURL hides the password of a URL; unparseable values are hidden entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED]"
	}
	return u.Redacted()
}
