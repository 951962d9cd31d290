package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/MahdiBaghbani/fetchpool/internal/platform/logutil"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	LoggingLevel   *string
	UserAgent      *string
	Proxy          *string
	MetricsEnabled *string // "true", "false", or "" (unset)
}

// fileConfig mirrors Config but with pointer fields to detect presence.
type fileConfig struct {
	Fetch           *fetchFileConfig           `toml:"fetch"`
	DNSCache        *dnsCacheFileConfig        `toml:"dns_cache"`
	DispatcherCache *dispatcherCacheFileConfig `toml:"dispatcher_cache"`
	Metrics         *metricsFileConfig         `toml:"metrics"`
	Logging         *loggingFileConfig         `toml:"logging"`
}

type fetchFileConfig struct {
	UserAgent          *string `toml:"user_agent"`
	DefaultTimeoutMS   *int    `toml:"default_timeout_ms"`
	ConnectTimeoutMS   *int    `toml:"connect_timeout_ms"`
	BodyTimeoutMS      *int    `toml:"body_timeout_ms"`
	KeepAliveTimeoutMS *int    `toml:"keep_alive_timeout_ms"`
	MaxRedirects       *int    `toml:"max_redirects"`
	Proxy              *string `toml:"proxy"`
}

type dnsCacheFileConfig struct {
	TTLMS           *int `toml:"ttl_ms"`
	MaxEntries      *int `toml:"max_entries"`
	LookupTimeoutMS *int `toml:"lookup_timeout_ms"`
}

type dispatcherCacheFileConfig struct {
	MaxEntries *int `toml:"max_entries"`
}

type metricsFileConfig struct {
	Enabled   *bool   `toml:"enabled"`
	Namespace *string `toml:"namespace"`
}

type loggingFileConfig struct {
	Level *string `toml:"level"`
}

// Load loads configuration with the following precedence:
//  1. Start from DefaultConfig
//  2. Overlay TOML config file values
//  3. Overlay CLI flags
//  4. Validate
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid TOML,
// Load returns an error (fail fast). Unknown/undecoded TOML keys produce a warning
// but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		var fc fileConfig
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
		overlayFileConfig(cfg, &fc)
	}

	if err := overlayFlags(cfg, opts.FlagOverrides); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// overlayFileConfig copies every value present in fc onto cfg.
func overlayFileConfig(cfg *Config, fc *fileConfig) {
	if f := fc.Fetch; f != nil {
		setString(&cfg.Fetch.UserAgent, f.UserAgent)
		setInt(&cfg.Fetch.DefaultTimeoutMS, f.DefaultTimeoutMS)
		setInt(&cfg.Fetch.ConnectTimeoutMS, f.ConnectTimeoutMS)
		setInt(&cfg.Fetch.BodyTimeoutMS, f.BodyTimeoutMS)
		setInt(&cfg.Fetch.KeepAliveTimeoutMS, f.KeepAliveTimeoutMS)
		setInt(&cfg.Fetch.MaxRedirects, f.MaxRedirects)
		setString(&cfg.Fetch.Proxy, f.Proxy)
	}
	if d := fc.DNSCache; d != nil {
		setInt(&cfg.DNSCache.TTLMS, d.TTLMS)
		setInt(&cfg.DNSCache.MaxEntries, d.MaxEntries)
		setInt(&cfg.DNSCache.LookupTimeoutMS, d.LookupTimeoutMS)
	}
	if d := fc.DispatcherCache; d != nil {
		setInt(&cfg.DispatcherCache.MaxEntries, d.MaxEntries)
	}
	if m := fc.Metrics; m != nil {
		if m.Enabled != nil {
			cfg.Metrics.Enabled = *m.Enabled
		}
		setString(&cfg.Metrics.Namespace, m.Namespace)
	}
	if l := fc.Logging; l != nil {
		setString(&cfg.Logging.Level, l.Level)
	}
}

// overlayFlags applies CLI flag values onto cfg.
func overlayFlags(cfg *Config, f FlagOverrides) error {
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
	if f.UserAgent != nil && *f.UserAgent != "" {
		cfg.Fetch.UserAgent = *f.UserAgent
	}
	if f.Proxy != nil && *f.Proxy != "" {
		cfg.Fetch.Proxy = *f.Proxy
	}
	if f.MetricsEnabled != nil && *f.MetricsEnabled != "" {
		switch *f.MetricsEnabled {
		case "true":
			cfg.Metrics.Enabled = true
		case "false":
			cfg.Metrics.Enabled = false
		default:
			return fmt.Errorf("invalid metrics flag %q: must be true or false", *f.MetricsEnabled)
		}
	}
	return nil
}

var namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validate rejects values the fetch layer cannot run with.
func validate(cfg *Config) error {
	for name, v := range map[string]int{
		"fetch.default_timeout_ms":     cfg.Fetch.DefaultTimeoutMS,
		"fetch.connect_timeout_ms":     cfg.Fetch.ConnectTimeoutMS,
		"fetch.body_timeout_ms":        cfg.Fetch.BodyTimeoutMS,
		"fetch.keep_alive_timeout_ms":  cfg.Fetch.KeepAliveTimeoutMS,
		"fetch.max_redirects":          cfg.Fetch.MaxRedirects,
		"dns_cache.ttl_ms":             cfg.DNSCache.TTLMS,
		"dns_cache.max_entries":        cfg.DNSCache.MaxEntries,
		"dns_cache.lookup_timeout_ms":  cfg.DNSCache.LookupTimeoutMS,
		"dispatcher_cache.max_entries": cfg.DispatcherCache.MaxEntries,
	} {
		if v <= 0 {
			return fmt.Errorf("invalid %s %d: must be positive", name, v)
		}
	}

	if strings.TrimSpace(cfg.Fetch.UserAgent) == "" {
		return fmt.Errorf("invalid fetch.user_agent: must not be empty")
	}

	if cfg.Fetch.Proxy != "" {
		u, err := url.Parse(cfg.Fetch.Proxy)
		if err != nil {
			return fmt.Errorf("invalid fetch.proxy: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("invalid fetch.proxy %q: scheme must be one of http, https, socks5, socks5h", u.Redacted())
		}
		if u.Hostname() == "" {
			return fmt.Errorf("invalid fetch.proxy %q: missing host", u.Redacted())
		}
	}

	if ns := cfg.Metrics.Namespace; ns != "" && !namespacePattern.MatchString(ns) {
		return fmt.Errorf("invalid metrics.namespace %q: must match %s", ns, namespacePattern)
	}

	if _, err := logutil.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}

	return nil
}
