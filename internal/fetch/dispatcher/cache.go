// Package dispatcher builds and caches long-lived connection pools keyed by
// proxy target, connection options and request timeout.
package dispatcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MahdiBaghbani/fetchpool/internal/fetch/dnscache"
	"github.com/MahdiBaghbani/fetchpool/internal/fetch/metrics"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/cache"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/logutil"
)

const DefaultCacheSize = 1_000

// Options configures a Cache.
type Options struct {
	// DNS is the resolution cache every dispatcher dials through. Required.
	DNS *dnscache.Cache

	// Size bounds the number of cached dispatchers. Zero means DefaultCacheSize.
	Size int

	// Timeouts are the defaults for dispatchers built without an explicit
	// request timeout or connect option override.
	Timeouts Timeouts

	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Cache hands out at most one dispatcher per Key. Evicted dispatchers stop
// being handed out and have their idle connections closed; requests already
// holding them keep working.
type Cache struct {
	factory *Factory
	entries *cache.LRU[Key, *Dispatcher]
	def     *Dispatcher
	metrics metrics.Recorder
	logger  *slog.Logger

	// buildMu serializes the miss path so a key never gets two dispatchers.
	buildMu sync.Mutex
}

// NewCache creates a dispatcher cache and its shared default dispatcher.
func NewCache(opts Options) (*Cache, error) {
	if opts.DNS == nil {
		return nil, fmt.Errorf("dispatcher cache: DNS cache is required")
	}
	if opts.Size <= 0 {
		opts.Size = DefaultCacheSize
	}
	logger := logutil.NoopIfNil(opts.Logger)

	c := &Cache{
		factory: NewFactory(opts.DNS, opts.Timeouts, logger),
		metrics: metrics.NoopIfNil(opts.Metrics),
		logger:  logger,
	}

	entries, err := cache.New(cache.Options[Key, *Dispatcher]{
		Size:    opts.Size,
		OnEvict: c.evicted,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher cache: %w", err)
	}
	c.entries = entries

	def, err := c.factory.Build(Key{})
	if err != nil {
		return nil, fmt.Errorf("dispatcher cache: default dispatcher: %w", err)
	}
	c.def = def

	return c, nil
}

func (c *Cache) evicted(_ Key, d *Dispatcher) {
	d.CloseIdleConnections()
	c.logger.Debug("dispatcher evicted", "dispatcher_id", d.ID())
}

// Default returns the shared dispatcher used when a request names no proxy,
// no connect options and no explicit timeout.
func (c *Cache) Default() *Dispatcher {
	return c.def
}

// Get returns the dispatcher for (proxy, rawOptions, timeout), building it on
// first use. The default path bypasses the cache and records no hit or miss.
// Invalid proxies or options fail before anything is cached.
func (c *Cache) Get(proxy string, rawOptions map[string]any, timeout time.Duration) (*Dispatcher, error) {
	if proxy == "" && len(rawOptions) == 0 && timeout <= 0 {
		return c.def, nil
	}

	opts, err := DecodeConnectOptions(rawOptions)
	if err != nil {
		return nil, err
	}
	if timeout < 0 {
		timeout = 0
	}
	key := Key{Proxy: proxy, Options: opts, Timeout: timeout}
	if key == (Key{}) {
		// Options that decode to all zero values are the default path too.
		return c.def, nil
	}

	if d, ok := c.entries.Get(key); ok {
		c.metrics.DispatcherCacheHit()
		return d, nil
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	// Another request may have built it while we waited.
	if d, ok := c.entries.Get(key); ok {
		c.metrics.DispatcherCacheHit()
		return d, nil
	}

	c.metrics.DispatcherCacheMiss()
	d, err := c.factory.Build(key)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, d)
	return d, nil
}

// Len returns the number of cached dispatchers, excluding the default one.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Close drops every cached dispatcher and closes idle connections, including
// those of the default dispatcher.
func (c *Cache) Close() error {
	c.entries.Purge()
	c.def.CloseIdleConnections()
	return nil
}
