// Package dnscache caches hostname resolutions with a bounded TTL and a bounded
// entry count, and exposes a dialer that connects through the cache.
package dnscache

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MahdiBaghbani/fetchpool/internal/fetch/metrics"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/cache"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/logutil"
)

const (
	DefaultTTL           = 120 * time.Second
	DefaultSize          = 10_000
	DefaultLookupTimeout = 30 * time.Second
)

// Resolver abstracts DNS resolution for testing. *net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// LookupOptions are the resolution options that take part in the cache key.
type LookupOptions struct {
	// Family is 4, 6, or 0 for either.
	Family int

	// Hints carries getaddrinfo-style flags. The Go resolver has no use for
	// them, so they only partition the cache.
	Hints int
}

// Result is a single resolved address.
type Result struct {
	Address string
	Family  int
}

// Options configures a Cache.
type Options struct {
	Resolver      Resolver // nil uses net.DefaultResolver
	TTL           time.Duration
	Size          int
	LookupTimeout time.Duration
	Metrics       metrics.Recorder
	Logger        *slog.Logger
	Now           func() time.Time
}

// Cache resolves hostnames through an LRU of recent results.
type Cache struct {
	resolver      Resolver
	entries       *cache.LRU[string, Result]
	group         singleflight.Group
	lookupTimeout time.Duration
	metrics       metrics.Recorder
	logger        *slog.Logger
}

// New creates a DNS cache. Zero TTL, Size and LookupTimeout take the package defaults.
func New(opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}

	entries, err := cache.New(cache.Options[string, Result]{
		Size: opts.Size,
		TTL:  opts.TTL,
		Now:  opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("dns cache: %w", err)
	}

	var resolver Resolver = net.DefaultResolver
	if opts.Resolver != nil {
		resolver = opts.Resolver
	}

	return &Cache{
		resolver:      resolver,
		entries:       entries,
		lookupTimeout: opts.LookupTimeout,
		metrics:       metrics.NoopIfNil(opts.Metrics),
		logger:        logutil.NoopIfNil(opts.Logger),
	}, nil
}

// cacheKey encodes hostname and options with a fixed field order, so equal
// lookups always share an entry.
func cacheKey(hostname string, opts LookupOptions) string {
	return fmt.Sprintf("%s|family=%d|hints=%d", strings.ToLower(hostname), opts.Family, opts.Hints)
}

func network(family int) string {
	switch family {
	case 4:
		return "ip4"
	case 6:
		return "ip6"
	default:
		return "ip"
	}
}

func resultFor(ip net.IP) Result {
	if ip.To4() != nil {
		return Result{Address: ip.String(), Family: 4}
	}
	return Result{Address: ip.String(), Family: 6}
}

// pick returns the first address matching family, in resolver order. With no
// family the first IPv4 address wins and IPv6 is only used when there is none.
func pick(ips []net.IP, family int) (Result, bool) {
	want := family
	if want == 0 {
		want = 4
	}
	for _, ip := range ips {
		if r := resultFor(ip); r.Family == want {
			return r, true
		}
	}
	if family == 0 && len(ips) > 0 {
		return resultFor(ips[0]), true
	}
	return Result{}, false
}

// Resolve returns the address for hostname. Cached results are served without
// touching the network; failures are returned as-is and never cached.
// IP literals are returned directly.
func (c *Cache) Resolve(ctx context.Context, hostname string, opts LookupOptions) (Result, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return resultFor(ip), nil
	}

	key := cacheKey(hostname, opts)
	if r, ok := c.entries.Get(key); ok {
		c.metrics.DNSCacheHit()
		return r, nil
	}
	c.metrics.DNSCacheMiss()

	// Concurrent misses share one lookup. It runs detached from any single
	// caller's cancellation; each caller still honors its own ctx.
	ch := c.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
		defer cancel()

		ips, err := c.resolver.LookupIP(lookupCtx, network(opts.Family), hostname)
		if err != nil {
			return Result{}, err
		}
		r, ok := pick(ips, opts.Family)
		if !ok {
			return Result{}, &net.DNSError{
				Err:        "no suitable address found",
				Name:       hostname,
				IsNotFound: true,
			}
		}
		c.entries.Add(key, r)
		c.logger.Debug("dns cache stored resolution",
			"host", hostname, "address", r.Address, "family", r.Family)
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Len returns the number of cached resolutions.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached resolution.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Dialer connects to host:port addresses after resolving the host through c.
// It satisfies golang.org/x/net/proxy.Dialer and proxy.ContextDialer.
type Dialer struct {
	cache *Cache
	base  *net.Dialer
	opts  LookupOptions
}

// Dialer wraps base so that every dial resolves through the cache.
// A nil base uses a zero net.Dialer.
func (c *Cache) Dialer(base *net.Dialer, opts LookupOptions) *Dialer {
	if base == nil {
		base = &net.Dialer{}
	}
	return &Dialer{cache: c, base: base, opts: opts}
}

// DialContext resolves the host part of address and dials the result.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	opts := d.opts
	switch network {
	case "tcp4", "udp4":
		opts.Family = 4
	case "tcp6", "udp6":
		opts.Family = 6
	}

	res, err := d.cache.Resolve(ctx, host, opts)
	if err != nil {
		return nil, err
	}
	return d.base.DialContext(ctx, network, net.JoinHostPort(res.Address, port))
}

// Dial is DialContext with a background context.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}
