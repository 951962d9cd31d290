package dispatcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/net/proxy"

	"github.com/MahdiBaghbani/fetchpool/internal/fetch/dnscache"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/logutil"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/tlsutil"
)

const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultBodyTimeout      = 120 * time.Second
	DefaultKeepAliveTimeout = 30 * time.Second

	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	tcpKeepAlive               = 30 * time.Second
	defaultSOCKSPort           = "1080"
)

var (
	ErrInvalidProxy     = errors.New("invalid proxy URL")
	ErrUnsupportedProxy = errors.New("unsupported proxy scheme")
)

// Dispatcher is a long-lived connection pool bound to one proxy and option
// combination. It is shared by every request that maps to its key; requests
// must not close it.
type Dispatcher struct {
	id        string
	transport *http.Transport
	proxyURL  *url.URL // credentials stripped; nil when direct
	proxyAuth string
	timeouts  Timeouts
}

// RoundTrip implements http.RoundTripper. Plain-HTTP requests forwarded
// through an HTTP proxy carry the proxy credential; tunneled requests carry
// it on CONNECT instead.
func (d *Dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.proxyAuth != "" && isHTTPProxy(d.proxyURL) && req.URL.Scheme == "http" &&
		req.Header.Get("Proxy-Authorization") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Proxy-Authorization", d.proxyAuth)
	}
	return d.transport.RoundTrip(req)
}

// ID is a stable, credential-free identifier for logs.
func (d *Dispatcher) ID() string { return d.id }

// ProxyAuthorization returns the Basic credential sent to the proxy, or "".
func (d *Dispatcher) ProxyAuthorization() string { return d.proxyAuth }

// ProxyURL returns the proxy target without credentials, or nil when direct.
func (d *Dispatcher) ProxyURL() *url.URL {
	if d.proxyURL == nil {
		return nil
	}
	u := *d.proxyURL
	return &u
}

// Timeouts returns the timeouts the dispatcher was built with.
func (d *Dispatcher) Timeouts() Timeouts { return d.timeouts }

// CloseIdleConnections closes pooled connections that are not in use.
// Connections serving in-flight requests are unaffected.
func (d *Dispatcher) CloseIdleConnections() {
	d.transport.CloseIdleConnections()
}

func isHTTPProxy(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https")
}

// makeBasicAuth returns the Basic credential for username:password.
func makeBasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// Factory builds dispatchers that resolve names through a DNS cache.
type Factory struct {
	dns      *dnscache.Cache
	timeouts Timeouts
	logger   *slog.Logger
}

// NewFactory creates a Factory. Zero timeouts take the package defaults.
func NewFactory(dns *dnscache.Cache, timeouts Timeouts, logger *slog.Logger) *Factory {
	def := DefaultTimeouts()
	if timeouts.Connect <= 0 {
		timeouts.Connect = def.Connect
	}
	if timeouts.Body <= 0 {
		timeouts.Body = def.Body
	}
	if timeouts.KeepAlive <= 0 {
		timeouts.KeepAlive = def.KeepAlive
	}
	return &Factory{
		dns:      dns,
		timeouts: timeouts,
		logger:   logutil.NoopIfNil(logger),
	}
}

// Build constructs a dispatcher for key. A malformed proxy or unusable TLS
// option fails here, before any network attempt.
func (f *Factory) Build(key Key) (*Dispatcher, error) {
	opts := key.Options
	timeouts := f.timeouts.resolve(key.Timeout, opts)

	tlsCfg, err := tlsutil.ClientConfig(opts.tls())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConnectOptions, err)
	}

	netDialer := &net.Dialer{
		Timeout:   timeouts.Connect,
		KeepAlive: tcpKeepAlive,
	}
	if opts.LocalAddress != "" {
		netDialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress)}
	}
	dialer := f.dns.Dialer(netDialer, dnscache.LookupOptions{Family: opts.Family})

	maxIdlePerHost := opts.MaxIdleConnsPerHost
	if maxIdlePerHost == 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}

	transport := &http.Transport{
		// Proxy environment variables are ignored; proxies come from requests only.
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   timeouts.Connect,
		ResponseHeaderTimeout: timeouts.Body,
		IdleConnTimeout:       timeouts.KeepAlive,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		DisableKeepAlives:     opts.DisableKeepAlives,
		ForceAttemptHTTP2:     true,
	}

	d := &Dispatcher{
		transport: transport,
		timeouts:  timeouts,
	}

	if key.Proxy != "" {
		if err := f.attachProxy(d, key.Proxy, dialer, dnscache.LookupOptions{Family: opts.Family}); err != nil {
			return nil, err
		}
	}

	id, err := hashstructure.Hash(key, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatcher id: %w", err)
	}
	d.id = fmt.Sprintf("%016x", id)

	proxyHost := ""
	if d.proxyURL != nil {
		proxyHost = d.proxyURL.Host
	}
	f.logger.Debug("dispatcher created",
		"dispatcher_id", d.id,
		"proxy_host", proxyHost,
		"proxy_auth", d.proxyAuth != "",
		"connect_timeout", timeouts.Connect,
		"body_timeout", timeouts.Body,
		"keep_alive_timeout", timeouts.KeepAlive)

	return d, nil
}

// attachProxy routes d through rawProxy. HTTP(S) proxies use the transport's
// proxy support with credentials moved into headers; SOCKS5 proxies dial via
// golang.org/x/net/proxy on top of the cached-DNS dialer. socks5 targets are
// resolved locally through the cache, socks5h targets by the proxy.
func (f *Factory) attachProxy(d *Dispatcher, rawProxy string, forward *dnscache.Dialer, lookup dnscache.LookupOptions) error {
	u, err := url.Parse(rawProxy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Hostname() == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidProxy, u.Redacted())
	}

	var username, password string
	hasCreds := false
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
		hasCreds = username != "" || password != ""
	}

	stripped := *u
	stripped.User = nil

	switch u.Scheme {
	case "http", "https":
		if hasCreds {
			d.proxyAuth = makeBasicAuth(username, password)
			d.transport.ProxyConnectHeader = http.Header{
				"Proxy-Authorization": {d.proxyAuth},
			}
		}
		d.transport.Proxy = http.ProxyURL(&stripped)

	case "socks5", "socks5h":
		var auth *proxy.Auth
		if hasCreds {
			auth = &proxy.Auth{User: username, Password: password}
		}
		addr := u.Host
		if u.Port() == "" {
			addr = net.JoinHostPort(u.Hostname(), defaultSOCKSPort)
		}
		socks, err := proxy.SOCKS5("tcp", addr, auth, forward)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProxy, err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("%w: socks dialer does not support contexts", ErrInvalidProxy)
		}
		dial := cd.DialContext
		if u.Scheme == "socks5" {
			dial = f.resolveThen(dial, lookup)
		}
		d.transport.DialContext = dial

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProxy, u.Scheme)
	}

	d.proxyURL = &stripped
	return nil
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// resolveThen returns a dial function that swaps the target host for its
// cached address before calling dial.
func (f *Factory) resolveThen(dial dialFunc, lookup dnscache.LookupOptions) dialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		res, err := f.dns.Resolve(ctx, host, lookup)
		if err != nil {
			return nil, err
		}
		return dial(ctx, network, net.JoinHostPort(res.Address, port))
	}
}
