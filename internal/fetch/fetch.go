// Package fetch executes outbound HTTP requests through cached dispatchers
// and a cached DNS resolver.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MahdiBaghbani/fetchpool/internal/fetch/dispatcher"
	"github.com/MahdiBaghbani/fetchpool/internal/fetch/dnscache"
	"github.com/MahdiBaghbani/fetchpool/internal/fetch/header"
	"github.com/MahdiBaghbani/fetchpool/internal/fetch/metrics"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/hostport"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/logutil"
)

const (
	DefaultUserAgent    = "fetchpool / Fetch v1"
	DefaultTimeout      = 120 * time.Second
	DefaultMaxRedirects = 10

	invalidLabel = "invalid"
)

// RequestSpec describes one outbound request.
type RequestSpec struct {
	Method string // defaults to GET
	URL    string

	// Headers accept string, []string, []any and scalar values. Nil values
	// are dropped and names are case-insensitive.
	Headers map[string]any
	Body    io.Reader

	// Proxy is an http, https, socks5 or socks5h URL, optionally carrying
	// credentials. Empty means direct.
	Proxy          string
	ConnectOptions map[string]any

	FollowRedirects bool

	// Timeout bounds the exchange up to response headers. Zero means the
	// executor default; a non-zero value also selects a dedicated dispatcher.
	Timeout time.Duration
}

// Response is a completed exchange. Body must be closed by the caller.
type Response struct {
	Status  int
	Headers header.Header
	Body    io.ReadCloser
}

// Options configures an Executor.
type Options struct {
	UserAgent      string
	DefaultTimeout time.Duration
	MaxRedirects   int

	DNS         dnscache.Options
	Dispatchers dispatcher.Options

	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Executor performs requests. It is safe for concurrent use.
type Executor struct {
	userAgent      string
	defaultTimeout time.Duration
	maxRedirects   int

	dns         *dnscache.Cache
	dispatchers *dispatcher.Cache

	metrics metrics.Recorder
	logger  *slog.Logger
}

// New builds an Executor together with its DNS and dispatcher caches.
// Metrics and Logger propagate to both caches unless they set their own.
func New(opts Options) (*Executor, error) {
	logger := logutil.NoopIfNil(opts.Logger)
	rec := metrics.NoopIfNil(opts.Metrics)

	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	dnsOpts := opts.DNS
	if dnsOpts.Metrics == nil {
		dnsOpts.Metrics = rec
	}
	if dnsOpts.Logger == nil {
		dnsOpts.Logger = logutil.Component(logger, "dnscache")
	}
	dns, err := dnscache.New(dnsOpts)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	dispOpts := opts.Dispatchers
	dispOpts.DNS = dns
	if dispOpts.Metrics == nil {
		dispOpts.Metrics = rec
	}
	if dispOpts.Logger == nil {
		dispOpts.Logger = logutil.Component(logger, "dispatcher")
	}
	dispatchers, err := dispatcher.NewCache(dispOpts)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	return &Executor{
		userAgent:      opts.UserAgent,
		defaultTimeout: opts.DefaultTimeout,
		maxRedirects:   opts.MaxRedirects,
		dns:            dns,
		dispatchers:    dispatchers,
		metrics:        rec,
		logger:         logutil.Component(logger, "fetch"),
	}, nil
}

// DNS returns the resolution cache shared by every dispatcher.
func (e *Executor) DNS() *dnscache.Cache { return e.dns }

// Dispatchers returns the dispatcher cache.
func (e *Executor) Dispatchers() *dispatcher.Cache { return e.dispatchers }

// Close releases pooled connections and cached resolutions.
func (e *Executor) Close() error {
	err := e.dispatchers.Close()
	e.dns.Purge()
	return err
}

// Fetch performs spec and returns the response once headers arrive. Every
// failure is a *FetchError; deadline expiry has Code ERR_TIMEOUT.
func (e *Executor) Fetch(ctx context.Context, spec RequestSpec) (*Response, error) {
	e.metrics.RequestTotal()

	start := time.Now()
	requestID := uuid.NewString()
	host, target, urlErr := parseTarget(spec.URL)
	proxyHost := proxyLabel(spec.Proxy)

	log := e.logger.With(
		"request_id", requestID,
		"method", methodOf(spec),
		"host", host,
		"proxy_host", proxyHost)

	var (
		resp *Response
		ferr *FetchError
	)
	if urlErr != nil {
		ferr = urlErr
	} else {
		resp, ferr = e.do(ctx, spec, target, log)
	}

	elapsed := time.Since(start)
	switch {
	case ferr == nil:
		e.metrics.RequestSent(resp.Status, host, proxyHost)
		log.Debug("fetch sent", "status", resp.Status, "elapsed", elapsed)
		return resp, nil
	case ferr.Code == CodeTimeout:
		e.metrics.RequestTimeout(host, proxyHost)
		log.Debug("fetch timed out", "elapsed", elapsed)
	default:
		label := ferr.Code
		if label == "" {
			label = ferr.Message
		}
		e.metrics.RequestFailed(label, host, proxyHost)
		log.Debug("fetch failed", "code", ferr.Code, "error", ferr.Message, "elapsed", elapsed)
	}
	return nil, ferr
}

func (e *Executor) do(ctx context.Context, spec RequestSpec, target *url.URL, log *slog.Logger) (*Response, *FetchError) {
	d, err := e.dispatchers.Get(spec.Proxy, spec.ConnectOptions, spec.Timeout)
	if err != nil {
		return nil, dispatcherError(err)
	}
	log.Debug("dispatcher selected", "dispatcher_id", d.ID())

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(errDeadline) })

	req, err := http.NewRequestWithContext(ctx, methodOf(spec), target.String(), spec.Body)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, &FetchError{Message: err.Error(), Code: CodeFetch, Err: err}
	}
	e.applyHeaders(req, spec.Headers)

	client := &http.Client{
		Transport:     d,
		CheckRedirect: redirectPolicy(spec.FollowRedirects, e.maxRedirects),
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		fired := !timer.Stop()
		timedOut := fired || errors.Is(context.Cause(ctx), errDeadline) || time.Since(start) >= timeout
		cancel(nil)
		if timedOut {
			return nil, newTimeoutError(err)
		}
		return nil, newTransportError(err)
	}

	if !timer.Stop() {
		// The deadline raced the response headers; the body is already dead.
		resp.Body.Close()
		cancel(nil)
		return nil, newTimeoutError(context.Cause(ctx))
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: header.FromHTTP(resp.Header),
		Body:    &body{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// applyHeaders writes normalized caller headers onto req and fills in the
// default user agent. A caller "host" header overrides the request host.
func (e *Executor) applyHeaders(req *http.Request, raw map[string]any) {
	h := header.Normalize(raw)
	if !h.Has("user-agent") {
		h["user-agent"] = e.userAgent
	}
	h.WriteTo(req.Header)
	if host := h.Get("host"); host != "" {
		req.Host = host
	}
}

func redirectPolicy(follow bool, limit int) func(*http.Request, []*http.Request) error {
	if !follow {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	// Past the limit the last 3xx is handed back as the response.
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return http.ErrUseLastResponse
		}
		return nil
	}
}

// body releases the request context once the caller is done with the stream.
type body struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *body) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}

func methodOf(spec RequestSpec) string {
	if spec.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(spec.Method)
}

// parseTarget validates rawURL and returns its lower-cased hostname.
func parseTarget(rawURL string) (string, *url.URL, *FetchError) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return invalidLabel, nil, &FetchError{Message: err.Error(), Code: CodeInvalidURL, Err: err}
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Hostname() == "" {
		return invalidLabel, nil, &FetchError{
			Message: fmt.Sprintf("invalid URL %q: an http or https URL with a host is required", u.Redacted()),
			Code:    CodeInvalidURL,
		}
	}
	return strings.ToLower(u.Hostname()), u, nil
}

func proxyLabel(rawProxy string) string {
	if rawProxy == "" {
		return metrics.DirectProxyHost
	}
	label, err := hostport.FromURL(rawProxy)
	if err != nil {
		return invalidLabel
	}
	return label
}

func dispatcherError(err error) *FetchError {
	code := CodeFetch
	switch {
	case errors.Is(err, dispatcher.ErrInvalidProxy), errors.Is(err, dispatcher.ErrUnsupportedProxy):
		code = CodeInvalidProxy
	case errors.Is(err, dispatcher.ErrInvalidConnectOptions):
		code = CodeInvalidConnectOptions
	}
	return &FetchError{Message: err.Error(), Code: code, Err: err}
}
