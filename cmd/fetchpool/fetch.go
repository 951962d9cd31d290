package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MahdiBaghbani/fetchpool/internal/fetch"
	"github.com/MahdiBaghbani/fetchpool/internal/fetch/dispatcher"
	"github.com/MahdiBaghbani/fetchpool/internal/fetch/dnscache"
	"github.com/MahdiBaghbani/fetchpool/internal/fetch/metrics"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/config"
)

type fetchFlags struct {
	method         string
	headers        []string
	proxy          string
	connectOptions []string
	timeout        time.Duration
	follow         bool
	data           string
	repeat         int
	concurrency    int
	metrics        bool
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	var f fetchFlags

	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Perform an HTTP request",
		Long: `Perform an HTTP request and print the status line, headers and body.

With --repeat the request runs several times over the same caches; only the
first response is printed. --metrics prints the Prometheus counters afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, g, &f, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.method, "request", "X", "GET", "HTTP method")
	flags.StringArrayVarP(&f.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	flags.StringVar(&f.proxy, "proxy", "", "Proxy URL: http, https, socks5 or socks5h (overrides config)")
	flags.StringArrayVar(&f.connectOptions, "connect-option", nil, "Connect option as key=value (repeatable)")
	flags.DurationVar(&f.timeout, "timeout", 0, "Request timeout; 0 uses the configured default")
	flags.BoolVarP(&f.follow, "follow", "L", false, "Follow redirects")
	flags.StringVarP(&f.data, "data", "d", "", "Request body")
	flags.IntVar(&f.repeat, "repeat", 1, "Number of times to perform the request")
	flags.IntVar(&f.concurrency, "concurrency", 1, "Maximum requests in flight when repeating")
	flags.BoolVar(&f.metrics, "metrics", false, "Print Prometheus metrics after the run")

	return cmd
}

func runFetch(cmd *cobra.Command, g *globalFlags, f *fetchFlags, rawURL string) error {
	if f.repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}
	if f.concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1")
	}

	headers, err := parseHeaders(f.headers)
	if err != nil {
		return err
	}
	connectOptions, err := parseConnectOptions(f.connectOptions)
	if err != nil {
		return err
	}

	overrides := config.FlagOverrides{Proxy: &f.proxy}
	if f.metrics {
		enabled := "true"
		overrides.MetricsEnabled = &enabled
	}
	cfg, logger, err := setup(cmd, g, overrides)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	recorder := metrics.Noop()
	if cfg.Metrics.Enabled {
		p, err := metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		recorder = p
	}

	executor, err := newExecutor(cfg, recorder, logger)
	if err != nil {
		return err
	}
	defer executor.Close()

	spec := fetch.RequestSpec{
		Method:          f.method,
		URL:             rawURL,
		Headers:         headers,
		Proxy:           cfg.Fetch.Proxy,
		ConnectOptions:  connectOptions,
		FollowRedirects: f.follow,
		Timeout:         f.timeout,
	}

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		failed   atomic.Int64
		firstErr error
	)
	grp := new(errgroup.Group)
	grp.SetLimit(f.concurrency)
	for i := 0; i < f.repeat; i++ {
		grp.Go(func() error {
			s := spec
			if f.data != "" {
				s.Body = strings.NewReader(f.data)
			}
			resp, err := executor.Fetch(ctx, s)
			if err != nil {
				failed.Add(1)
				if i == 0 {
					firstErr = err
				}
				logger.Warn("request failed", "attempt", i, "error", err)
				return nil
			}
			defer resp.Body.Close()
			if i == 0 {
				return printResponse(out, resp)
			}
			_, err = io.Copy(io.Discard, resp.Body)
			return err
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	if f.repeat > 1 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d requests, %d failed\n", f.repeat, failed.Load())
	}

	if f.metrics {
		if err := writeMetrics(out, reg); err != nil {
			return err
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d requests failed", n, f.repeat)
	}
	return nil
}

func newExecutor(cfg *config.Config, recorder metrics.Recorder, logger *slog.Logger) (*fetch.Executor, error) {
	return fetch.New(fetch.Options{
		UserAgent:      cfg.Fetch.UserAgent,
		DefaultTimeout: cfg.Fetch.DefaultTimeout(),
		MaxRedirects:   cfg.Fetch.MaxRedirects,
		DNS: dnscache.Options{
			TTL:           cfg.DNSCache.TTL(),
			Size:          cfg.DNSCache.MaxEntries,
			LookupTimeout: cfg.DNSCache.LookupTimeout(),
		},
		Dispatchers: dispatcher.Options{
			Size: cfg.DispatcherCache.MaxEntries,
			Timeouts: dispatcher.Timeouts{
				Connect:   cfg.Fetch.ConnectTimeout(),
				Body:      cfg.Fetch.BodyTimeout(),
				KeepAlive: cfg.Fetch.KeepAliveTimeout(),
			},
		},
		Metrics: recorder,
		Logger:  logger,
	})
}

// parseHeaders turns repeated 'Name: value' flags into a header map. A name
// given more than once becomes a list.
func parseHeaders(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: value'", h)
		}
		value = strings.TrimSpace(value)
		key := strings.ToLower(name)
		switch prev := out[key].(type) {
		case nil:
			out[key] = value
		case string:
			out[key] = []string{prev, value}
		case []string:
			out[key] = append(prev, value)
		}
	}
	return out, nil
}

func parseConnectOptions(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid connect option %q: expected key=value", kv)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func printResponse(w io.Writer, resp *fetch.Response) error {
	fmt.Fprintf(w, "HTTP %d\n", resp.Status)

	names := make([]string, 0, len(resp.Headers))
	for name := range resp.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Headers.Values(name) {
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
	}
	fmt.Fprintln(w)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	fmt.Fprintln(w)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
