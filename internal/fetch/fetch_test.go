package fetch_test

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MahdiBaghbani/fetchpool/internal/fetch"
	"github.com/MahdiBaghbani/fetchpool/internal/fetch/metrics/metricstest"
)

func newExecutor(t *testing.T, opts fetch.Options) (*fetch.Executor, *metricstest.Recorder) {
	t.Helper()
	rec := &metricstest.Recorder{}
	opts.Metrics = rec
	e, err := fetch.New(opts)
	if err != nil {
		t.Fatalf("fetch.New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, rec
}

func readBody(t *testing.T, resp *fetch.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	return string(b)
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	e, rec := newExecutor(t, fetch.Options{})
	resp, err := e.Fetch(context.Background(), fetch.RequestSpec{
		Method: "post",
		URL:    srv.URL + "/items",
		Body:   strings.NewReader("payload"),
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if resp.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if got := resp.Headers.Get("content-type"); got != "text/plain" {
		t.Errorf("content-type = %q", got)
	}
	if got := resp.Headers.Values("x-multi"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("x-multi = %v, want [a b]", got)
	}
	if body := readBody(t, resp); body != "POST /items" {
		t.Errorf("body = %q", body)
	}

	counts := rec.Snapshot()
	if counts.Total != 1 || counts.Outcomes() != 1 {
		t.Errorf("expected one total and one outcome, got %d and %d", counts.Total, counts.Outcomes())
	}
	if counts.Sent["201 127.0.0.1 direct"] != 1 {
		t.Errorf("unexpected sent counters: %v", counts.Sent)
	}
}

func TestFetch_RequestHeaders(t *testing.T) {
	type seen struct {
		ua, host string
		multi    []string
		custom   string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{
			ua:     r.Header.Get("User-Agent"),
			host:   r.Host,
			multi:  r.Header.Values("X-Multi"),
			custom: r.Header.Get("X-Number"),
		}
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		userAg  string
		headers map[string]any
		wantUA  string
	}{
		{"default user agent", "", nil, fetch.DefaultUserAgent},
		{"configured user agent", "custom-agent/2", nil, "custom-agent/2"},
		{"caller user agent wins", "custom-agent/2", map[string]any{"User-Agent": "caller/1"}, "caller/1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newExecutor(t, fetch.Options{UserAgent: tt.userAg})
			resp, err := e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL, Headers: tt.headers})
			if err != nil {
				t.Fatalf("Fetch failed: %v", err)
			}
			resp.Body.Close()
			if s := <-got; s.ua != tt.wantUA {
				t.Errorf("User-Agent = %q, want %q", s.ua, tt.wantUA)
			}
		})
	}

	t.Run("normalized values and host override", func(t *testing.T) {
		e, _ := newExecutor(t, fetch.Options{})
		resp, err := e.Fetch(context.Background(), fetch.RequestSpec{
			URL: srv.URL,
			Headers: map[string]any{
				"X-Multi":  []any{"a", nil, "b"},
				"X-Number": 42,
				"X-Nil":    nil,
				"Host":     "virtual.example",
			},
		})
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		resp.Body.Close()

		s := <-got
		if len(s.multi) != 2 || s.multi[0] != "a" || s.multi[1] != "b" {
			t.Errorf("X-Multi = %v, want [a b]", s.multi)
		}
		if s.custom != "42" {
			t.Errorf("X-Number = %q, want 42", s.custom)
		}
		if s.host != "virtual.example" {
			t.Errorf("Host = %q, want virtual.example", s.host)
		}
	})
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	e, rec := newExecutor(t, fetch.Options{})
	start := time.Now()
	resp, err := e.Fetch(context.Background(), fetch.RequestSpec{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	if resp != nil {
		t.Fatal("expected no response")
	}
	if !fetch.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}

	var fe *fetch.FetchError
	if !errors.As(err, &fe) || fe.Message != "Request timeout" || fe.Code != fetch.CodeTimeout {
		t.Errorf("unexpected error %#v", fe)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	counts := rec.Snapshot()
	if counts.Total != 1 || counts.Outcomes() != 1 {
		t.Errorf("expected one total and one outcome, got %d and %d", counts.Total, counts.Outcomes())
	}
	if counts.Timeout["127.0.0.1 direct"] != 1 {
		t.Errorf("unexpected timeout counters: %v", counts.Timeout)
	}
}

func TestFetch_DefaultTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	e, rec := newExecutor(t, fetch.Options{DefaultTimeout: 50 * time.Millisecond})
	_, err := e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL})
	if fetch.Code(err) != fetch.CodeTimeout {
		t.Fatalf("expected %s, got %v", fetch.CodeTimeout, err)
	}
	if counts := rec.Snapshot(); counts.DispatcherMisses != 0 {
		t.Errorf("default timeout must use the default dispatcher, got %d misses", counts.DispatcherMisses)
	}
}

func TestFetch_BodyOutlivesDeadlineWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		io.WriteString(w, "late")
	}))
	defer srv.Close()

	e, _ := newExecutor(t, fetch.Options{DefaultTimeout: 100 * time.Millisecond})
	resp, err := e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if body := readBody(t, resp); body != "late" {
		t.Errorf("body = %q, want late", body)
	}
}

func TestFetch_Failures(t *testing.T) {
	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	refusedURL := closed.URL
	closed.Close()

	tests := []struct {
		name     string
		spec     fetch.RequestSpec
		wantCode string
		wantKey  string
	}{
		{
			name:     "connection refused",
			spec:     fetch.RequestSpec{URL: refusedURL},
			wantCode: fetch.CodeConnRefused,
			wantKey:  "ECONNREFUSED 127.0.0.1 direct",
		},
		{
			name:     "malformed url",
			spec:     fetch.RequestSpec{URL: "http://[::1"},
			wantCode: fetch.CodeInvalidURL,
			wantKey:  "ERR_INVALID_URL invalid direct",
		},
		{
			name:     "unsupported url scheme",
			spec:     fetch.RequestSpec{URL: "ftp://files.example/x"},
			wantCode: fetch.CodeInvalidURL,
			wantKey:  "ERR_INVALID_URL invalid direct",
		},
		{
			name:     "unsupported proxy",
			spec:     fetch.RequestSpec{URL: "http://target.example", Proxy: "ftp://proxy.example:21"},
			wantCode: fetch.CodeInvalidProxy,
			wantKey:  "ERR_INVALID_PROXY target.example proxy.example:21",
		},
		{
			name:     "malformed proxy",
			spec:     fetch.RequestSpec{URL: "http://target.example", Proxy: "proxy.example:8080"},
			wantCode: fetch.CodeInvalidProxy,
			wantKey:  "ERR_INVALID_PROXY target.example invalid",
		},
		{
			name:     "unknown connect option",
			spec:     fetch.RequestSpec{URL: "http://target.example", ConnectOptions: map[string]any{"bogus": true}},
			wantCode: fetch.CodeInvalidConnectOptions,
			wantKey:  "ERR_INVALID_CONNECT_OPTIONS target.example direct",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec := newExecutor(t, fetch.Options{})
			resp, err := e.Fetch(context.Background(), tt.spec)
			if resp != nil {
				t.Error("expected no response")
			}
			if got := fetch.Code(err); got != tt.wantCode {
				t.Fatalf("Code = %q, want %q (err=%v)", got, tt.wantCode, err)
			}

			counts := rec.Snapshot()
			if counts.Total != 1 || counts.Outcomes() != 1 {
				t.Errorf("expected one total and one outcome, got %d and %d", counts.Total, counts.Outcomes())
			}
			if counts.Failed[tt.wantKey] != 1 {
				t.Errorf("expected failed counter %q, got %v", tt.wantKey, counts.Failed)
			}
			if counts.DispatcherMisses != 0 && tt.wantCode != fetch.CodeConnRefused {
				t.Errorf("invalid input must not build a dispatcher, got %d misses", counts.DispatcherMisses)
			}
		})
	}
}

func TestFetch_CallerCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	e, rec := newExecutor(t, fetch.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Fetch(ctx, fetch.RequestSpec{URL: srv.URL})
	if got := fetch.Code(err); got != fetch.CodeCanceled {
		t.Fatalf("Code = %q, want %q (err=%v)", got, fetch.CodeCanceled, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("expected the cause to be preserved")
	}
	if counts := rec.Snapshot(); counts.Failed["ERR_CANCELED 127.0.0.1 direct"] != 1 {
		t.Errorf("unexpected failed counters: %v", counts.Failed)
	}
}

func TestFetch_Redirects(t *testing.T) {
	var loopHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "end")
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		loopHits.Add(1)
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e, rec := newExecutor(t, fetch.Options{})

	resp, err := e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL + "/start"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	resp.Body.Close()
	if resp.Status != http.StatusFound || resp.Headers.Get("location") != "/end" {
		t.Errorf("expected the redirect itself, got %d location=%q", resp.Status, resp.Headers.Get("location"))
	}

	resp, err = e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL + "/start", FollowRedirects: true})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if resp.Status != http.StatusOK || readBody(t, resp) != "end" {
		t.Errorf("expected followed redirect, got %d", resp.Status)
	}

	resp, err = e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL + "/loop", FollowRedirects: true})
	if err != nil {
		t.Fatalf("Fetch past the redirect limit failed: %v", err)
	}
	resp.Body.Close()
	if resp.Status != http.StatusFound || resp.Headers.Get("location") != "/loop" {
		t.Errorf("expected the last redirect back, got %d location=%q", resp.Status, resp.Headers.Get("location"))
	}
	if got := loopHits.Load(); got != fetch.DefaultMaxRedirects+1 {
		t.Errorf("server saw %d requests, want %d", got, fetch.DefaultMaxRedirects+1)
	}

	counts := rec.Snapshot()
	if counts.Total != 3 || counts.Outcomes() != 3 {
		t.Errorf("expected 3 totals and 3 outcomes, got %d and %d", counts.Total, counts.Outcomes())
	}
	if got := counts.Sent["302 127.0.0.1 direct"]; got != 2 {
		t.Errorf("sent{302} = %d, want 2 (sent=%v)", got, counts.Sent)
	}
	if len(counts.Failed) != 0 {
		t.Errorf("unexpected failures: %v", counts.Failed)
	}
}

func TestFetch_DefaultDispatcherReuse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	e, rec := newExecutor(t, fetch.Options{})
	for i := 0; i < 5; i++ {
		resp, err := e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL})
		if err != nil {
			t.Fatalf("Fetch %d failed: %v", i, err)
		}
		readBody(t, resp)
	}

	counts := rec.Snapshot()
	if counts.DispatcherMisses != 0 || counts.DispatcherHits != 0 {
		t.Errorf("expected no dispatcher cache activity, got %d misses %d hits",
			counts.DispatcherMisses, counts.DispatcherHits)
	}
	if e.Dispatchers().Len() != 0 {
		t.Errorf("expected empty dispatcher cache, len=%d", e.Dispatchers().Len())
	}
}

func TestFetch_ThroughProxy(t *testing.T) {
	auth := make(chan string, 1)
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Proxy-Authorization")
		io.WriteString(w, "proxied "+r.URL.Host)
	}))
	defer proxySrv.Close()

	e, rec := newExecutor(t, fetch.Options{})
	proxyAddr := proxySrv.Listener.Addr().String()
	spec := fetch.RequestSpec{
		URL:            "http://target.example/x",
		Proxy:          "http://user:pass@" + proxyAddr,
		ConnectOptions: map[string]any{"connect_timeout_ms": 2000},
	}

	for i := 0; i < 2; i++ {
		resp, err := e.Fetch(context.Background(), spec)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if body := readBody(t, resp); body != "proxied target.example" {
			t.Errorf("body = %q", body)
		}
		if got := <-auth; !strings.HasPrefix(got, "Basic ") {
			t.Errorf("proxy saw Proxy-Authorization %q", got)
		}
	}

	counts := rec.Snapshot()
	if counts.DispatcherMisses != 1 || counts.DispatcherHits != 1 {
		t.Errorf("expected 1 miss then 1 hit, got %d misses %d hits", counts.DispatcherMisses, counts.DispatcherHits)
	}
	if key := "200 target.example " + proxyAddr; counts.Sent[key] != 2 {
		t.Errorf("expected sent counter %q, got %v", key, counts.Sent)
	}
}

func TestFetch_ResolvesThroughDNSCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()
	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())

	e, rec := newExecutor(t, fetch.Options{})
	url := "http://localhost:" + port + "/"
	for i := 0; i < 2; i++ {
		resp, err := e.Fetch(context.Background(), fetch.RequestSpec{
			URL:            url,
			ConnectOptions: map[string]any{"disable_keep_alives": true, "family": 4},
		})
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		readBody(t, resp)
	}

	counts := rec.Snapshot()
	if counts.DNSMisses != 1 || counts.DNSHits != 1 {
		t.Errorf("expected 1 DNS miss then 1 hit, got %d misses %d hits", counts.DNSMisses, counts.DNSHits)
	}
}

func TestFetch_ConcurrentOutcomesCountedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	e, rec := newExecutor(t, fetch.Options{})
	specs := []fetch.RequestSpec{
		{URL: srv.URL + "/fast"},
		{URL: srv.URL + "/slow", Timeout: 30 * time.Millisecond},
		{URL: "not a url"},
		{URL: srv.URL + "/fast", Proxy: "gopher://nope"},
	}

	const rounds = 10
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		for _, spec := range specs {
			wg.Add(1)
			go func(spec fetch.RequestSpec) {
				defer wg.Done()
				resp, err := e.Fetch(context.Background(), spec)
				if err == nil {
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
			}(spec)
		}
	}
	wg.Wait()

	counts := rec.Snapshot()
	want := rounds * len(specs)
	if counts.Total != want {
		t.Errorf("Total = %d, want %d", counts.Total, want)
	}
	if counts.Outcomes() != want {
		t.Errorf("Outcomes = %d, want %d", counts.Outcomes(), want)
	}
	if counts.Timeout["127.0.0.1 direct"] != rounds {
		t.Errorf("expected %d timeouts, got %v", rounds, counts.Timeout)
	}
}

func TestFetch_TLSConnectOptions(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	defer srv.Close()

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(caFile, caPEM, 0600); err != nil {
		t.Fatalf("failed to write CA file: %v", err)
	}

	e, rec := newExecutor(t, fetch.Options{})

	_, err := e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL})
	if got := fetch.Code(err); got != fetch.CodeTLSCert {
		t.Fatalf("Code = %q, want %q (err=%v)", got, fetch.CodeTLSCert, err)
	}

	for _, opts := range []map[string]any{
		{"tls_root_ca_file": caFile},
		{"insecure_skip_verify": true},
	} {
		resp, err := e.Fetch(context.Background(), fetch.RequestSpec{URL: srv.URL, ConnectOptions: opts})
		if err != nil {
			t.Fatalf("Fetch with %v failed: %v", opts, err)
		}
		if body := readBody(t, resp); body != "secure" {
			t.Errorf("body = %q", body)
		}
	}

	counts := rec.Snapshot()
	if counts.Failed["ERR_TLS_CERT 127.0.0.1 direct"] != 1 || counts.Sent["200 127.0.0.1 direct"] != 2 {
		t.Errorf("unexpected counters: failed=%v sent=%v", counts.Failed, counts.Sent)
	}
}
