// Package metrics provides the counters observed by the fetch layer.
// Emissions never influence control flow; Noop is used when no backend is configured.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// DirectProxyHost labels requests that were not routed through a proxy.
const DirectProxyHost = "direct"

// Recorder receives fetch layer events.
type Recorder interface {
	// RequestTotal counts every fetch attempt, regardless of outcome.
	RequestTotal()
	RequestSent(status int, host, proxyHost string)
	RequestFailed(errorLabel, host, proxyHost string)
	RequestTimeout(host, proxyHost string)

	DispatcherCacheHit()
	DispatcherCacheMiss()
	DNSCacheHit()
	DNSCacheMiss()
}

type noop struct{}

func (noop) RequestTotal()                        {}
func (noop) RequestSent(int, string, string)      {}
func (noop) RequestFailed(string, string, string) {}
func (noop) RequestTimeout(string, string)        {}
func (noop) DispatcherCacheHit()                  {}
func (noop) DispatcherCacheMiss()                 {}
func (noop) DNSCacheHit()                         {}
func (noop) DNSCacheMiss()                        {}

// Noop returns a Recorder that discards every event.
func Noop() Recorder { return noop{} }

// NoopIfNil returns r when non-nil, otherwise the discard recorder.
func NoopIfNil(r Recorder) Recorder {
	if r != nil {
		return r
	}
	return noop{}
}

// Prometheus records fetch events as Prometheus counters.
type Prometheus struct {
	requestsTotal   prometheus.Counter
	requestsSent    *prometheus.CounterVec
	requestsFailed  *prometheus.CounterVec
	requestsTimeout *prometheus.CounterVec

	dispatcherHits   prometheus.Counter
	dispatcherMisses prometheus.Counter
	dnsHits          prometheus.Counter
	dnsMisses        prometheus.Counter
}

// NewPrometheus creates the fetch counters and registers them with reg.
// A nil reg leaves the counters unregistered, which is useful in tests.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Total number of requests",
		}),
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_sent",
			Help:      "Total number of requests sent",
		}, []string{"status", "host", "proxy_host"}),
		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_failed",
			Help:      "Total number of requests that failed",
		}, []string{"error", "host", "proxy_host"}),
		requestsTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_timeout",
			Help:      "Total number of requests that timed out",
		}, []string{"host", "proxy_host"}),
		dispatcherHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_dispatcher_cache_hits",
			Help:      "Total number of dispatcher cache hits",
		}),
		dispatcherMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_dispatcher_cache_misses",
			Help:      "Total number of dispatcher cache misses",
		}),
		dnsHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_dns_cache_hits",
			Help:      "Total number of DNS cache hits",
		}),
		dnsMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_dns_cache_misses",
			Help:      "Total number of DNS cache misses",
		}),
	}

	if reg != nil {
		for _, c := range p.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (p *Prometheus) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.requestsTotal,
		p.requestsSent,
		p.requestsFailed,
		p.requestsTimeout,
		p.dispatcherHits,
		p.dispatcherMisses,
		p.dnsHits,
		p.dnsMisses,
	}
}

func (p *Prometheus) RequestTotal() { p.requestsTotal.Inc() }

func (p *Prometheus) RequestSent(status int, host, proxyHost string) {
	p.requestsSent.WithLabelValues(strconv.Itoa(status), host, proxyHost).Inc()
}

func (p *Prometheus) RequestFailed(errorLabel, host, proxyHost string) {
	p.requestsFailed.WithLabelValues(errorLabel, host, proxyHost).Inc()
}

func (p *Prometheus) RequestTimeout(host, proxyHost string) {
	p.requestsTimeout.WithLabelValues(host, proxyHost).Inc()
}

func (p *Prometheus) DispatcherCacheHit()  { p.dispatcherHits.Inc() }
func (p *Prometheus) DispatcherCacheMiss() { p.dispatcherMisses.Inc() }
func (p *Prometheus) DNSCacheHit()         { p.dnsHits.Inc() }
func (p *Prometheus) DNSCacheMiss()        { p.dnsMisses.Inc() }

// Ensure Prometheus implements Recorder.
var _ Recorder = (*Prometheus)(nil)
