// Package metricstest provides an in-memory metrics.Recorder for tests.
package metricstest

import (
	"fmt"
	"sync"

	"github.com/MahdiBaghbani/fetchpool/internal/fetch/metrics"
)

// Counts is a point-in-time copy of everything a Recorder has seen.
type Counts struct {
	Total            int
	Sent             map[string]int // "status host proxyHost"
	Failed           map[string]int // "error host proxyHost"
	Timeout          map[string]int // "host proxyHost"
	DispatcherHits   int
	DispatcherMisses int
	DNSHits          int
	DNSMisses        int
}

// Outcomes returns the number of terminal outcomes (sent + failed + timeout).
func (c Counts) Outcomes() int {
	n := 0
	for _, m := range []map[string]int{c.Sent, c.Failed, c.Timeout} {
		for _, v := range m {
			n += v
		}
	}
	return n
}

// Recorder counts every event it receives. The zero value is ready to use.
type Recorder struct {
	mu sync.Mutex
	c  Counts
}

func inc(m *map[string]int, key string) {
	if *m == nil {
		*m = make(map[string]int)
	}
	(*m)[key]++
}

func (r *Recorder) RequestTotal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.Total++
}

func (r *Recorder) RequestSent(status int, host, proxyHost string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc(&r.c.Sent, fmt.Sprintf("%d %s %s", status, host, proxyHost))
}

func (r *Recorder) RequestFailed(errorLabel, host, proxyHost string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc(&r.c.Failed, fmt.Sprintf("%s %s %s", errorLabel, host, proxyHost))
}

func (r *Recorder) RequestTimeout(host, proxyHost string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc(&r.c.Timeout, fmt.Sprintf("%s %s", host, proxyHost))
}

func (r *Recorder) DispatcherCacheHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.DispatcherHits++
}

func (r *Recorder) DispatcherCacheMiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.DispatcherMisses++
}

func (r *Recorder) DNSCacheHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.DNSHits++
}

func (r *Recorder) DNSCacheMiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.DNSMisses++
}

// Snapshot returns a copy of the counts recorded so far.
func (r *Recorder) Snapshot() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Counts{
		Total:            r.c.Total,
		Sent:             clone(r.c.Sent),
		Failed:           clone(r.c.Failed),
		Timeout:          clone(r.c.Timeout),
		DispatcherHits:   r.c.DispatcherHits,
		DispatcherMisses: r.c.DispatcherMisses,
		DNSHits:          r.c.DNSHits,
		DNSMisses:        r.c.DNSMisses,
	}
}

func clone(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ metrics.Recorder = (*Recorder)(nil)
