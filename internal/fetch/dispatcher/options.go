package dispatcher

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MahdiBaghbani/fetchpool/internal/platform/cfg"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/tlsutil"
)

var ErrInvalidConnectOptions = errors.New("invalid connect options")

// ConnectOptions are per-connection settings decoded from a request's raw
// connect options. Being a plain comparable struct, two raw maps with the
// same content decode to equal values regardless of key order.
type ConnectOptions struct {
	ConnectTimeoutMS    int    `mapstructure:"connect_timeout_ms"`
	BodyTimeoutMS       int    `mapstructure:"body_timeout_ms"`
	KeepAliveTimeoutMS  int    `mapstructure:"keep_alive_timeout_ms"`
	MaxConnsPerHost     int    `mapstructure:"max_conns_per_host"`
	MaxIdleConnsPerHost int    `mapstructure:"max_idle_conns_per_host"`
	DisableKeepAlives   bool   `mapstructure:"disable_keep_alives"`
	LocalAddress        string `mapstructure:"local_address"`

	// Family restricts name resolution to IPv4 (4) or IPv6 (6).
	Family int `mapstructure:"family"`

	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	TLSRootCAFile      string `mapstructure:"tls_root_ca_file"`
	TLSRootCADir       string `mapstructure:"tls_root_ca_dir"`
}

// DecodeConnectOptions converts raw options into ConnectOptions.
// Unknown keys and out-of-range values are rejected.
func DecodeConnectOptions(raw map[string]any) (ConnectOptions, error) {
	var o ConnectOptions
	if len(raw) == 0 {
		return o, nil
	}
	if err := cfg.DecodeStrict(raw, &o); err != nil {
		return ConnectOptions{}, fmt.Errorf("%w: %v", ErrInvalidConnectOptions, err)
	}
	if err := o.validate(); err != nil {
		return ConnectOptions{}, fmt.Errorf("%w: %v", ErrInvalidConnectOptions, err)
	}
	return o, nil
}

func (o ConnectOptions) validate() error {
	for name, v := range map[string]int{
		"connect_timeout_ms":      o.ConnectTimeoutMS,
		"body_timeout_ms":         o.BodyTimeoutMS,
		"keep_alive_timeout_ms":   o.KeepAliveTimeoutMS,
		"max_conns_per_host":      o.MaxConnsPerHost,
		"max_idle_conns_per_host": o.MaxIdleConnsPerHost,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch o.Family {
	case 0, 4, 6:
	default:
		return fmt.Errorf("family must be 4 or 6, got %d", o.Family)
	}
	if o.LocalAddress != "" && net.ParseIP(o.LocalAddress) == nil {
		return fmt.Errorf("local_address %q is not an IP address", o.LocalAddress)
	}
	return nil
}

func (o ConnectOptions) tls() tlsutil.ClientOptions {
	return tlsutil.ClientOptions{
		InsecureSkipVerify: o.InsecureSkipVerify,
		ServerName:         o.ServerName,
		RootCAFile:         o.TLSRootCAFile,
		RootCADir:          o.TLSRootCADir,
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Timeouts are the per-connection timeouts a dispatcher is built with.
type Timeouts struct {
	Connect   time.Duration
	Body      time.Duration
	KeepAlive time.Duration
}

// DefaultTimeouts returns the connect, body and keep-alive defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:   DefaultConnectTimeout,
		Body:      DefaultBodyTimeout,
		KeepAlive: DefaultKeepAliveTimeout,
	}
}

// resolve picks, per field, the explicit request timeout, then the connect
// option, then the default. Keep-alive ignores the request timeout.
func (t Timeouts) resolve(timeout time.Duration, o ConnectOptions) Timeouts {
	pick := func(optMS int, def time.Duration) time.Duration {
		if timeout > 0 {
			return timeout
		}
		if optMS > 0 {
			return ms(optMS)
		}
		return def
	}

	keepAlive := t.KeepAlive
	if o.KeepAliveTimeoutMS > 0 {
		keepAlive = ms(o.KeepAliveTimeoutMS)
	}

	return Timeouts{
		Connect:   pick(o.ConnectTimeoutMS, t.Connect),
		Body:      pick(o.BodyTimeoutMS, t.Body),
		KeepAlive: keepAlive,
	}
}

// Key identifies a dispatcher. The request timeout is part of it, so requests
// that differ only in timeout never share a dispatcher built for another timeout.
type Key struct {
	Proxy   string
	Options ConnectOptions
	Timeout time.Duration
}
