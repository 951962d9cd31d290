package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// Error codes carried by FetchError. The E* codes mirror the errno names
// callers already match on; the ERR_* codes are specific to this package.
const (
	CodeTimeout               = "ERR_TIMEOUT"
	CodeInvalidURL            = "ERR_INVALID_URL"
	CodeInvalidProxy          = "ERR_INVALID_PROXY"
	CodeInvalidConnectOptions = "ERR_INVALID_CONNECT_OPTIONS"
	CodeCanceled              = "ERR_CANCELED"
	CodeTLSCert               = "ERR_TLS_CERT"
	CodeProxy                 = "ERR_PROXY"
	CodeFetch                 = "ERR_FETCH"

	CodeNotFound        = "ENOTFOUND"
	CodeTryAgain        = "EAI_AGAIN"
	CodeConnRefused     = "ECONNREFUSED"
	CodeConnReset       = "ECONNRESET"
	CodeBrokenPipe      = "EPIPE"
	CodeNetUnreachable  = "ENETUNREACH"
	CodeHostUnreachable = "EHOSTUNREACH"
	CodeTimedOut        = "ETIMEDOUT"
)

const timeoutMessage = "Request timeout"

// errDeadline is the cancellation cause installed when a request's deadline fires.
var errDeadline = errors.New("fetch deadline exceeded")

// FetchError is returned by Fetch for every failure.
type FetchError struct {
	Message string
	Code    string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Code == "" {
		return "fetch: " + e.Message
	}
	return "fetch: " + e.Message + " (" + e.Code + ")"
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a FetchError raised by the request deadline.
func IsTimeout(err error) bool {
	return Code(err) == CodeTimeout
}

// Code returns the code of the FetchError in err's chain, or "".
func Code(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func newTimeoutError(cause error) *FetchError {
	return &FetchError{Message: timeoutMessage, Code: CodeTimeout, Err: cause}
}

// newTransportError wraps a failure returned by the HTTP client.
func newTransportError(err error) *FetchError {
	msg := err.Error()
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		msg = ue.Err.Error()
	}
	return &FetchError{Message: msg, Code: errorCode(err), Err: err}
}

var errnoCodes = []struct {
	errno syscall.Errno
	code  string
}{
	{syscall.ECONNREFUSED, CodeConnRefused},
	{syscall.ECONNRESET, CodeConnReset},
	{syscall.EPIPE, CodeBrokenPipe},
	{syscall.ENETUNREACH, CodeNetUnreachable},
	{syscall.EHOSTUNREACH, CodeHostUnreachable},
	{syscall.ETIMEDOUT, CodeTimedOut},
}

// errorCode derives a stable code from a Go transport error.
func errorCode(err error) string {
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if !dnsErr.IsNotFound && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
			return CodeTryAgain
		}
		return CodeNotFound
	}

	if isCertError(err) {
		return CodeTLSCert
	}

	for _, e := range errnoCodes {
		if errors.Is(err, e.errno) {
			return e.code
		}
	}

	if isProxyError(err) {
		return CodeProxy
	}

	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return CodeTimedOut
	}

	return CodeFetch
}

func isCertError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		untrustedErr x509.SystemRootsError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &untrustedErr)
}

// isProxyError matches failures talking to the proxy itself: a rejected
// CONNECT or a failed SOCKS handshake.
func isProxyError(err error) bool {
	var op *net.OpError
	if !errors.As(err, &op) {
		return false
	}
	return op.Op == "proxyconnect" || strings.HasPrefix(op.Op, "socks")
}
