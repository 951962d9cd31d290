// Package hostport normalizes host[:port] authorities for use as metric and
// log labels. Default ports are dropped so equivalent spellings collapse.
package hostport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"http":    "80",
	"https":   "443",
	"socks5":  "1080",
	"socks5h": "1080",
}

// FromURL returns the normalized authority of rawURL. Credentials are never
// part of the result.
func FromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("hostport: %w", err)
	}
	return fromParts(u.Hostname(), u.Port(), u.Scheme)
}

func fromParts(hostname, port, scheme string) (string, error) {
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", errors.New("hostport: no host")
	}
	if port == defaultPorts[strings.ToLower(scheme)] {
		port = ""
	}
	if port == "" {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]", nil
		}
		return hostname, nil
	}
	return net.JoinHostPort(hostname, port), nil
}
