// Package tlsutil builds client TLS configuration for dispatchers.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ClientOptions are the TLS settings a caller may attach to connect options.
type ClientOptions struct {
	InsecureSkipVerify bool
	ServerName         string
	RootCAFile         string
	RootCADir          string
}

// IsZero reports whether no TLS setting is present.
func (o ClientOptions) IsZero() bool {
	return o == ClientOptions{}
}

// ClientConfig returns a *tls.Config for o, or nil when o is zero so the
// transport keeps its defaults.
func ClientConfig(o ClientOptions) (*tls.Config, error) {
	if o.IsZero() {
		return nil, nil
	}

	pool, err := BuildRootCAPool(o.RootCAFile, o.RootCADir)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: o.InsecureSkipVerify,
		ServerName:         o.ServerName,
		RootCAs:            pool,
	}, nil
}

// BuildRootCAPool builds a merged root CA pool from an optional file and optional directory.
// If both caFile and caDir are empty, returns (nil, nil) so the caller uses system defaults.
// File and dir certs are merged with the system pool when available.
func BuildRootCAPool(caFile, caDir string) (*x509.CertPool, error) {
	if caFile == "" && caDir == "" {
		return nil, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if caFile != "" {
		if err := appendPEMFile(pool, caFile); err != nil {
			return nil, fmt.Errorf("tls_root_ca_file: %w", err)
		}
	}

	if caDir != "" {
		entries, err := os.ReadDir(caDir)
		if err != nil {
			return nil, fmt.Errorf("tls_root_ca_dir: read failed: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || e.Type()&os.ModeSymlink != 0 {
				continue
			}
			base := strings.ToLower(e.Name())
			if !strings.HasSuffix(base, ".pem") && !strings.HasSuffix(base, ".crt") {
				continue
			}
			path := filepath.Join(caDir, e.Name())
			fi, err := os.Stat(path)
			if err != nil {
				return nil, fmt.Errorf("tls_root_ca_dir: stat %q failed: %w", path, err)
			}
			if !fi.Mode().IsRegular() {
				continue
			}
			if err := appendPEMFile(pool, path); err != nil {
				return nil, fmt.Errorf("tls_root_ca_dir: %w", err)
			}
		}
	}

	return pool, nil
}

func appendPEMFile(pool *x509.CertPool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q failed: %w", path, err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("%q: no valid PEM certificates found", path)
	}
	return nil
}
