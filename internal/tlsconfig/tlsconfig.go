// Package tlsconfig loads the TLS material used by the https listener and by
// clients dialling it.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/sandboxd/internal/paths"
)

// Options holds explicit TLS paths from flags. Empty fields are discovered in
// the TLS directory (server.pem, server.key, ca.pem).
type Options struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// ResolveServer returns nil when no certificate pair can be found.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath := discover(opts.CertPath, "server.pem")
	keyPath := discover(opts.KeyPath, "server.key")
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

func ResolveClient(opts Options) (*tls.Config, error) {
	if opts.CertPath != "" || opts.KeyPath != "" {
		return nil, errors.New("client certificates are not supported")
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}

	caPath := discover(opts.CAPath, "ca.pem")
	if caPath == "" {
		return cfg, nil
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", caPath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func discover(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := paths.TLSDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}
