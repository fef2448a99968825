package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapWritesVerifiableServerPair(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "tls")
	if err := Bootstrap(dir, []string{"sandbox.internal", "10.0.0.7"}, false); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	for name, want := range map[string]os.FileMode{
		"ca.pem":     0o644,
		"ca.key":     0o600,
		"server.pem": 0o644,
		"server.key": 0o600,
	} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Fatalf("unexpected mode for %s: got %v want %v", name, got, want)
		}
	}

	caPEM, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatalf("read CA: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatal("CA PEM did not parse")
	}

	serverPEM, err := os.ReadFile(filepath.Join(dir, "server.pem"))
	if err != nil {
		t.Fatalf("read server cert: %v", err)
	}
	block, _ := pem.Decode(serverPEM)
	if block == nil {
		t.Fatal("server PEM did not decode")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse server cert: %v", err)
	}
	for _, host := range []string{"localhost", "sandbox.internal", "10.0.0.7", "127.0.0.1"} {
		if _, err := cert.Verify(x509.VerifyOptions{DNSName: host, Roots: pool}); err != nil {
			t.Fatalf("verify server cert for %s: %v", host, err)
		}
	}
	if !containsIP(cert.IPAddresses, "::1") {
		t.Fatalf("expected ::1 in IP SANs, got %v", cert.IPAddresses)
	}

	if _, err := tls.LoadX509KeyPair(filepath.Join(dir, "server.pem"), filepath.Join(dir, "server.key")); err != nil {
		t.Fatalf("server pair does not load: %v", err)
	}
	cfg, err := ResolveServer(Options{
		CertPath: filepath.Join(dir, "server.pem"),
		KeyPath:  filepath.Join(dir, "server.key"),
	})
	if err != nil || cfg == nil {
		t.Fatalf("ResolveServer with bootstrapped material: cfg=%v err=%v", cfg, err)
	}
}

func TestBootstrapRefusesOverwriteWithoutForce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Bootstrap(dir, nil, false); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatalf("read CA: %v", err)
	}

	if err := Bootstrap(dir, nil, false); err == nil {
		t.Fatal("expected second Bootstrap without force to fail")
	}
	if err := Bootstrap(dir, nil, true); err != nil {
		t.Fatalf("forced Bootstrap: %v", err)
	}
	after, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatalf("read CA: %v", err)
	}
	if string(before) == string(after) {
		t.Fatal("expected forced Bootstrap to replace the CA")
	}
}

func containsIP(ips []net.IP, want string) bool {
	target := net.ParseIP(want)
	for _, ip := range ips {
		if ip.Equal(target) {
			return true
		}
	}
	return false
}
