package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T, dir string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "sandboxd"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{"localhost"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir tls dir: %v", err)
	}
	for name, data := range map[string][]byte{"server.pem": certPEM, "server.key": keyPEM, "ca.pem": certPEM} {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestResolveServerWithoutMaterialReturnsNil(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := ResolveServer(Options{})
	if err != nil {
		t.Fatalf("ResolveServer returned error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config without certificates")
	}
}

func TestResolveDiscoversTLSDir(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	writeSelfSigned(t, filepath.Join(configHome, "sandboxd", "tls"))

	server, err := ResolveServer(Options{})
	if err != nil {
		t.Fatalf("ResolveServer returned error: %v", err)
	}
	if server == nil || len(server.Certificates) != 1 {
		t.Fatalf("expected one server certificate, got %+v", server)
	}

	client, err := ResolveClient(Options{})
	if err != nil {
		t.Fatalf("ResolveClient returned error: %v", err)
	}
	if client.RootCAs == nil {
		t.Fatal("expected discovered CA pool")
	}
}

func TestResolveClientRejectsClientCertificates(t *testing.T) {
	t.Parallel()

	if _, err := ResolveClient(Options{CertPath: "/tmp/client.pem"}); err == nil {
		t.Fatal("expected client certificate options to be rejected")
	}
}
