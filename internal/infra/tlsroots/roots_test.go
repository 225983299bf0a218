package tlsroots

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddCertPEM(t *testing.T) {
	cert := generateTestCert(t, "ca.offstore.test")
	key := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte("ignored")})

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"single", encode(cert), nil},
		{"bundle with other blocks", append(append(key, encode(cert)...), encode(generateTestCert(t, "b"))...), nil},
		{"empty", nil, ErrNoCertsFound},
		{"not pem", []byte("not a certificate"), ErrNoCertsFound},
		{"only a key", key, ErrNoCertsFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEmptyPool().AddCertPEM(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AddCertPEM() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("invalid certificate", func(t *testing.T) {
		bad := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("garbage")})
		if err := NewEmptyPool().AddCertPEM(bad); err == nil {
			t.Error("expected a parse error")
		}
	})
}

func TestAddCertFile(t *testing.T) {
	dir := t.TempDir()

	if err := NewEmptyPool().AddCertFile(filepath.Join(dir, "missing.pem")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: error = %v", err)
	}

	empty := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := NewEmptyPool().AddCertFile(empty); !errors.Is(err, ErrNoCertsFound) {
		t.Errorf("empty file: error = %v", err)
	}
}

func TestClientConfig(t *testing.T) {
	cert := generateTestCert(t, "ca.offstore.test")
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, encode(cert), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := ClientConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != tls.VersionTLS12 || cfg.RootCAs == nil {
		t.Errorf("config = %+v", cfg)
	}
	if _, err := cert.Verify(x509.VerifyOptions{Roots: cfg.RootCAs}); err != nil {
		t.Errorf("CA from file not trusted: %v", err)
	}

	if _, err := ClientConfig(""); err != nil {
		t.Errorf("system roots only: %v", err)
	}
	if _, err := ClientConfig(filepath.Join(t.TempDir(), "nope.pem")); err == nil {
		t.Error("expected error for a missing CA file")
	}
}

func encode(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// generateTestCert generates a self-signed CA certificate.
func generateTestCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"offstore test"}, CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	return cert
}
