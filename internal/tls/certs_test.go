package tls

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSelfSignedCertRoundTrips(t *testing.T) {
	cfg := DefaultCertConfig()
	certPEM, keyPEM, err := GenerateSelfSignedCert(cfg)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert and key PEM")
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	if err := SaveCertificates(certPath, keyPath, certPEM, keyPEM); err != nil {
		t.Fatalf("SaveCertificates() error = %v", err)
	}

	if err := ValidateCertificate(certPath); err != nil {
		t.Fatalf("ValidateCertificate() error = %v", err)
	}

	if _, err := LoadTLSConfig(certPath, keyPath); err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
}

func TestCertConfigForNodeSetsCommonNameAndSAN(t *testing.T) {
	cfg := CertConfigForNode(3)
	if cfg.CommonName != "concord-node-3" {
		t.Errorf("CommonName = %q, want concord-node-3", cfg.CommonName)
	}
	if cfg.SANs[0] != "concord-node-3" {
		t.Errorf("SANs[0] = %q, want concord-node-3", cfg.SANs[0])
	}

	certPEM, keyPEM, err := GenerateSelfSignedCert(cfg)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	if err := SaveCertificates(certPath, keyPath, certPEM, keyPEM); err != nil {
		t.Fatalf("SaveCertificates() error = %v", err)
	}
	if err := ValidateCertificate(certPath); err != nil {
		t.Fatalf("ValidateCertificate() error = %v", err)
	}
}

func TestEnsureCertificatesIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	cfg := CertConfigForNode(1)

	if err := EnsureCertificates(certPath, keyPath, cfg); err != nil {
		t.Fatalf("first EnsureCertificates() error = %v", err)
	}
	first, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("reading generated cert: %v", err)
	}

	if err := EnsureCertificates(certPath, keyPath, cfg); err != nil {
		t.Fatalf("second EnsureCertificates() error = %v", err)
	}
	second, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("reading cert after second call: %v", err)
	}

	if string(first) != string(second) {
		t.Error("EnsureCertificates regenerated a still-valid certificate")
	}
}
