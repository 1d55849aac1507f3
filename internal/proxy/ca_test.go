package proxy

import (
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestNewCA_GeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()

	ca1, err := NewCA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ca.crt")); err != nil {
		t.Fatalf("CA cert not persisted: %v", err)
	}

	ca2, err := NewCA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca1.CertPEM()) != string(ca2.CertPEM()) {
		t.Error("second NewCA generated a different CA instead of loading")
	}
}

func TestLeafFor_SignedAndCached(t *testing.T) {
	ca, err := NewCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	leaf, err := ca.LeafFor("api.openai.com")
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "api.openai.com" {
		t.Errorf("leaf SANs = %v", cert.DNSNames)
	}

	// Chains to the CA.
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(ca.CertPEM()) {
		t.Fatal("CA PEM did not parse")
	}
	if _, err := cert.Verify(x509.VerifyOptions{Roots: roots, DNSName: "api.openai.com"}); err != nil {
		t.Errorf("leaf does not chain to CA: %v", err)
	}

	again, err := ca.LeafFor("api.openai.com")
	if err != nil {
		t.Fatal(err)
	}
	if leaf != again {
		t.Error("leaf not cached per host")
	}
}

func TestLeafFor_IPTarget(t *testing.T) {
	ca, err := NewCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := ca.LeafFor("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.IPAddresses) != 1 || !cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("IP SANs = %v", cert.IPAddresses)
	}
}

func TestLoadCA_RejectsNonCA(t *testing.T) {
	dir := t.TempDir()
	ca, err := NewCA(dir)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := ca.LeafFor("example.com")
	if err != nil {
		t.Fatal(err)
	}

	// Point LoadCA at a leaf instead of a CA.
	leafPath := filepath.Join(dir, "leaf.crt")
	keyPath := filepath.Join(dir, "ca.key")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Certificate[0]})
	if err := os.WriteFile(leafPath, pemBytes, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCA(leafPath, keyPath); err == nil {
		t.Error("LoadCA accepted a non-CA certificate")
	}
}
