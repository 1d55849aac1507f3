package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CA is the interception authority that signs per-host leaves for CONNECT
// targets. Its root must be installed in the agent trust store; the agent
// never sees upstream certificates directly.
type CA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	keyPEM  []byte

	certCache map[string]*tls.Certificate
	cacheMu   sync.RWMutex
}

// LoadCA loads the interception CA from PEM files.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	return parseCA(certPEM, keyPEM)
}

// NewCA loads the CA under caDir, generating and saving a fresh one when
// none exists. The development path: production deployments configure an
// issued intermediate instead.
func NewCA(caDir string) (*CA, error) {
	certPath := filepath.Join(caDir, "ca.crt")
	keyPath := filepath.Join(caDir, "ca.key")

	if certPEM, err := os.ReadFile(certPath); err == nil {
		if keyPEM, err := os.ReadFile(keyPath); err == nil {
			return parseCA(certPEM, keyPEM)
		}
	}

	ca, err := generateCA()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(caDir, 0700); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}
	if err := os.WriteFile(certPath, ca.certPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, ca.keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}
	return ca, nil
}

func parseCA(certPEM, keyPEM []byte) (*CA, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("CA certificate is not a CA")
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		k, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parsing CA key: %w", err)
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
		key = rsaKey
	}

	return &CA{
		cert:      cert,
		key:       key,
		certPEM:   certPEM,
		keyPEM:    keyPEM,
		certCache: make(map[string]*tls.Certificate),
	}, nil
}

// newIssuingKey generates key material for a CA or leaf. One key size for
// both: interception latency is dominated by the upstream dial, not RSA.
func newIssuingKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// randomSerial returns a fresh certificate serial.
func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, big.NewInt(1<<62))
}

func generateCA() (*CA, error) {
	key, err := newIssuingKey()
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	subjectKeyID := sha1.Sum(pubKeyBytes)

	// Self-signed root, constrained to signing the per-host leaves the
	// tunnel engine mints. Agents install this in their trust store.
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Redoubt"},
			CommonName:   "Redoubt Interception CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          subjectKeyID[:],
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}

	return parseCA(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	)
}

// CertPEM returns the CA certificate in PEM form, for installation into the
// agent trust store.
func (ca *CA) CertPEM() []byte { return ca.certPEM }

// Subject returns the CA certificate's common name.
func (ca *CA) Subject() string { return ca.cert.Subject.CommonName }

// NotAfter returns the CA certificate's expiry.
func (ca *CA) NotAfter() time.Time { return ca.cert.NotAfter }

// LeafFor returns a cached or freshly minted certificate for host, signed by
// the CA. host may be a DNS name or an IP literal.
func (ca *CA) LeafFor(host string) (*tls.Certificate, error) {
	ca.cacheMu.RLock()
	if cert, ok := ca.certCache[host]; ok {
		ca.cacheMu.RUnlock()
		return cert, nil
	}
	ca.cacheMu.RUnlock()

	key, err := newIssuingKey()
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Redoubt"},
			CommonName:   host,
		},
		NotBefore:   time.Now().Add(-5 * time.Minute),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("creating leaf certificate: %w", err)
	}

	// Include the CA in the chain; some TLS stacks require the issuer
	// even when the root is in the trust bundle.
	cert := &tls.Certificate{
		Certificate: [][]byte{certDER, ca.cert.Raw},
		PrivateKey:  key,
	}

	ca.cacheMu.Lock()
	ca.certCache[host] = cert
	ca.cacheMu.Unlock()
	return cert, nil
}
