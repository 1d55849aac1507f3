package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/majorcontext/redoubt/internal/metrics"
	"github.com/majorcontext/redoubt/internal/policy"
	"github.com/majorcontext/redoubt/internal/vault"
)

// defaultRuntime returns a runtime with stock body limits, short test
// timeouts, and the given policy.
func defaultRuntime(pol *policy.Policy) *Runtime {
	return &Runtime{
		Policy:           pol,
		MaxBodyBytes:     10 << 20,
		MaxResponseBytes: 100 << 20,
		ConnectTimeout:   5 * time.Second,
		TotalTimeout:     30 * time.Second,
	}
}

// newTestGateway builds a gateway over the given bindings with an upstream
// trust pool for the test backend.
func newTestGateway(t *testing.T, bindings []vault.Binding, pol *policy.Policy, roots *x509.CertPool) *Gateway {
	t.Helper()
	snap, err := vault.NewSnapshot(bindings, "")
	if err != nil {
		t.Fatal(err)
	}
	ca, err := NewCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(Options{
		Vault:         vault.NewHandle(snap),
		Runtime:       defaultRuntime(pol),
		CA:            ca,
		Metrics:       metrics.New(),
		UpstreamRoots: roots,
	})
}

// agentTLSState fabricates the connection state a verified agent handshake
// produces, so handler tests can run without a real mTLS listener.
func agentTLSState() *tls.ConnectionState {
	return &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{
			{Subject: pkix.Name{CommonName: "agent-test"}},
		},
	}
}

// withAgentTLS wraps a gateway so every request appears mTLS-verified.
func withAgentTLS(g *Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.TLS = agentTLSState()
		g.ServeHTTP(w, r)
	})
}

// backendPool returns a trust pool holding the httptest server's cert.
func backendPool(t *testing.T, srv *httptest.Server) *x509.CertPool {
	t.Helper()
	pool := x509.NewCertPool()
	cert, err := x509.ParseCertificate(srv.TLS.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	pool.AddCert(cert)
	return pool
}

func bearerBinding(placeholder, token string, hosts ...string) vault.Binding {
	return vault.Binding{
		Placeholder:  []byte(placeholder),
		Strategy:     vault.Strategy{Kind: vault.KindBearer, Token: vault.NewSecret(token)},
		AllowedHosts: policy.ParseHostPatterns(hosts),
	}
}

// testKeyPair generates a certificate signed by parent (self-signed when
// parent is nil) and returns it with its key.
func testKeyPair(t *testing.T, template *x509.Certificate, parent *x509.Certificate, parentKey *rsa.PrivateKey) (*x509.Certificate, *rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer := key
	if parentKey != nil {
		signer = parentKey
	}
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return cert, key, certPEM
}

func caTemplate(cn string) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

func leafTemplate(cn string, usage x509.ExtKeyUsage) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano() + 1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
}

func keyPEM(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}
