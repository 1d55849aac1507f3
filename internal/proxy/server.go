package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/majorcontext/redoubt/internal/log"
	"github.com/majorcontext/redoubt/internal/metrics"
)

// TLSOptions names the listener's certificate material.
type TLSOptions struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string

	// AllowLocalHealth relaxes the handshake to verify-if-given so
	// loopback health probes can connect without a certificate; the
	// handler still requires a certificate for everything else.
	AllowLocalHealth bool
}

// Server terminates agent-side mTLS and serves the gateway.
type Server struct {
	gateway  *Gateway
	srv      *http.Server
	tlsConf  *tls.Config
	listener net.Listener
	addr     string
}

// LoadTLSConfig builds the agent-facing TLS configuration: TLS 1.2 minimum
// (1.3 preferred by the runtime), a required client certificate chained to
// the configured trust root, and a TLS-level alert — no HTTP response — on
// verification failure. Certificate expiries are exported as metrics.
func LoadTLSConfig(opts TLSOptions, m *metrics.Metrics) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading listener certificate: %w", err)
	}
	if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil && m != nil {
		m.ObserveCertificate(leaf.Subject.CommonName, leaf.NotAfter)
	}

	caPEM, err := os.ReadFile(opts.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("reading client CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("client CA bundle %s contains no certificates", opts.ClientCAFile)
	}

	verify := func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			if m != nil {
				m.HandshakeFailures.WithLabelValues("no_certificate").Inc()
			}
			return fmt.Errorf("client certificate required")
		}
		inter := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: inter,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		if err != nil {
			if m != nil {
				m.HandshakeFailures.WithLabelValues("verification_failed").Inc()
			}
			return fmt.Errorf("client certificate verification: %w", err)
		}
		return nil
	}

	cfg := &tls.Config{
		MinVersion:       tls.VersionTLS12,
		Certificates:     []tls.Certificate{cert},
		ClientAuth:       tls.RequestClientCert,
		VerifyConnection: verify,
		NextProtos:       []string{"h2", "http/1.1"},
	}

	if opts.AllowLocalHealth {
		strict := cfg
		cfg = cfg.Clone()
		cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if isLoopbackAddr(hello.Conn.RemoteAddr()) {
				relaxed := strict.Clone()
				relaxed.VerifyConnection = func(cs tls.ConnectionState) error {
					if len(cs.PeerCertificates) == 0 {
						return nil // handler restricts to /health
					}
					return verify(cs)
				}
				return relaxed, nil
			}
			return strict, nil
		}
	}
	return cfg, nil
}

func isLoopbackAddr(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// NewServer wraps a gateway in an HTTP server speaking h2 and http/1.1.
func NewServer(gateway *Gateway, tlsConf *tls.Config) *Server {
	s := &Server{
		gateway: gateway,
		tlsConf: tlsConf,
		srv: &http.Server{
			Handler:           gateway,
			ReadHeaderTimeout: 60 * time.Second, // Slowloris guard
		},
	}
	_ = http2.ConfigureServer(s.srv, &http2.Server{})
	return s
}

// Listen binds the agent-facing socket. Bind failures are distinct from TLS
// material failures so the CLI can exit with the documented codes.
func (s *Server) Listen(bindAddr string) error {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", bindAddr, err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	return nil
}

// Serve accepts connections until Shutdown. It blocks.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("server has no listener")
	}
	log.Info("gateway listening", "subsystem", "proxy", "addr", s.addr)
	err := s.srv.Serve(tls.NewListener(&countingListener{Listener: s.listener, metrics: s.gateway.metrics}, s.tlsConf))
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the bound address (host:port).
func (s *Server) Addr() string { return s.addr }

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// countingListener tracks the active-connection gauge at accept/close.
type countingListener struct {
	net.Listener
	metrics *metrics.Metrics
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.metrics.ActiveConnections.Inc()
	return &countedConn{Conn: conn, metrics: l.metrics}, nil
}

type countedConn struct {
	net.Conn
	metrics *metrics.Metrics
	once    sync.Once
}

func (c *countedConn) Close() error {
	c.once.Do(c.metrics.ActiveConnections.Dec)
	return c.Conn.Close()
}
