// Package proxy implements the credential-sanitizing gateway core: the
// mTLS-terminated agent listener, the CONNECT interception engine, and the
// outbound/inbound sanitizing pipelines.
//
// # Security Model
//
// The agent holds opaque placeholders; real credentials live only in the
// vault on this side of the socket. Outbound traffic has placeholders
// swapped for strategy output (bearer substitution, SigV4 signatures, HMAC
// headers) after the host allow-list check; inbound traffic is streamed
// through the redaction automaton so a leaked secret never reaches the
// agent. Kernel-level egress rules in the sandbox are the first enforcement
// line; this gateway is the second.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/majorcontext/redoubt/internal/audit"
	"github.com/majorcontext/redoubt/internal/id"
	"github.com/majorcontext/redoubt/internal/log"
	"github.com/majorcontext/redoubt/internal/metrics"
	"github.com/majorcontext/redoubt/internal/policy"
	"github.com/majorcontext/redoubt/internal/vault"
)

// TargetHeader lets an agent route an origin-form request somewhere other
// than its Host header. It is honored only on non-CONNECT origin-form
// requests and is stripped before forwarding.
const TargetHeader = "X-Target-URL"

// maxRewriteBuffer bounds the response bodies that are fully buffered so
// Content-Length can be recomputed after redaction. Larger responses stream
// through the sanitizer with chunked framing.
const maxRewriteBuffer = 1 << 20

// Runtime is the request-independent state built from one configuration
// load. It is swapped wholesale on reload; in-flight requests keep the
// version they started with.
type Runtime struct {
	Policy           *policy.Policy
	MaxBodyBytes     int64
	MaxResponseBytes int64
	ConnectTimeout   time.Duration
	TotalTimeout     time.Duration
	ScanBinary       bool
}

// Options wires a Gateway.
type Options struct {
	Vault            *vault.Handle
	Runtime          *Runtime
	CA               *CA
	Metrics          *metrics.Metrics
	Trail            *audit.Store // optional
	AllowLocalHealth bool

	// UpstreamRoots overrides the system trust store for upstream
	// certificate validation (private CAs).
	UpstreamRoots *x509.CertPool
}

// Gateway is the http.Handler terminating the agent-facing socket.
type Gateway struct {
	vault   *vault.Handle
	ca      *CA
	metrics *metrics.Metrics
	trail   *audit.Store

	mu        sync.RWMutex
	rt        *Runtime
	transport *http.Transport

	upstreamRoots    *x509.CertPool
	allowLocalHealth bool
}

// New creates a gateway.
func New(opts Options) *Gateway {
	g := &Gateway{
		vault:            opts.Vault,
		ca:               opts.CA,
		metrics:          opts.Metrics,
		trail:            opts.Trail,
		rt:               opts.Runtime,
		upstreamRoots:    opts.UpstreamRoots,
		allowLocalHealth: opts.AllowLocalHealth,
	}
	g.transport = newTransport(opts.Runtime, opts.UpstreamRoots)
	return g
}

// newTransport builds the upstream transport. Upstream certificates verify
// against the system trust store. The agent's Accept-Encoding is dropped in
// the pipeline, so any compression here is transport-managed and transparent
// to the sanitizer.
func newTransport(rt *Runtime, roots *x509.CertPool) *http.Transport {
	return &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: roots},
		DialContext: (&net.Dialer{
			Timeout: rt.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		// The inner tunnel protocol is HTTP/1.1; forcing h2 upstream of
		// a re-serialized h1 stream causes framing mismatches.
		ForceAttemptHTTP2: false,
	}
}

// Reload publishes a freshly built snapshot and runtime. All-or-nothing:
// callers only invoke this after both were built successfully.
func (g *Gateway) Reload(snap *vault.Snapshot, rt *Runtime) {
	g.mu.Lock()
	g.rt = rt
	g.transport = newTransport(rt, g.upstreamRoots)
	g.mu.Unlock()
	g.vault.Swap(snap)
	log.Info("configuration reloaded", "subsystem", "proxy", "bindings", snap.Len())
}

// runtime returns the current runtime and transport.
func (g *Gateway) runtime() (*Runtime, *http.Transport) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rt, g.transport
}

// ServeHTTP dispatches agent requests: direct endpoints (health, metrics),
// CONNECT tunnels, and plain proxied requests.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		if !g.requireAgentCert(w, r) {
			return
		}
		g.handleConnect(w, r)
		return
	}

	if r.URL.Host == "" && r.Header.Get(TargetHeader) == "" {
		g.handleEndpoint(w, r)
		return
	}

	if !g.requireAgentCert(w, r) {
		return
	}
	g.handleHTTP(w, r)
}

// handleEndpoint serves the gateway's own surface.
func (g *Gateway) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		if !g.localHealthAllowed(r) && !hasAgentCert(r) {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		snap := g.vault.Current()
		snap.Release()
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	case "/metrics":
		if !hasAgentCert(r) {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		g.metrics.Handler().ServeHTTP(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// localHealthAllowed reports whether this health probe may skip mTLS.
func (g *Gateway) localHealthAllowed(r *http.Request) bool {
	if !g.allowLocalHealth {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// hasAgentCert reports whether the connection presented a client
// certificate. Chain verification already happened during the handshake.
func hasAgentCert(r *http.Request) bool {
	return r.TLS != nil && len(r.TLS.PeerCertificates) > 0
}

// requireAgentCert enforces mTLS for proxying paths. With strict handshake
// verification this only trips when the local-health bypass loosened the
// listener's client-auth mode.
func (g *Gateway) requireAgentCert(w http.ResponseWriter, r *http.Request) bool {
	if hasAgentCert(r) {
		return true
	}
	http.Error(w, "client certificate required", http.StatusUnauthorized)
	return false
}

// agentSubject returns the verified client certificate subject for logging.
func agentSubject(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0].Subject.CommonName
	}
	return ""
}

// target is the resolved upstream destination for one request.
type target struct {
	scheme string
	host   string
	port   int
}

// resolveTarget determines where a non-CONNECT request is going. Precedence:
// absolute-form URL, then the X-Target-URL hint, then the Host header with
// an https default (the gateway fronts TLS-only upstreams).
func resolveTarget(r *http.Request) (target, error) {
	if r.URL.IsAbs() {
		return targetFromURL(r.URL)
	}
	if hint := r.Header.Get(TargetHeader); hint != "" {
		u, err := url.Parse(hint)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return target{}, errMalformedTarget
		}
		return targetFromURL(u)
	}
	if r.Host == "" {
		return target{}, errMalformedTarget
	}
	u := &url.URL{Scheme: "https", Host: r.Host}
	return targetFromURL(u)
}

var errMalformedTarget = &pipeErr{status: http.StatusBadRequest, kind: "malformed_target"}

func targetFromURL(u *url.URL) (target, error) {
	t := target{scheme: u.Scheme, host: u.Hostname()}
	switch t.scheme {
	case "http":
		t.port = 80
	case "https":
		t.port = 443
	default:
		return target{}, errMalformedTarget
	}
	if p := u.Port(); p != "" {
		port, err := net.LookupPort("tcp", p)
		if err != nil {
			return target{}, errMalformedTarget
		}
		t.port = port
	}
	if t.host == "" {
		return target{}, errMalformedTarget
	}
	return t, nil
}

// handleHTTP proxies one non-CONNECT request end to end.
func (g *Gateway) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := id.Request()
	rt, transport := g.runtime()
	snap := g.vault.Current()
	defer snap.Release()

	tgt, err := resolveTarget(r)
	if err != nil {
		g.writeError(w, errMalformedTarget)
		return
	}

	out := r.Clone(r.Context())
	out.URL.Scheme = tgt.scheme
	out.URL.Host = hostportForURL(tgt)
	out.Host = out.URL.Host
	out.RequestURI = ""
	out.Header.Del(TargetHeader)

	resp, perr := g.roundTrip(snap, rt, transport, out, tgt, reqID, agentSubject(r))
	duration := time.Since(start)

	if perr != nil {
		g.metrics.CountRequest(r.Method, perr.status, "proxy", duration)
		g.auditNetwork(reqID, r.Method, tgt.host, r.URL.Path, perr.status, duration, perr.kind)
		g.writeError(w, perr)
		return
	}
	defer resp.Body.Close()

	g.metrics.CountRequest(r.Method, resp.StatusCode, "proxy", duration)
	g.auditNetwork(reqID, r.Method, tgt.host, r.URL.Path, resp.StatusCode, duration, "")

	copyHeader(w.Header(), resp.Header)
	if resp.ContentLength < 0 {
		w.Header().Del("Content-Length")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = copyFlush(w, resp.Body)
}

// hostportForURL renders the target for a URL, omitting default ports.
func hostportForURL(t target) string {
	if (t.scheme == "https" && t.port == 443) || (t.scheme == "http" && t.port == 80) {
		return t.host
	}
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// copyHeader copies all header values from src to dst.
func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// copyFlush streams src to dst, flushing as data arrives so the agent sees
// bytes in upstream order without gateway-induced latency. The scratch
// buffer is wiped on exit.
func copyFlush(dst http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	defer vault.Wipe(buf)
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// auditNetwork appends a network entry to the trail, if one is configured.
func (g *Gateway) auditNetwork(reqID, method, host, path string, status int, d time.Duration, errKind string) {
	if g.trail == nil {
		return
	}
	_, err := g.trail.Append(audit.EntryNetwork, audit.NetworkData{
		RequestID:  reqID,
		Method:     method,
		Host:       host,
		Path:       path,
		StatusCode: status,
		DurationMs: d.Milliseconds(),
		Error:      errKind,
	})
	if err != nil {
		log.Warn("audit append failed", "subsystem", "audit", "error", err)
	}
}

func (g *Gateway) auditPolicy(reqID, host, outcome string) {
	if g.trail == nil {
		return
	}
	if _, err := g.trail.Append(audit.EntryPolicy, audit.PolicyData{RequestID: reqID, Host: host, Outcome: outcome}); err != nil {
		log.Warn("audit append failed", "subsystem", "audit", "error", err)
	}
}

func (g *Gateway) auditCredential(reqID, host, strategy string, matches int) {
	if g.trail == nil {
		return
	}
	if _, err := g.trail.Append(audit.EntryCredential, audit.CredentialData{RequestID: reqID, Host: host, Strategy: strategy, Matches: matches}); err != nil {
		log.Warn("audit append failed", "subsystem", "audit", "error", err)
	}
}

func (g *Gateway) auditRedaction(reqID, host string, matches int) {
	if g.trail == nil || matches == 0 {
		return
	}
	if _, err := g.trail.Append(audit.EntryRedaction, audit.RedactionData{RequestID: reqID, Host: host, Matches: matches}); err != nil {
		log.Warn("audit append failed", "subsystem", "audit", "error", err)
	}
}

// writeError sends the neutral client-visible response for a pipeline
// failure. Internal details stay in logs.
func (g *Gateway) writeError(w http.ResponseWriter, perr *pipeErr) {
	http.Error(w, http.StatusText(perr.status), perr.status)
}

// context helper used by both pipelines for the total-request deadline.
func (g *Gateway) requestContext(parent context.Context, rt *Runtime) (context.Context, context.CancelFunc) {
	if rt.TotalTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, rt.TotalTimeout)
}
