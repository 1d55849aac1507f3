package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/majorcontext/redoubt/internal/id"
	"github.com/majorcontext/redoubt/internal/log"
)

// handleConnect intercepts a CONNECT tunnel. The agent negotiates TLS
// against a leaf minted for the target host; the gateway independently
// negotiates TLS with the real upstream. Requests inside the tunnel run the
// same pipeline as direct requests, so the allow-list check happens before
// any upstream socket is opened.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	connID := id.Conn()
	host, port, perr := validateConnectTarget(r.Host)
	if perr != nil {
		g.writeError(w, perr)
		return
	}

	log.Debug("tunnel open",
		"subsystem", "proxy",
		"action", "connect",
		"conn_id", connID,
		"host", host,
		"port", port,
		"agent", agentSubject(r))

	conn, perr := tunnelConn(w, r)
	if perr != nil {
		g.writeError(w, perr)
		return
	}
	defer conn.Close()

	leaf, err := g.ca.LeafFor(host)
	if err != nil {
		log.Error("leaf issuance failed", "subsystem", "proxy", "conn_id", connID, "host", host, "error", err)
		return
	}

	// The tunnel interior is HTTP/1.1 by ALPN; the outer listener may
	// have negotiated h2 with the agent independently.
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	})
	if err := tlsConn.Handshake(); err != nil {
		log.Debug("tunnel handshake failed", "subsystem", "proxy", "conn_id", connID, "host", host, "error", err)
		return
	}
	defer tlsConn.Close()

	g.serveTunnel(tlsConn, host, port, connID, agentSubject(r))
}

// serveTunnel loops over requests read from the intercepted TLS session.
func (g *Gateway) serveTunnel(tlsConn *tls.Conn, host string, port int, connID, subject string) {
	tgt := target{scheme: "https", host: host, port: port}
	reader := bufio.NewReader(tlsConn)

	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				log.Debug("tunnel read ended", "subsystem", "proxy", "conn_id", connID, "error", err)
			}
			return
		}

		start := time.Now()
		reqID := id.Request()
		rt, transport := g.runtime()
		snap := g.vault.Current()

		req.URL.Scheme = "https"
		req.URL.Host = hostportForURL(tgt)
		req.Host = req.URL.Host
		req.RequestURI = ""
		req.Header.Del(TargetHeader)

		resp, perr := g.roundTrip(snap, rt, transport, req, tgt, reqID, subject)
		duration := time.Since(start)

		if perr != nil {
			g.metrics.CountRequest(req.Method, perr.status, "tunnel", duration)
			g.auditNetwork(reqID, req.Method, host, req.URL.Path, perr.status, duration, perr.kind)
			snap.Release()
			if writeNeutralResponse(tlsConn, perr.status) != nil {
				return
			}
			continue
		}

		g.metrics.CountRequest(req.Method, resp.StatusCode, "tunnel", duration)
		g.auditNetwork(reqID, req.Method, host, req.URL.Path, resp.StatusCode, duration, "")

		writeErr := resp.Write(tlsConn)
		resp.Body.Close()
		snap.Release()
		if writeErr != nil {
			log.Debug("tunnel write failed", "subsystem", "proxy", "conn_id", connID, "error", writeErr)
			return
		}
		if resp.Close || req.Close {
			return
		}
	}
}

// writeNeutralResponse sends a bare status with no body detail.
func writeNeutralResponse(w io.Writer, status int) error {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(http.StatusText(status))),
		ContentLength: int64(len(http.StatusText(status))),
	}
	resp.Header.Set("Content-Type", "text/plain")
	return resp.Write(w)
}

// validateConnectTarget checks the CONNECT request target: a well-formed
// DNS name or IP literal plus a port in [1, 65535].
func validateConnectTarget(hostport string) (string, int, *pipeErr) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil || host == "" {
		return "", 0, &pipeErr{status: http.StatusBadRequest, kind: "malformed_connect", err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, &pipeErr{status: http.StatusBadRequest, kind: "malformed_connect"}
	}
	if net.ParseIP(host) == nil && !validDNSName(host) {
		return "", 0, &pipeErr{status: http.StatusBadRequest, kind: "malformed_connect"}
	}
	return host, port, nil
}

// validDNSName applies the cheap structural rules: label sizes, permitted
// bytes, no empty labels.
func validDNSName(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
			if !ok {
				return false
			}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
	}
	return true
}

// tunnelConn obtains the raw duplex to the agent: a hijacked TCP connection
// under HTTP/1.1, or the request/response stream pair under HTTP/2 CONNECT.
func tunnelConn(w http.ResponseWriter, r *http.Request) (net.Conn, *pipeErr) {
	if hj, ok := w.(http.Hijacker); ok {
		conn, _, err := hj.Hijack()
		if err != nil {
			return nil, &pipeErr{status: http.StatusInternalServerError, kind: "hijack_failed", err: err}
		}
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			conn.Close()
			return nil, &pipeErr{status: http.StatusInternalServerError, kind: "client_io", err: err}
		}
		return conn, nil
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, &pipeErr{status: http.StatusNotImplemented, kind: "connect_unsupported", err: fmt.Errorf("connection supports neither hijacking nor streaming")}
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &streamConn{r: r.Body, w: w, flusher: flusher}, nil
}

// streamConn adapts an HTTP/2 CONNECT stream to net.Conn so the MITM TLS
// session can run over it.
type streamConn struct {
	r       io.ReadCloser
	w       io.Writer
	flusher http.Flusher
}

func (c *streamConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *streamConn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.flusher.Flush()
	}
	return n, err
}

func (c *streamConn) Close() error                       { return c.r.Close() }
func (c *streamConn) LocalAddr() net.Addr                { return streamAddr{} }
func (c *streamConn) RemoteAddr() net.Addr               { return streamAddr{} }
func (c *streamConn) SetDeadline(t time.Time) error      { return nil }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return nil }

type streamAddr struct{}

func (streamAddr) Network() string { return "h2-connect" }
func (streamAddr) String() string  { return "h2-connect" }
