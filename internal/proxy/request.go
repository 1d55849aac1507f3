package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/majorcontext/redoubt/internal/log"
	"github.com/majorcontext/redoubt/internal/metrics"
	"github.com/majorcontext/redoubt/internal/policy"
	"github.com/majorcontext/redoubt/internal/strategy"
	"github.com/majorcontext/redoubt/internal/vault"
)

// pipeErr is a pipeline failure with its neutral client-visible status.
// The kind is for logs, metrics, and audit; it never reaches the client.
type pipeErr struct {
	status int
	kind   string
	err    error
}

func (e *pipeErr) Error() string {
	if e.err != nil {
		return e.kind + ": " + e.err.Error()
	}
	return e.kind
}

func (e *pipeErr) Unwrap() error { return e.err }

// hopByHopHeaders must not be forwarded past a single connection segment
// (RFC 7230 §6.1), in addition to anything the request's Connection header
// names.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes hop-by-hop headers, including those nominated by the
// Connection header, so only end-to-end headers go upstream.
func stripHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// scannableContentType reports whether a request body with this content
// type is searched for placeholders. Binary payloads are skipped unless the
// operator opted into indiscriminate scanning.
func scannableContentType(ct string, scanBinary bool) bool {
	if scanBinary || ct == "" {
		return true
	}
	ct = strings.ToLower(ct)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "x-www-form-urlencoded") ||
		strings.Contains(ct, "javascript")
}

// readBody buffers the request body up to limit. Exceeding the limit is a
// 413: strategies cannot rewrite what they cannot see, and forwarding an
// unscanned body could leak a placeholder upstream.
func readBody(body io.ReadCloser, limit int64) ([]byte, *pipeErr) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, &pipeErr{status: http.StatusBadRequest, kind: "client_io", err: err}
	}
	if int64(len(data)) > limit {
		vault.Wipe(data)
		return nil, &pipeErr{status: http.StatusRequestEntityTooLarge, kind: "body_too_large"}
	}
	return data, nil
}

// matchedBindings scans everything a placeholder can hide in: the URL path
// and query, every header value, and the buffered body when scannable.
func matchedBindings(snap *vault.Snapshot, req *http.Request, body []byte, scannable bool) []int {
	auto := snap.Outbound()
	if auto == nil {
		return nil
	}
	seen := make(map[int]bool)
	scan := func(data []byte) {
		for _, m := range auto.FindAll(data) {
			seen[m.Pattern] = true
		}
	}
	scan([]byte(req.URL.Path))
	if req.URL.RawQuery != "" {
		scan([]byte(req.URL.RawQuery))
	}
	for _, vs := range req.Header {
		for _, v := range vs {
			scan([]byte(v))
		}
	}
	if scannable && len(body) > 0 {
		scan(body)
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	return out
}

// roundTrip runs the outbound pipeline on out (already pointed at the
// target) and returns the sanitized upstream response. out is consumed.
func (g *Gateway) roundTrip(snap *vault.Snapshot, rt *Runtime, transport *http.Transport, out *http.Request, tgt target, reqID, subject string) (*http.Response, *pipeErr) {
	logger := log.With("subsystem", "proxy", "request_id", reqID, "host", tgt.host, "agent", subject)

	// Telemetry headers go first, before anything is matched or logged.
	if n := rt.Policy.StripTelemetry(out.Header); n > 0 {
		logger.Debug("telemetry headers stripped", "count", n)
	}
	stripHopByHop(out.Header)
	// Compression is renegotiated by the upstream transport so the
	// sanitizer always sees plaintext.
	out.Header.Del("Accept-Encoding")

	body, perr := readBody(out.Body, rt.MaxBodyBytes)
	if perr != nil {
		return nil, perr
	}
	g.metrics.RequestBytes.Observe(float64(len(body)))

	scannable := scannableContentType(out.Header.Get("Content-Type"), rt.ScanBinary)
	matched := matchedBindings(snap, out, body, scannable)

	if len(matched) > 0 {
		allowLists := make([][]policy.HostPattern, len(matched))
		for i, b := range matched {
			allowLists[i] = snap.Binding(b).AllowedHosts
		}
		switch rt.Policy.CheckHost(tgt.host, tgt.port, allowLists) {
		case policy.Reject:
			logger.Warn("request rejected by host allow-list")
			g.auditPolicy(reqID, tgt.host, "rejected")
			vault.Wipe(body)
			return nil, &pipeErr{status: http.StatusForbidden, kind: "policy_denied"}
		case policy.Strip:
			logger.Warn("fail-open: stripping placeholders and forwarding unauthenticated")
			g.metrics.FailOpenTotal.Inc()
			g.auditPolicy(reqID, tgt.host, "stripped")
			newBody, _, err := strategy.Apply(out, body, snap, matched, scannable, true, time.Now)
			if err != nil {
				vault.Wipe(body)
				return nil, &pipeErr{status: http.StatusBadGateway, kind: "strategy_internal", err: err}
			}
			body = newBody
		case policy.Permit:
			newBody, injections, err := strategy.Apply(out, body, snap, matched, scannable, false, time.Now)
			if err != nil {
				vault.Wipe(body)
				if rt.Policy.Mode == policy.FailOpen {
					logger.Warn("fail-open: strategy failure, forwarding without credentials", "error", err)
					g.metrics.FailOpenTotal.Inc()
				} else {
					logger.Error("strategy application failed", "error", err)
					return nil, &pipeErr{status: http.StatusBadGateway, kind: "strategy_internal", err: err}
				}
			} else {
				body = newBody
				for _, inj := range injections {
					g.metrics.SecretsSanitized.WithLabelValues(metrics.DirectionInject, string(inj.Kind)).Inc()
					g.auditCredential(reqID, tgt.host, string(inj.Kind), inj.Matches)
					logger.Debug("credential applied",
						"action", "inject",
						"strategy", string(inj.Kind),
						"matches", inj.Matches,
						"method", out.Method,
						"path", out.URL.Path)
				}
			}
		}
	}

	out.Header.Del("Content-Length")
	if body != nil {
		// The transport closes the request body once it has been sent;
		// that close wipes the rewritten bytes.
		out.Body = newWipeOnClose(body)
		out.ContentLength = int64(len(body))
	} else {
		out.Body = http.NoBody
		out.ContentLength = 0
	}

	ctx, cancel := g.requestContext(out.Context(), rt)
	out = out.WithContext(ctx)

	resp, err := transport.RoundTrip(out)
	if err != nil {
		cancel()
		vault.Wipe(body)
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, &pipeErr{status: http.StatusBadGateway, kind: "upstream_timeout", err: err}
		}
		return nil, &pipeErr{status: http.StatusBadGateway, kind: "upstream_io", err: err}
	}

	g.sanitizeResponse(snap, rt, resp, reqID, tgt.host, cancel)
	return resp, nil
}

// wipeOnClose hands buffered plaintext to the transport and zeroizes it on
// Close, which the transport guarantees to call.
type wipeOnClose struct {
	*bytes.Reader
	buf  []byte
	once sync.Once
}

func newWipeOnClose(buf []byte) *wipeOnClose {
	return &wipeOnClose{Reader: bytes.NewReader(buf), buf: buf}
}

func (w *wipeOnClose) Close() error {
	w.once.Do(func() { vault.Wipe(w.buf) })
	return nil
}
