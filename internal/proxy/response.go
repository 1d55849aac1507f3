package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/majorcontext/redoubt/internal/log"
	"github.com/majorcontext/redoubt/internal/metrics"
	"github.com/majorcontext/redoubt/internal/scan"
	"github.com/majorcontext/redoubt/internal/vault"
)

// sanitizeResponse rewrites resp in place: blocked headers removed, header
// values redacted, and the body routed through the inbound automaton. Small
// bodies with a declared length are buffered so Content-Length stays exact;
// everything else streams — the sanitizer never buffers a large body.
//
// cancel releases the request's deadline context; it runs when the body is
// drained or closed.
func (g *Gateway) sanitizeResponse(snap *vault.Snapshot, rt *Runtime, resp *http.Response, reqID, host string, cancel context.CancelFunc) {
	rt.Policy.StripBlockedResponseHeaders(resp.Header)

	headerMatches := 0
	in := snap.Inbound()
	if in != nil {
		for name, values := range resp.Header {
			changed := false
			for i, v := range values {
				if !in.Contains([]byte(v)) {
					continue
				}
				out, ms := in.Replace([]byte(v), snap.RedactionRepl())
				values[i] = string(out)
				headerMatches += len(ms)
				changed = true
			}
			if changed {
				resp.Header[name] = values
			}
		}
		if headerMatches > 0 {
			g.countRedactions(reqID, host, headerMatches)
		}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		g.metrics.ResponseBytes.Observe(0)
		cancel()
		return
	}

	// A declared length already over the cap trips the warning up front;
	// the body still streams in full.
	capTripped := false
	if rt.MaxResponseBytes > 0 && resp.ContentLength > rt.MaxResponseBytes {
		capTripped = true
		g.metrics.ResponseCapExceeded.Inc()
		log.Warn("response exceeds configured cap, still streaming",
			"subsystem", "proxy",
			"request_id", reqID,
			"host", host,
			"cap_bytes", rt.MaxResponseBytes)
	}

	// No redaction set loaded: stream through with accounting only.
	if in == nil {
		ab := newAccountingBody(resp.Body, g, rt, reqID, host, nil, cancel)
		ab.capTripped = capTripped
		resp.Body = ab
		if resp.ContentLength < 0 && len(resp.TransferEncoding) == 0 {
			resp.TransferEncoding = []string{"chunked"}
		}
		return
	}

	if resp.ContentLength >= 0 && resp.ContentLength <= maxRewriteBuffer {
		g.rewriteBufferedBody(snap, resp, reqID, host)
		cancel()
		return
	}

	// Streaming path: length is unknowable up front, so the declared
	// Content-Length is dropped and framing becomes chunked.
	stream := in.NewStream(snap.RedactionRepl())
	ab := newAccountingBody(resp.Body, g, rt, reqID, host, stream, cancel)
	ab.capTripped = capTripped
	resp.Body = ab
	resp.ContentLength = -1
	resp.Header.Del("Content-Length")
	resp.TransferEncoding = []string{"chunked"}
}

// rewriteBufferedBody redacts a small response wholesale and recomputes its
// Content-Length.
func (g *Gateway) rewriteBufferedBody(snap *vault.Snapshot, resp *http.Response, reqID, host string) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRewriteBuffer+1))
	resp.Body.Close()
	if err != nil {
		vault.Wipe(data)
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		resp.ContentLength = 0
		resp.Header.Del("Content-Length")
		log.Warn("reading upstream response failed", "subsystem", "proxy", "request_id", reqID, "error", err)
		return
	}

	out, matches := snap.Inbound().Replace(data, snap.RedactionRepl())
	vault.Wipe(data)
	if n := len(matches); n > 0 {
		g.countRedactions(reqID, host, n)
	}
	g.metrics.ResponseBytes.Observe(float64(len(out)))

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.FormatInt(int64(len(out)), 10))
}

func (g *Gateway) countRedactions(reqID, host string, n int) {
	for i := 0; i < n; i++ {
		g.metrics.SecretsSanitized.WithLabelValues(metrics.DirectionRedact, "reverse").Inc()
	}
	g.auditRedaction(reqID, host, n)
	log.Debug("response redacted", "subsystem", "proxy", "request_id", reqID, "host", host, "matches", n)
}

// accountingBody streams an upstream body to the agent, optionally through a
// redaction stream, while tracking size against the response cap.
type accountingBody struct {
	src     io.ReadCloser
	gateway *Gateway
	rt      *Runtime
	reqID   string
	host    string

	stream  *scan.Stream // nil when nothing needs redacting
	pending []byte
	scratch []byte

	total      int64
	matches    int
	capTripped bool
	srcDone    bool
	closed     bool
	cancel     context.CancelFunc
}

func newAccountingBody(src io.ReadCloser, g *Gateway, rt *Runtime, reqID, host string, stream *scan.Stream, cancel context.CancelFunc) *accountingBody {
	return &accountingBody{
		src:     src,
		gateway: g,
		rt:      rt,
		reqID:   reqID,
		host:    host,
		stream:  stream,
		scratch: make([]byte, 32*1024),
		cancel:  cancel,
	}
}

func (b *accountingBody) Read(p []byte) (int, error) {
	for len(b.pending) == 0 && !b.srcDone {
		n, err := b.src.Read(b.scratch)
		if n > 0 {
			b.account(int64(n))
			if b.stream != nil {
				out, ms := b.stream.Feed(b.scratch[:n])
				b.matches += len(ms)
				for range ms {
					b.gateway.metrics.SecretsSanitized.WithLabelValues(metrics.DirectionRedact, "reverse").Inc()
				}
				b.pending = append(b.pending, out...)
			} else {
				b.pending = append(b.pending, b.scratch[:n]...)
			}
		}
		if err == io.EOF {
			b.finishStream()
			break
		}
		if err != nil {
			b.finishStream()
			b.emitDone()
			return b.take(p), err
		}
	}

	n := b.take(p)
	if n == 0 && b.srcDone {
		b.emitDone()
		return 0, io.EOF
	}
	return n, nil
}

// take moves bytes from pending into p, wiping the vacated region.
func (b *accountingBody) take(p []byte) int {
	n := copy(p, b.pending)
	rem := copy(b.pending, b.pending[n:])
	vault.Wipe(b.pending[rem:])
	b.pending = b.pending[:rem]
	return n
}

func (b *accountingBody) account(n int64) {
	b.total += n
	if !b.capTripped && b.rt.MaxResponseBytes > 0 && b.total > b.rt.MaxResponseBytes {
		b.capTripped = true
		b.gateway.metrics.ResponseCapExceeded.Inc()
		log.Warn("response exceeds configured cap, still streaming",
			"subsystem", "proxy",
			"request_id", b.reqID,
			"host", b.host,
			"cap_bytes", b.rt.MaxResponseBytes)
	}
}

func (b *accountingBody) finishStream() {
	if b.srcDone {
		return
	}
	b.srcDone = true
	if b.stream != nil {
		tail, ms := b.stream.Finish()
		b.matches += len(ms)
		for range ms {
			b.gateway.metrics.SecretsSanitized.WithLabelValues(metrics.DirectionRedact, "reverse").Inc()
		}
		b.pending = append(b.pending, tail...)
	}
}

// emitDone records the per-response accounting exactly once.
func (b *accountingBody) emitDone() {
	if b.closed {
		return
	}
	b.closed = true
	b.gateway.metrics.ResponseBytes.Observe(float64(b.total))
	b.gateway.auditRedaction(b.reqID, b.host, b.matches)
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *accountingBody) Close() error {
	err := b.src.Close()
	if b.stream != nil {
		b.stream.Wipe()
	}
	vault.Wipe(b.pending)
	b.pending = nil
	vault.Wipe(b.scratch)
	b.emitDone()
	return err
}
