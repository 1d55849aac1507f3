package proxy

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/majorcontext/redoubt/internal/metrics"
	"github.com/majorcontext/redoubt/internal/policy"
	"github.com/majorcontext/redoubt/internal/vault"
)

// sendDirect drives the gateway handler with an origin-form request routed
// by X-Target-URL, as an agent without CONNECT support would.
func sendDirect(g *Gateway, method, targetURL, path, contentType, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.TLS = agentTLSState()
	req.Header.Set(TargetHeader, targetURL)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestDirect_BearerPassThrough(t *testing.T) {
	var gotAuth, gotBody, gotTarget string
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotTarget = r.Header.Get(TargetHeader)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()
	host := strings.TrimPrefix(backend.URL, "https://")

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", host)},
		policy.New(policy.FailClosed, nil, nil),
		backendPool(t, backend))

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	req.TLS = agentTLSState()
	req.Header.Set(TargetHeader, backend.URL)
	req.Header.Set("Authorization", "Bearer DUMMY_OPENAI")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if gotAuth != "Bearer sk-REAL" {
		t.Errorf("upstream Authorization = %q, want %q", gotAuth, "Bearer sk-REAL")
	}
	if gotBody != `{"model":"gpt-4"}` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if gotTarget != "" {
		t.Errorf("routing hint header leaked upstream: %q", gotTarget)
	}

	if v := testutil.ToFloat64(g.metrics.SecretsSanitized.WithLabelValues(metrics.DirectionInject, "bearer")); v != 1 {
		t.Errorf("inject counter = %v, want 1", v)
	}
}

func TestDirect_PlaceholderInBodyOnly(t *testing.T) {
	var gotBody string
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()
	host := strings.TrimPrefix(backend.URL, "https://")

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", host)},
		policy.New(policy.FailClosed, nil, nil),
		backendPool(t, backend))

	rec := sendDirect(g, "POST", backend.URL, "/v1/embeddings", "application/json", `{"key":"DUMMY_OPENAI"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotBody != `{"key":"sk-REAL"}` {
		t.Errorf("upstream body = %q, want substituted secret", gotBody)
	}
}

func TestDirect_HostAllowListViolation(t *testing.T) {
	upstreamHit := false
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	}))
	defer backend.Close()

	// The binding only allows api.openai.com; the test backend host is not
	// in the list.
	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", "api.openai.com")},
		policy.New(policy.FailClosed, nil, nil),
		backendPool(t, backend))

	rec := sendDirect(g, "POST", backend.URL, "/steal", "application/json", `{"key":"DUMMY_OPENAI"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if upstreamHit {
		t.Error("upstream socket was opened for a policy-denied request")
	}
	if strings.Contains(rec.Body.String(), "DUMMY_OPENAI") || strings.Contains(rec.Body.String(), "api.openai.com") {
		t.Errorf("error body leaks internals: %q", rec.Body.String())
	}
}

func TestDirect_FailOpenStripsAndForwards(t *testing.T) {
	var gotBody, gotAuth string
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", "api.openai.com")},
		policy.New(policy.FailOpen, nil, nil),
		backendPool(t, backend))

	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"key":"DUMMY_OPENAI"}`))
	req.TLS = agentTLSState()
	req.Header.Set(TargetHeader, backend.URL)
	req.Header.Set("Authorization", "Bearer DUMMY_OPENAI")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want pass-through under fail_mode=open", rec.Code)
	}
	if strings.Contains(gotBody, "DUMMY_OPENAI") || strings.Contains(gotBody, "sk-REAL") {
		t.Errorf("fail-open body = %q: placeholder must be stripped, secret never sent", gotBody)
	}
	if strings.Contains(gotAuth, "sk-REAL") || strings.Contains(gotAuth, "DUMMY") {
		t.Errorf("fail-open Authorization = %q", gotAuth)
	}
	if v := testutil.ToFloat64(g.metrics.FailOpenTotal); v != 1 {
		t.Errorf("policy_fail_open_total = %v, want 1", v)
	}
}

func TestDirect_ResponseRedactionWithContentLength(t *testing.T) {
	leakBody := `{"apiKey": "sk-REAL"}`
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(leakBody)))
		w.Header().Set("X-Leak", "token sk-REAL here")
		io.WriteString(w, leakBody)
	}))
	defer backend.Close()
	host := strings.TrimPrefix(backend.URL, "https://")

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", host)},
		policy.New(policy.FailClosed, nil, nil),
		backendPool(t, backend))

	rec := sendDirect(g, "GET", backend.URL, "/v1/keys", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := rec.Body.String()
	want := `{"apiKey": "[REDACTED]"}`
	if body != want {
		t.Errorf("agent body = %q, want %q", body, want)
	}
	if cl := rec.Header().Get("Content-Length"); cl != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, want %d", cl, len(want))
	}
	if h := rec.Header().Get("X-Leak"); strings.Contains(h, "sk-REAL") {
		t.Errorf("header leak survived: %q", h)
	}
	if v := testutil.ToFloat64(g.metrics.SecretsSanitized.WithLabelValues(metrics.DirectionRedact, "reverse")); v < 2 {
		t.Errorf("redact counter = %v, want >= 2 (header + body)", v)
	}
}

func TestDirect_StreamingRedactionAcrossChunks(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		// No Content-Length: chunked. The secret splits across writes.
		io.WriteString(w, `{"log":"prefix sk-RE`)
		flusher.Flush()
		io.WriteString(w, `AL suffix"}`)
		flusher.Flush()
	}))
	defer backend.Close()
	host := strings.TrimPrefix(backend.URL, "https://")

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", host)},
		policy.New(policy.FailClosed, nil, nil),
		backendPool(t, backend))

	rec := sendDirect(g, "GET", backend.URL, "/logs", "", "")
	body := rec.Body.String()
	if strings.Contains(body, "sk-REAL") {
		t.Errorf("split secret leaked to agent: %q", body)
	}
	if want := `{"log":"prefix [REDACTED] suffix"}`; body != want {
		t.Errorf("agent body = %q, want %q", body, want)
	}
}

func TestDirect_BodyTooLarge(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversized request reached upstream")
	}))
	defer backend.Close()
	host := strings.TrimPrefix(backend.URL, "https://")

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", host)},
		policy.New(policy.FailClosed, nil, nil),
		backendPool(t, backend))
	rt, _ := g.runtime()
	rt.MaxBodyBytes = 64

	rec := sendDirect(g, "POST", backend.URL, "/big", "text/plain", strings.Repeat("x", 65))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestDirect_HopByHopAndTelemetryStripped(t *testing.T) {
	var got http.Header
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer backend.Close()
	host := strings.TrimPrefix(backend.URL, "https://")

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", host)},
		policy.New(policy.FailClosed, nil, []string{"X-Stainless-*"}),
		backendPool(t, backend))

	req := httptest.NewRequest("GET", "/", nil)
	req.TLS = agentTLSState()
	req.Header.Set(TargetHeader, backend.URL)
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("X-Custom-Hop", "drop-me")
	req.Header.Set("Connection", "X-Custom-Hop")
	req.Header.Set("X-Stainless-OS", "Linux")
	req.Header.Set("X-Keep", "forward-me")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	for _, name := range []string{"Proxy-Authorization", "Keep-Alive", "X-Custom-Hop", "Connection", "X-Stainless-OS"} {
		if got.Get(name) != "" {
			t.Errorf("header %s forwarded upstream", name)
		}
	}
	if got.Get("X-Keep") != "forward-me" {
		t.Error("end-to-end header lost")
	}
}

func TestDirect_BlockedResponseHeadersRemoved(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Debug-Token", "trace-abc")
		w.Header().Set("Server-Timing", "db;dur=53")
		w.Write([]byte("ok"))
	}))
	defer backend.Close()
	host := strings.TrimPrefix(backend.URL, "https://")

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-REAL", host)},
		policy.New(policy.FailClosed, []string{"X-Debug-Token", "Server-Timing"}, nil),
		backendPool(t, backend))

	rec := sendDirect(g, "GET", backend.URL, "/", "", "")
	if rec.Header().Get("X-Debug-Token") != "" || rec.Header().Get("Server-Timing") != "" {
		t.Error("blocked response header reached the agent")
	}
}

func TestEndpoints_HealthAndMetrics(t *testing.T) {
	g := newTestGateway(t, nil, policy.New(policy.FailClosed, nil, nil), nil)

	req := httptest.NewRequest("GET", "/health", nil)
	req.TLS = agentTLSState()
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/metrics", nil)
	req.TLS = agentTLSState()
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "active_connections") {
		t.Errorf("metrics endpoint broken: %d", rec.Code)
	}
}

func TestEndpoints_RequireClientCert(t *testing.T) {
	g := newTestGateway(t, nil, policy.New(policy.FailClosed, nil, nil), nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.TLS = &tlsStateNoCert
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("metrics without cert = %d, want 401", rec.Code)
	}
}

func TestHealth_LocalBypass(t *testing.T) {
	snap, err := vault.NewSnapshot(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	ca, err := NewCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := New(Options{
		Vault:            vault.NewHandle(snap),
		Runtime:          defaultRuntime(policy.New(policy.FailClosed, nil, nil)),
		CA:               ca,
		Metrics:          metrics.New(),
		AllowLocalHealth: true,
	})

	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "127.0.0.1:49152"
	req.TLS = &tlsStateNoCert
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("loopback health without cert = %d, want 200", rec.Code)
	}

	// Non-loopback probes still need the certificate.
	req = httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "10.1.2.3:40000"
	req.TLS = &tlsStateNoCert
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("remote health without cert = %d, want 401", rec.Code)
	}
}

func TestReload_SwapsSnapshotAtomically(t *testing.T) {
	var gotAuth string
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))
	defer backend.Close()
	host := strings.TrimPrefix(backend.URL, "https://")

	g := newTestGateway(t,
		[]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-OLD", host)},
		policy.New(policy.FailClosed, nil, nil),
		backendPool(t, backend))

	next, err := vault.NewSnapshot([]vault.Binding{bearerBinding("DUMMY_OPENAI", "sk-NEW", host)}, "")
	if err != nil {
		t.Fatal(err)
	}
	g.Reload(next, defaultRuntime(policy.New(policy.FailClosed, nil, nil)))

	req := httptest.NewRequest("GET", "/", nil)
	req.TLS = agentTLSState()
	req.Header.Set(TargetHeader, backend.URL)
	req.Header.Set("Authorization", "Bearer DUMMY_OPENAI")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if gotAuth != "Bearer sk-NEW" {
		t.Errorf("post-reload Authorization = %q, want new secret", gotAuth)
	}
}

// tlsStateNoCert mimics a handshake that presented no client certificate
// (possible only when the local-health bypass relaxed the listener).
var tlsStateNoCert = tls.ConnectionState{}
