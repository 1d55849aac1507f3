// Package strategy turns matched placeholders into request authentication
// material. It owns the outbound rewrite: bearer substitution, placeholder
// removal for signing strategies, HMAC and api-key header attachment, and
// whole-request SigV4 signing over the final payload.
package strategy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/majorcontext/redoubt/internal/sigv4"
	"github.com/majorcontext/redoubt/internal/vault"
)

// Injection records one applied strategy for metrics and audit. It carries
// no secret material.
type Injection struct {
	Kind    vault.Kind
	Binding int
	Matches int
}

// Apply rewrites req in place for every matched binding and returns the
// rewritten body. matched holds binding indices from the snapshot's outbound
// automaton. scanBody mirrors the pipeline's content-type gate: when false,
// body bytes are left untouched even if they coincidentally contain pattern
// bytes. When strip is true (fail-open policy decision) every matched
// placeholder is removed and no credential is attached.
//
// Substitution runs first so signing strategies see the final payload;
// SigV4, which covers the whole request, always runs last.
func Apply(req *http.Request, body []byte, snap *vault.Snapshot, matched []int, scanBody, strip bool, now func() time.Time) ([]byte, []Injection, error) {
	if len(matched) == 0 {
		return body, nil, nil
	}

	repl := make([][]byte, snap.Len())
	sigv4Binding := -1
	for _, i := range matched {
		b := snap.Binding(i)
		if strip {
			repl[i] = []byte{}
			continue
		}
		switch b.Strategy.Kind {
		case vault.KindBearer:
			repl[i] = b.Strategy.Token.Bytes()
		case vault.KindAWSSigV4:
			if sigv4Binding >= 0 && sigv4Binding != i {
				return body, nil, fmt.Errorf("strategy: request matches two aws_sigv4 bindings")
			}
			sigv4Binding = i
			repl[i] = []byte{}
		case vault.KindHMAC, vault.KindAPIKeyHeader:
			repl[i] = []byte{}
		case vault.KindCustom:
			repl[i] = customReplacement(&b.Strategy)
			for s := range b.Strategy.Steps {
				if b.Strategy.Steps[s].Kind == vault.KindAWSSigV4 {
					if sigv4Binding >= 0 && sigv4Binding != i {
						return body, nil, fmt.Errorf("strategy: request matches two aws_sigv4 bindings")
					}
					sigv4Binding = i
				}
			}
		}
	}

	injections := make([]Injection, 0, len(matched))
	counts := rewriteRequest(req, &body, snap, repl, matched, scanBody)
	for _, i := range matched {
		injections = append(injections, Injection{
			Kind:    snap.Binding(i).Strategy.Kind,
			Binding: i,
			Matches: counts[i],
		})
	}

	if strip {
		return body, injections, nil
	}

	// Header attachments after substitution, signing last.
	for _, i := range matched {
		b := snap.Binding(i)
		if err := attach(req, body, &b.Strategy); err != nil {
			return body, injections, err
		}
	}
	if sigv4Binding >= 0 {
		st := signingStrategy(&snap.Binding(sigv4Binding).Strategy)
		if err := signAWS(req, body, st, now); err != nil {
			return body, injections, err
		}
	}
	return body, injections, nil
}

// customReplacement returns the textual substitution for a custom strategy:
// the first bearer step's token, or removal when no step substitutes.
func customReplacement(st *vault.Strategy) []byte {
	for i := range st.Steps {
		if st.Steps[i].Kind == vault.KindBearer {
			return st.Steps[i].Token.Bytes()
		}
	}
	return []byte{}
}

// signingStrategy digs the aws_sigv4 variant out of a binding's strategy.
func signingStrategy(st *vault.Strategy) *vault.Strategy {
	if st.Kind == vault.KindAWSSigV4 {
		return st
	}
	for i := range st.Steps {
		if st.Steps[i].Kind == vault.KindAWSSigV4 {
			return &st.Steps[i]
		}
	}
	return st
}

// attach applies non-substituting header strategies (hmac, api key, and the
// non-bearer steps of custom strategies).
func attach(req *http.Request, body []byte, st *vault.Strategy) error {
	switch st.Kind {
	case vault.KindHMAC:
		req.Header.Set(st.Header, hmacDigest(st, req.Method, req.URL.Path, body))
	case vault.KindAPIKeyHeader:
		req.Header.Set(st.Header, string(st.Key.Bytes()))
	case vault.KindCustom:
		for i := range st.Steps {
			if err := attach(req, body, &st.Steps[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// hmacDigest computes the canonical HMAC: method, canonical path, and the
// hex SHA-256 of the payload, newline separated, keyed with the binding's
// shared key.
func hmacDigest(st *vault.Strategy, method, path string, body []byte) string {
	if path == "" {
		path = "/"
	}
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, st.Key.Bytes())
	fmt.Fprintf(mac, "%s\n%s\n%s", method, path, hex.EncodeToString(sum[:]))
	digest := mac.Sum(nil)

	if st.Scheme == "sha256-base64" {
		return base64.StdEncoding.EncodeToString(digest)
	}
	return hex.EncodeToString(digest)
}

// signAWS resolves the signing scope and signs the whole request.
func signAWS(req *http.Request, body []byte, st *vault.Strategy, now func() time.Time) error {
	region, service := st.Region, st.Service
	if region == "" || service == "" {
		inferredRegion, inferredService, err := sigv4.InferRegionService(requestHost(req))
		if err != nil {
			return err
		}
		if region == "" {
			region = inferredRegion
		}
		if service == "" {
			service = inferredService
		}
	}

	payloadHash := sigv4.PayloadHash(body)
	if st.UnsignedPayload {
		payloadHash = sigv4.UnsignedPayload
	}
	at := sigv4.SigningTime(req, now)
	return sigv4.Sign(req, payloadHash,
		string(st.AccessKey.Bytes()), string(st.SecretKey.Bytes()), "",
		region, service, at)
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

// rewriteRequest substitutes placeholders in the URL, headers, and body,
// returning per-binding match counts. Headers whose entire value was a
// removed placeholder are deleted rather than forwarded empty.
func rewriteRequest(req *http.Request, body *[]byte, snap *vault.Snapshot, repl [][]byte, matched []int, scanBody bool) map[int]int {
	counts := make(map[int]int, len(matched))
	auto := snap.Outbound()

	if auto.Contains([]byte(req.URL.Path)) {
		out, ms := auto.Replace([]byte(req.URL.Path), repl)
		req.URL.Path = string(out)
		req.URL.RawPath = ""
		for _, m := range ms {
			counts[m.Pattern]++
		}
	}
	if req.URL.RawQuery != "" && auto.Contains([]byte(req.URL.RawQuery)) {
		out, ms := auto.Replace([]byte(req.URL.RawQuery), repl)
		req.URL.RawQuery = string(out)
		for _, m := range ms {
			counts[m.Pattern]++
		}
	}

	for name, values := range req.Header {
		changed := false
		kept := values[:0]
		for _, v := range values {
			if !auto.Contains([]byte(v)) {
				kept = append(kept, v)
				continue
			}
			out, ms := auto.Replace([]byte(v), repl)
			for _, m := range ms {
				counts[m.Pattern]++
			}
			changed = true
			if s := strings.TrimSpace(string(out)); s != "" {
				kept = append(kept, string(out))
			}
		}
		if changed {
			if len(kept) == 0 {
				req.Header.Del(name)
			} else {
				req.Header[name] = kept
			}
		}
	}

	if scanBody && len(*body) > 0 && auto.Contains(*body) {
		out, ms := auto.Replace(*body, repl)
		vault.Wipe(*body)
		*body = out
		for _, m := range ms {
			counts[m.Pattern]++
		}
	}
	return counts
}
