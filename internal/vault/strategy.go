package vault

import "fmt"

// Kind discriminates the strategy sum type. The set is closed on purpose:
// strategies are security-critical and auditable, not an extension point.
type Kind string

const (
	// KindBearer substitutes the placeholder bytes with the secret bytes
	// wherever they occur in headers, URL, and body.
	KindBearer Kind = "bearer"
	// KindAWSSigV4 removes the placeholder and signs the whole request
	// with AWS Signature Version 4.
	KindAWSSigV4 Kind = "aws_sigv4"
	// KindHMAC removes the placeholder and attaches an HMAC of the
	// canonicalized request under a configured header.
	KindHMAC Kind = "hmac"
	// KindAPIKeyHeader removes the placeholder and sets a configured
	// header to the secret.
	KindAPIKeyHeader Kind = "api_key_header"
	// KindCustom applies a declared sequence of the other kinds.
	KindCustom Kind = "custom"
)

// Strategy describes how a matched placeholder turns into request
// authentication material. Exactly the fields for its Kind are set.
type Strategy struct {
	Kind Kind

	// Bearer.
	Token Secret

	// AWSSigV4.
	AccessKey       Secret
	SecretKey       Secret
	Region          string // empty means infer from the upstream host
	Service         string // empty means infer from the upstream host
	UnsignedPayload bool

	// HMAC and APIKeyHeader.
	Key    Secret
	Header string
	Scheme string // hmac digest encoding: "sha256-hex" (default) or "sha256-base64"

	// Custom.
	Steps []Strategy
}

// Validate checks that the strategy carries the material its kind needs.
func (st *Strategy) Validate() error {
	switch st.Kind {
	case KindBearer:
		if st.Token.Empty() {
			return fmt.Errorf("bearer strategy has no token")
		}
	case KindAWSSigV4:
		if st.AccessKey.Empty() || st.SecretKey.Empty() {
			return fmt.Errorf("aws_sigv4 strategy needs access key and secret key")
		}
	case KindHMAC:
		if st.Key.Empty() {
			return fmt.Errorf("hmac strategy has no key")
		}
		if st.Header == "" {
			return fmt.Errorf("hmac strategy has no header name")
		}
		switch st.Scheme {
		case "", "sha256-hex", "sha256-base64":
		default:
			return fmt.Errorf("hmac strategy has unknown scheme %q", st.Scheme)
		}
	case KindAPIKeyHeader:
		if st.Key.Empty() {
			return fmt.Errorf("api_key_header strategy has no key")
		}
		if st.Header == "" {
			return fmt.Errorf("api_key_header strategy has no header name")
		}
	case KindCustom:
		if len(st.Steps) == 0 {
			return fmt.Errorf("custom strategy has no steps")
		}
		for i := range st.Steps {
			if st.Steps[i].Kind == KindCustom {
				return fmt.Errorf("custom strategy step %d nests custom", i)
			}
			if err := st.Steps[i].Validate(); err != nil {
				return fmt.Errorf("custom step %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown strategy kind %q", st.Kind)
	}
	return nil
}

// SecretFragments returns every byte sequence owned by this strategy that
// must be redacted when it appears on the inbound path.
func (st *Strategy) SecretFragments() [][]byte {
	var out [][]byte
	add := func(s Secret) {
		if !s.Empty() {
			out = append(out, s.Bytes())
		}
	}
	switch st.Kind {
	case KindBearer:
		add(st.Token)
	case KindAWSSigV4:
		add(st.SecretKey)
	case KindHMAC, KindAPIKeyHeader:
		add(st.Key)
	case KindCustom:
		for i := range st.Steps {
			out = append(out, st.Steps[i].SecretFragments()...)
		}
	}
	return out
}

// Wipe zeroizes all secret material held by the strategy.
func (st *Strategy) Wipe() {
	st.Token.Wipe()
	st.AccessKey.Wipe()
	st.SecretKey.Wipe()
	st.Key.Wipe()
	for i := range st.Steps {
		st.Steps[i].Wipe()
	}
}
