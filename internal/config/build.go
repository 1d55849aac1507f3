package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/majorcontext/redoubt/internal/log"
	"github.com/majorcontext/redoubt/internal/policy"
	"github.com/majorcontext/redoubt/internal/vault"
)

// Build resolves every secret reference and produces the runtime snapshot.
// Loading is all-or-nothing: a single unresolvable required binding fails
// the whole build and the caller keeps its previous snapshot.
func (c *Config) Build() (*vault.Snapshot, *policy.Policy, error) {
	bindings := make([]vault.Binding, 0, len(c.Bindings))
	for i := range c.Bindings {
		b, ok, err := c.Bindings[i].build()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			log.Info("omitting optional binding with unset secret",
				"subsystem", "config",
				"placeholder", c.Bindings[i].Placeholder)
			continue
		}
		bindings = append(bindings, b)
	}

	snap, err := vault.NewSnapshot(bindings, c.Policy.RedactionMarker)
	if err != nil {
		wipeBindings(bindings)
		return nil, nil, &ValidationError{Field: "bindings", Reason: err.Error()}
	}

	pol := policy.New(policy.FailMode(c.Policy.FailMode), c.Policy.BlockHeaders, c.Policy.TelemetryPatterns)
	return snap, pol, nil
}

func wipeBindings(bindings []vault.Binding) {
	for i := range bindings {
		bindings[i].Strategy.Wipe()
	}
}

// build resolves one binding. The second return is false when an optional
// binding is omitted for an unset variable.
func (bc *BindingConfig) build() (vault.Binding, bool, error) {
	b := vault.Binding{
		Placeholder:  []byte(bc.Placeholder),
		AllowedHosts: policy.ParseHostPatterns(bc.AllowedHosts),
	}
	for _, lit := range bc.Redact {
		b.Redact = append(b.Redact, []byte(lit))
	}

	st, ok, err := bc.Strategy.build(bc.Placeholder, bc.Optional)
	if err != nil || !ok {
		return vault.Binding{}, ok, err
	}
	b.Strategy = st
	return b, true, nil
}

func (sc *StrategyConfig) build(placeholder string, optional bool) (vault.Strategy, bool, error) {
	resolve := func(ref string) (vault.Secret, bool, error) {
		v, err := resolveEnv(placeholder, ref)
		if err != nil {
			if optional {
				return nil, false, nil
			}
			return nil, false, err
		}
		return vault.NewSecret(v), true, nil
	}

	switch sc.Kind {
	case "bearer":
		tok, ok, err := resolve(sc.SecretEnv)
		if !ok || err != nil {
			return vault.Strategy{}, ok, err
		}
		return vault.Strategy{Kind: vault.KindBearer, Token: tok}, true, nil

	case "aws_sigv4":
		access, ok, err := resolve(sc.AccessKeyEnv)
		if !ok || err != nil {
			return vault.Strategy{}, ok, err
		}
		secret, ok, err := resolve(sc.SecretKeyEnv)
		if !ok || err != nil {
			access.Wipe()
			return vault.Strategy{}, ok, err
		}
		region := sc.Region
		if region == "auto" {
			region = ""
		}
		service := sc.Service
		if service == "auto" {
			service = ""
		}
		return vault.Strategy{
			Kind:            vault.KindAWSSigV4,
			AccessKey:       access,
			SecretKey:       secret,
			Region:          region,
			Service:         service,
			UnsignedPayload: sc.UnsignedPayload,
		}, true, nil

	case "hmac":
		key, ok, err := resolve(sc.KeyEnv)
		if !ok || err != nil {
			return vault.Strategy{}, ok, err
		}
		return vault.Strategy{Kind: vault.KindHMAC, Key: key, Header: sc.Header, Scheme: sc.Scheme}, true, nil

	case "api_key_header":
		ref := sc.KeyEnv
		if ref == "" {
			ref = sc.SecretEnv
		}
		key, ok, err := resolve(ref)
		if !ok || err != nil {
			return vault.Strategy{}, ok, err
		}
		return vault.Strategy{Kind: vault.KindAPIKeyHeader, Key: key, Header: sc.Header}, true, nil

	case "custom":
		st := vault.Strategy{Kind: vault.KindCustom}
		for i := range sc.Steps {
			step, ok, err := sc.Steps[i].build(placeholder, optional)
			if !ok || err != nil {
				st.Wipe()
				return vault.Strategy{}, ok, err
			}
			st.Steps = append(st.Steps, step)
		}
		return st, true, nil
	}
	return vault.Strategy{}, false, &ValidationError{Field: "strategy.kind", Reason: fmt.Sprintf("unknown strategy kind %q", sc.Kind)}
}

// resolveEnv resolves a secret reference. Both bare variable names
// ("OPENAI_API_KEY") and ${OPENAI_API_KEY} spellings are accepted. Unset or
// empty variables are load failures; the caller decides whether the binding
// was optional.
func resolveEnv(placeholder, ref string) (string, error) {
	name := ref
	if strings.HasPrefix(ref, "${") && strings.HasSuffix(ref, "}") {
		name = ref[2 : len(ref)-1]
	}
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", &MissingSecretError{Placeholder: placeholder, Var: name}
	}
	return v, nil
}
