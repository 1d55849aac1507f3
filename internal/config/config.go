// Package config handles the gateway's declarative configuration: the YAML
// schema, environment-variable resolution for secret references, validation,
// and the all-or-nothing build of the runtime snapshot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default listener and pipeline limits.
const (
	DefaultBindAddr         = "127.0.0.1:3000"
	DefaultMaxBodyBytes     = 10 << 20  // 10 MiB
	DefaultMaxResponseBytes = 100 << 20 // 100 MiB
	DefaultConnectTimeout   = 10 * time.Second
	DefaultTotalTimeout     = 5 * time.Minute
)

// Environment variables that override file settings.
const (
	EnvConfigPath = "REDOUBT_CONFIG"
	EnvBindAddr   = "REDOUBT_BIND_ADDR"
	EnvTLSCert    = "REDOUBT_TLS_CERT"
	EnvTLSKey     = "REDOUBT_TLS_KEY"
	EnvClientCA   = "REDOUBT_CLIENT_CA"
)

// Config is the root of the configuration document.
type Config struct {
	Listener ListenerConfig  `yaml:"listener,omitempty"`
	MITM     MITMConfig      `yaml:"mitm,omitempty"`
	Upstream UpstreamConfig  `yaml:"upstream,omitempty"`
	Policy   PolicyConfig    `yaml:"policy,omitempty"`
	Audit    AuditConfig     `yaml:"audit,omitempty"`
	Bindings []BindingConfig `yaml:"bindings,omitempty"`
}

// ListenerConfig configures the agent-facing socket.
type ListenerConfig struct {
	BindAddr string    `yaml:"bind_addr,omitempty"`
	TLS      TLSConfig `yaml:"tls,omitempty"`

	// AllowLocalHealth lets loopback clients reach /health without a
	// client certificate.
	AllowLocalHealth bool `yaml:"allow_local_health,omitempty"`
}

// TLSConfig names the listener's certificate material.
type TLSConfig struct {
	Cert     string `yaml:"cert,omitempty"`
	Key      string `yaml:"key,omitempty"`
	ClientCA string `yaml:"client_ca,omitempty"`
}

// MITMConfig configures the interception CA used to mint leaves for CONNECT
// targets. When no cert/key pair is given, a CA is loaded from Dir, or
// generated there when none exists yet.
type MITMConfig struct {
	CACert string `yaml:"ca_cert,omitempty"`
	CAKey  string `yaml:"ca_key,omitempty"`
	Dir    string `yaml:"dir,omitempty"`
}

// UpstreamConfig bounds the pipelines and upstream dials.
type UpstreamConfig struct {
	MaxBodyBytes     ByteSize `yaml:"max_body_bytes,omitempty"`
	MaxResponseBytes ByteSize `yaml:"max_response_bytes,omitempty"`
	ConnectTimeout   Duration `yaml:"connect_timeout,omitempty"`
	TotalTimeout     Duration `yaml:"total_timeout,omitempty"`

	// ScanBinary scans request bodies regardless of content type. The
	// default gates scanning on text-like content types so binary
	// payloads that coincidentally contain placeholder bytes are not
	// rewritten.
	ScanBinary bool `yaml:"scan_binary,omitempty"`
}

// PolicyConfig configures the enforcement gate.
type PolicyConfig struct {
	FailMode          string   `yaml:"fail_mode,omitempty"` // "closed" (default) or "open"
	BlockHeaders      []string `yaml:"block_headers,omitempty"`
	TelemetryPatterns []string `yaml:"telemetry_patterns,omitempty"`
	RedactionMarker   string   `yaml:"redaction_marker,omitempty"`
}

// AuditConfig configures the hash-chained audit trail. An empty path
// disables it.
type AuditConfig struct {
	Path string `yaml:"path,omitempty"`
}

// BindingConfig declares one placeholder binding.
type BindingConfig struct {
	Placeholder  string         `yaml:"placeholder"`
	Strategy     StrategyConfig `yaml:"strategy"`
	AllowedHosts []string       `yaml:"allowed_hosts"`

	// Optional bindings are silently omitted when their environment
	// variables are unset; required bindings abort the load.
	Optional bool `yaml:"optional,omitempty"`

	// Redact lists extra literals to scrub from responses, for secrets
	// that reach the agent through channels the gateway cannot see.
	Redact []string `yaml:"redact,omitempty"`
}

// StrategyConfig declares how a binding authenticates. Kind selects which
// fields apply. Secret material is referenced by environment variable name,
// never inlined.
type StrategyConfig struct {
	Kind string `yaml:"kind"`

	// bearer
	SecretEnv string `yaml:"secret_env,omitempty"`

	// aws_sigv4
	AccessKeyEnv    string `yaml:"access_key_env,omitempty"`
	SecretKeyEnv    string `yaml:"secret_key_env,omitempty"`
	Region          string `yaml:"region,omitempty"`  // region name or "auto"
	Service         string `yaml:"service,omitempty"` // service name or "auto"
	UnsignedPayload bool   `yaml:"unsigned_payload,omitempty"`

	// hmac / api_key_header
	KeyEnv string `yaml:"key_env,omitempty"`
	Header string `yaml:"header,omitempty"`
	Scheme string `yaml:"scheme,omitempty"`

	// custom
	Steps []StrategyConfig `yaml:"steps,omitempty"`
}

// Duration is a time.Duration that unmarshals from "10s"-style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ByteSize unmarshals from integers (bytes) or strings like "10MiB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"GiB", 1 << 30}, {"GB", 1 << 30}, {"G", 1 << 30},
	{"MiB", 1 << 20}, {"MB", 1 << 20}, {"M", 1 << 20},
	{"KiB", 1 << 10}, {"KB", 1 << 10}, {"K", 1 << 10},
	{"B", 1},
}

func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(num, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return n * u.factor, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// Default returns the configuration used when no file is present: an empty
// vault, fail-closed policy, stock limits. The gateway starts but refuses
// every request that would need a credential.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{BindAddr: DefaultBindAddr},
		Upstream: UpstreamConfig{
			MaxBodyBytes:     DefaultMaxBodyBytes,
			MaxResponseBytes: DefaultMaxResponseBytes,
			ConnectTimeout:   Duration(DefaultConnectTimeout),
			TotalTimeout:     Duration(DefaultTotalTimeout),
		},
		Policy: PolicyConfig{FailMode: "closed"},
	}
}

// Load reads and validates the configuration at path. A missing file is not
// fatal: the default (empty-vault) configuration is returned. Environment
// overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fall through to env overrides with the default config.
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, &ValidationError{Field: path, Reason: err.Error()}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvBindAddr); v != "" {
		c.Listener.BindAddr = v
	}
	if v := os.Getenv(EnvTLSCert); v != "" {
		c.Listener.TLS.Cert = v
	}
	if v := os.Getenv(EnvTLSKey); v != "" {
		c.Listener.TLS.Key = v
	}
	if v := os.Getenv(EnvClientCA); v != "" {
		c.Listener.TLS.ClientCA = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listener.BindAddr == "" {
		c.Listener.BindAddr = DefaultBindAddr
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if c.Upstream.ConnectTimeout == 0 {
		c.Upstream.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.Upstream.TotalTimeout == 0 {
		c.Upstream.TotalTimeout = Duration(DefaultTotalTimeout)
	}
	if c.Policy.FailMode == "" {
		c.Policy.FailMode = "closed"
	}
}

// Validate checks document structure. Secret resolution happens in Build;
// Validate only rejects what can never load.
func (c *Config) Validate() error {
	switch c.Policy.FailMode {
	case "closed", "open":
	default:
		return &ValidationError{Field: "policy.fail_mode", Reason: fmt.Sprintf("must be closed or open, got %q", c.Policy.FailMode)}
	}
	if c.Upstream.MaxBodyBytes < 0 || c.Upstream.MaxResponseBytes < 0 {
		return &ValidationError{Field: "upstream", Reason: "sizes must be non-negative"}
	}

	seen := make(map[string]int, len(c.Bindings))
	for i, b := range c.Bindings {
		field := fmt.Sprintf("bindings[%d]", i)
		if b.Placeholder == "" {
			return &ValidationError{Field: field + ".placeholder", Reason: "must not be empty"}
		}
		if prev, dup := seen[b.Placeholder]; dup {
			return &ValidationError{Field: field + ".placeholder", Reason: fmt.Sprintf("duplicates bindings[%d]", prev)}
		}
		seen[b.Placeholder] = i
		if len(b.AllowedHosts) == 0 {
			return &ValidationError{Field: field + ".allowed_hosts", Reason: "at least one host pattern is required"}
		}
		if err := b.Strategy.validate(field + ".strategy"); err != nil {
			return err
		}
	}
	return nil
}

func (s *StrategyConfig) validate(field string) error {
	switch s.Kind {
	case "bearer":
		if s.SecretEnv == "" {
			return &ValidationError{Field: field + ".secret_env", Reason: "required for bearer"}
		}
	case "aws_sigv4":
		if s.AccessKeyEnv == "" || s.SecretKeyEnv == "" {
			return &ValidationError{Field: field, Reason: "aws_sigv4 requires access_key_env and secret_key_env"}
		}
	case "hmac":
		if s.KeyEnv == "" || s.Header == "" {
			return &ValidationError{Field: field, Reason: "hmac requires key_env and header"}
		}
	case "api_key_header":
		if s.KeyEnv == "" && s.SecretEnv == "" {
			return &ValidationError{Field: field, Reason: "api_key_header requires key_env"}
		}
		if s.Header == "" {
			return &ValidationError{Field: field + ".header", Reason: "required for api_key_header"}
		}
	case "custom":
		if len(s.Steps) == 0 {
			return &ValidationError{Field: field + ".steps", Reason: "custom requires at least one step"}
		}
		for i := range s.Steps {
			if s.Steps[i].Kind == "custom" {
				return &ValidationError{Field: fmt.Sprintf("%s.steps[%d]", field, i), Reason: "custom steps cannot nest"}
			}
			if err := s.Steps[i].validate(fmt.Sprintf("%s.steps[%d]", field, i)); err != nil {
				return err
			}
		}
	default:
		return &ValidationError{Field: field + ".kind", Reason: fmt.Sprintf("unknown strategy kind %q", s.Kind)}
	}
	return nil
}
