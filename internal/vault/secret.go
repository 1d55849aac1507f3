// Package vault holds the gateway's credential material: the mapping from
// agent-visible placeholders to bindings (strategy + allowed hosts), the
// compiled automata for both traffic directions, and the reverse index of
// secret fragments that must never be echoed back to the agent.
//
// Secret bytes are owned exclusively by this package. Snapshots are immutable
// and shared by reference count; a retired snapshot wipes every secret it
// holds as soon as the last in-flight request releases it.
package vault

import "runtime"

// Secret is credential material. It is never logged; its Stringer output is
// fixed so an accidental %v cannot leak the bytes.
type Secret []byte

// NewSecret copies s into vault-owned storage.
func NewSecret(s string) Secret {
	b := make([]byte, len(s))
	copy(b, s)
	return Secret(b)
}

// String implements fmt.Stringer without exposing the secret bytes.
func (s Secret) String() string { return "[secret]" }

// Bytes exposes the raw material to strategy application. The returned slice
// aliases vault storage: callers must not retain it past the request.
func (s Secret) Bytes() []byte { return []byte(s) }

// Empty reports whether the secret holds no bytes.
func (s Secret) Empty() bool { return len(s) == 0 }

// Wipe overwrites the secret in place.
func (s Secret) Wipe() { Wipe(s) }

// Wipe zeroizes b. The KeepAlive pins the backing array until the loop has
// run, so the store cannot be treated as dead ahead of a free.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
