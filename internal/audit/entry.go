// Package audit provides the gateway's tamper-evident request trail. Every
// entry records the SHA-256 of its predecessor, so deletion or rewriting of
// any entry breaks the chain and is detectable by Verify.
//
// Entry payloads never contain secret or placeholder bytes: hosts, methods,
// statuses, strategy kinds, and counts only.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EntryType identifies the kind of trail entry.
type EntryType string

const (
	// EntryNetwork records one proxied request.
	EntryNetwork EntryType = "network"
	// EntryCredential records a strategy application.
	EntryCredential EntryType = "credential"
	// EntryRedaction records inbound secret redactions.
	EntryRedaction EntryType = "redaction"
	// EntryPolicy records a gate decision other than permit.
	EntryPolicy EntryType = "policy"
	// EntryHandshake records a rejected agent handshake.
	EntryHandshake EntryType = "handshake"
)

// FirstSequence is the sequence of the first entry; sequences are 1-indexed
// so seq 0 can mean "no predecessor".
const FirstSequence uint64 = 1

// NetworkData describes one proxied request.
type NetworkData struct {
	RequestID  string `json:"request_id"`
	Method     string `json:"method"`
	Host       string `json:"host"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// CredentialData describes a strategy application. The strategy kind stands
// in for the credential; the placeholder itself is never recorded.
type CredentialData struct {
	RequestID string `json:"request_id"`
	Strategy  string `json:"strategy"`
	Host      string `json:"host"`
	Matches   int    `json:"matches,omitempty"`
}

// RedactionData describes inbound redactions for one response.
type RedactionData struct {
	RequestID string `json:"request_id"`
	Host      string `json:"host"`
	Matches   int    `json:"matches"`
}

// PolicyData describes a non-permit gate decision.
type PolicyData struct {
	RequestID string `json:"request_id"`
	Host      string `json:"host"`
	Outcome   string `json:"outcome"` // "rejected" or "stripped"
}

// HandshakeData describes a rejected agent-side handshake.
type HandshakeData struct {
	ConnID string `json:"conn_id,omitempty"`
	Reason string `json:"reason"`
}

// Entry is one hash-chained trail record.
type Entry struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Type      EntryType `json:"type"`
	PrevHash  string    `json:"prev"`
	Data      any       `json:"data"`
	Hash      string    `json:"hash"`

	// dataJSON is the canonical encoding used for hashing, kept so
	// verification still works after a database round-trip turns Data
	// into map[string]any.
	dataJSON []byte
}

// NewEntry builds an entry and seals its hash.
func NewEntry(seq uint64, prevHash string, entryType EntryType, data any) (*Entry, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Type:      entryType,
		PrevHash:  prevHash,
		Data:      data,
		dataJSON:  dataJSON,
	}
	e.Hash = e.computeHash()
	return e, nil
}

// computeHash is SHA-256(seq || ts || type || prev || data).
func (e *Entry) computeHash() string {
	h := sha256.New()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Sequence)
	h.Write(seq[:])
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.Type))
	h.Write([]byte(e.PrevHash))
	h.Write(e.dataJSON)
	return hex.EncodeToString(h.Sum(nil))
}

// Valid reports whether the sealed hash matches the entry contents.
func (e *Entry) Valid() bool {
	return e.Hash == e.computeHash()
}
