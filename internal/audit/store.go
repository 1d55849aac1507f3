package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrChainBroken is returned by Verify when the trail has been altered.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Store is the SQLite-backed trail. Appends are serialized; the chain state
// (last sequence and hash) lives in memory between appends.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
}

// Open opens or creates the trail database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// WAL keeps request-path appends from blocking verification reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq       INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			type      TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			data      TEXT NOT NULL,
			hash      TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit tables: %w", err)
	}

	s := &Store{db: db}
	row := db.QueryRow(`SELECT seq, hash FROM entries ORDER BY seq DESC LIMIT 1`)
	switch err := row.Scan(&s.lastSeq, &s.lastHash); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("loading audit chain head: %w", err)
	}
	return s, nil
}

// Append seals data into the next chain entry.
func (s *Store) Append(entryType EntryType, data any) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := NewEntry(s.lastSeq+1, s.lastHash, entryType, data)
	if err != nil {
		return nil, fmt.Errorf("encoding audit entry: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO entries (seq, ts, type, prev_hash, data, hash)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		entry.Type, entry.PrevHash, string(entry.dataJSON), entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("inserting audit entry: %w", err)
	}

	s.lastSeq = entry.Sequence
	s.lastHash = entry.Hash
	return entry, nil
}

// Len returns the number of entries.
func (s *Store) Len() (uint64, error) {
	var n uint64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Verify walks the whole chain, re-hashing every entry and checking each
// prev link. Returns ErrChainBroken (wrapped with the failing sequence) on
// the first inconsistency.
func (s *Store) Verify() error {
	rows, err := s.db.Query(`SELECT seq, ts, type, prev_hash, data, hash FROM entries ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("reading audit entries: %w", err)
	}
	defer rows.Close()

	prevHash := ""
	expectSeq := FirstSequence
	for rows.Next() {
		var (
			e   Entry
			ts  string
			raw string
		)
		if err := rows.Scan(&e.Sequence, &ts, &e.Type, &e.PrevHash, &raw, &e.Hash); err != nil {
			return fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return fmt.Errorf("%w: entry %d has malformed timestamp", ErrChainBroken, e.Sequence)
		}
		e.dataJSON = []byte(raw)

		if e.Sequence != expectSeq {
			return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, expectSeq, e.Sequence)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("%w: entry %d prev link mismatch", ErrChainBroken, e.Sequence)
		}
		if !e.Valid() {
			return fmt.Errorf("%w: entry %d content hash mismatch", ErrChainBroken, e.Sequence)
		}
		prevHash = e.Hash
		expectSeq++
	}
	return rows.Err()
}

// Entries returns up to limit decoded entries starting at sequence from.
func (s *Store) Entries(from uint64, limit int) ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT seq, ts, type, prev_hash, data, hash FROM entries WHERE seq >= ? ORDER BY seq LIMIT ?`,
		from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e   Entry
			ts  string
			raw string
		)
		if err := rows.Scan(&e.Sequence, &ts, &e.Type, &e.PrevHash, &raw, &e.Hash); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.dataJSON = []byte(raw)
		var data any
		if err := json.Unmarshal(e.dataJSON, &data); err == nil {
			e.Data = data
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
