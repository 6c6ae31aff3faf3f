// Package sessionstore implements the durable session map of spec §4.12:
// session state and checkpoints survive a restart, compressed as gzip'd
// JSON blobs in SQLite (modernc.org/sqlite, pure Go).
package sessionstore

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save JSON-marshals v, gzip-compresses it, and upserts it under sessionID.
func (s *Store) Save(sessionID string, updatedAtUnixNano int64, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		sessionID, buf.Bytes(), updatedAtUnixNano)
	return err
}

// Load decompresses and unmarshals the session blob into out.
func (s *Store) Load(sessionID string, out any) (bool, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM sessions WHERE session_id = ?`, sessionID).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := decompress(blob)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

// Entry is one row as returned by LoadAll, with the blob already
// decompressed but not unmarshaled (callers know their own session type).
type Entry struct {
	SessionID string
	JSON      []byte
}

// LoadAll returns every persisted session, for resume-on-startup.
func (s *Store) LoadAll() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT session_id, blob FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		raw, err := decompress(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{SessionID: id, JSON: raw})
	}
	return out, rows.Err()
}

func (s *Store) Delete(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

func decompress(blob []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
