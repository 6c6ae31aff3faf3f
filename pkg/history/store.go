// Package history implements the execution history store of spec §4.11:
// a durable per-test record store (SQLite via modernc.org/sqlite, pure Go)
// behind an async batched writer, with a circular in-memory cache for
// the fast path and sequence-based pagination for the API.
package history

import (
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	session_id          TEXT NOT NULL,
	sequence_number     INTEGER NOT NULL,
	timestamp_sent      INTEGER NOT NULL,
	timestamp_response  INTEGER NOT NULL,
	payload_bytes       BLOB,
	payload_sha256      TEXT,
	payload_size        INTEGER,
	stage_name          TEXT,
	current_state       TEXT,
	context_snapshot    BLOB,
	parsed_fields       TEXT,
	response_preview    BLOB,
	result              TEXT,
	duration_ms         INTEGER,
	connection_sequence INTEGER,
	PRIMARY KEY (session_id, sequence_number)
);
`

const cacheCap = 100
const batchSize = 100
const flushInterval = 100 * time.Millisecond

// Store is the durable + cached execution history for every session
// sharing one database file.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	queue []record.Execution
	cache []record.Execution // circular ring, most-recent last

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens (creating if absent) the SQLite-backed history store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// Record implements record.Sink: it is synchronous into the cache, async
// into the durable store (spec §3 "Executions" lifecycle).
func (s *Store) Record(e record.Execution) {
	s.mu.Lock()
	s.cache = append(s.cache, e)
	if len(s.cache) > cacheCap {
		s.cache = s.cache[len(s.cache)-cacheCap:]
	}
	s.queue = append(s.queue, e)
	shouldFlush := len(s.queue) >= batchSize
	s.mu.Unlock()

	if shouldFlush {
		s.flush()
	}
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := s.writeBatch(batch); err != nil {
		plog.Errorf("history: batch write failed (%d records): %v", len(batch), err)
	}
}

// Flush drains any pending records synchronously (spec §3 "flush() on
// session stop drains the queue").
func (s *Store) Flush() {
	s.flush()
}

// Close stops the background writer, flushes, and closes the database.
func (s *Store) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) cacheSnapshot() []record.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Execution, len(s.cache))
	copy(out, s.cache)
	return out
}
