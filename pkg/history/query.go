package history

import (
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/protofuzz/pkg/record"
)

// List returns up to limit records for sessionID starting at offset,
// ordered by ascending sequence_number. The first page (offset==0) merges
// the in-memory cache (which may include records not yet flushed) with
// what's already durable, de-duplicating by sequence number.
func (s *Store) List(sessionID string, offset, limit int) ([]record.Execution, error) {
	if offset == 0 {
		return s.listFirstPage(sessionID, limit)
	}
	return s.queryRange(sessionID, offset, limit)
}

func (s *Store) listFirstPage(sessionID string, limit int) ([]record.Execution, error) {
	dbRecs, err := s.queryRange(sessionID, 0, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(dbRecs))
	for _, r := range dbRecs {
		seen[r.SequenceNumber] = true
	}
	merged := append([]record.Execution(nil), dbRecs...)
	for _, r := range s.cacheSnapshot() {
		if r.SessionID == sessionID && !seen[r.SequenceNumber] {
			merged = append(merged, r)
			seen[r.SequenceNumber] = true
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].SequenceNumber < merged[j].SequenceNumber })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (s *Store) queryRange(sessionID string, offset, limit int) ([]record.Execution, error) {
	rows, err := s.db.Query(`
		SELECT session_id, sequence_number, timestamp_sent, timestamp_response,
		       payload_bytes, payload_sha256, payload_size, stage_name, current_state,
		       context_snapshot, parsed_fields, response_preview, result, duration_ms,
		       connection_sequence
		FROM executions WHERE session_id = ?
		ORDER BY sequence_number ASC LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(rows *sql.Rows) (record.Execution, error) {
	var e record.Execution
	var sentNanos, respNanos int64
	var result string
	var parsedJSON sql.NullString
	if err := rows.Scan(
		&e.SessionID, &e.SequenceNumber, &sentNanos, &respNanos,
		&e.PayloadBytes, &e.PayloadSHA256, &e.PayloadSize, &e.StageName, &e.CurrentState,
		&e.ContextSnapshot, &parsedJSON, &e.ResponsePreview, &result, &e.DurationMs,
		&e.ConnectionSequence,
	); err != nil {
		return e, err
	}
	e.TimestampSent = time.Unix(0, sentNanos)
	e.TimestampResponse = time.Unix(0, respNanos)
	e.Result = record.Result(result)
	if parsedJSON.Valid {
		var fields map[string]any
		if err := json.Unmarshal([]byte(parsedJSON.String), &fields); err == nil {
			e.ParsedFields = fields
		}
	}
	return e, nil
}

// TotalCount returns the durable row count for sessionID plus any queued,
// not-yet-flushed records.
func (s *Store) TotalCount(sessionID string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, r := range s.queue {
		if r.SessionID == sessionID {
			n++
		}
	}
	s.mu.Unlock()
	return n, nil
}

// RangeBySequence returns every record for sessionID with sequence_number
// in [fromSeq, toSeq], ascending, merging the in-memory cache with the
// durable store the way listFirstPage does (spec §4.9 "Replay": "Records
// are replayed in ascending sequence order").
func (s *Store) RangeBySequence(sessionID string, fromSeq, toSeq int64) ([]record.Execution, error) {
	rows, err := s.db.Query(`
		SELECT session_id, sequence_number, timestamp_sent, timestamp_response,
		       payload_bytes, payload_sha256, payload_size, stage_name, current_state,
		       context_snapshot, parsed_fields, response_preview, result, duration_ms,
		       connection_sequence
		FROM executions WHERE session_id = ? AND sequence_number BETWEEN ? AND ?
		ORDER BY sequence_number ASC`, sessionID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[int64]bool)
	var out []record.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		seen[e.SequenceNumber] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range s.cacheSnapshot() {
		if r.SessionID == sessionID && r.SequenceNumber >= fromSeq && r.SequenceNumber <= toSeq && !seen[r.SequenceNumber] {
			out = append(out, r)
			seen[r.SequenceNumber] = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// FindBySequence looks up one record by (session_id, sequence_number),
// checking the cache before the durable store.
func (s *Store) FindBySequence(sessionID string, seq int64) (record.Execution, bool, error) {
	for _, r := range s.cacheSnapshot() {
		if r.SessionID == sessionID && r.SequenceNumber == seq {
			return r, true, nil
		}
	}
	row := s.db.QueryRow(`
		SELECT session_id, sequence_number, timestamp_sent, timestamp_response,
		       payload_bytes, payload_sha256, payload_size, stage_name, current_state,
		       context_snapshot, parsed_fields, response_preview, result, duration_ms,
		       connection_sequence
		FROM executions WHERE session_id = ? AND sequence_number = ?`, sessionID, seq)
	e, err := scanExecutionRow(row)
	if err == sql.ErrNoRows {
		return record.Execution{}, false, nil
	}
	if err != nil {
		return record.Execution{}, false, err
	}
	return e, true, nil
}

func scanExecutionRow(row *sql.Row) (record.Execution, error) {
	var e record.Execution
	var sentNanos, respNanos int64
	var result string
	var parsedJSON sql.NullString
	if err := row.Scan(
		&e.SessionID, &e.SequenceNumber, &sentNanos, &respNanos,
		&e.PayloadBytes, &e.PayloadSHA256, &e.PayloadSize, &e.StageName, &e.CurrentState,
		&e.ContextSnapshot, &parsedJSON, &e.ResponsePreview, &result, &e.DurationMs,
		&e.ConnectionSequence,
	); err != nil {
		return e, err
	}
	e.TimestampSent = time.Unix(0, sentNanos)
	e.TimestampResponse = time.Unix(0, respNanos)
	e.Result = record.Result(result)
	if parsedJSON.Valid {
		var fields map[string]any
		if err := json.Unmarshal([]byte(parsedJSON.String), &fields); err == nil {
			e.ParsedFields = fields
		}
	}
	return e, nil
}

// FindAtTime returns the first record for sessionID whose TimestampSent is
// >= t (ascending sequence order).
func (s *Store) FindAtTime(sessionID string, t time.Time) (record.Execution, bool, error) {
	row := s.db.QueryRow(`
		SELECT session_id, sequence_number, timestamp_sent, timestamp_response,
		       payload_bytes, payload_sha256, payload_size, stage_name, current_state,
		       context_snapshot, parsed_fields, response_preview, result, duration_ms,
		       connection_sequence
		FROM executions WHERE session_id = ? AND timestamp_sent >= ?
		ORDER BY sequence_number ASC LIMIT 1`, sessionID, t.UnixNano())
	e, err := scanExecutionRow(row)
	if err == sql.ErrNoRows {
		return record.Execution{}, false, nil
	}
	if err != nil {
		return record.Execution{}, false, err
	}
	return e, true, nil
}
