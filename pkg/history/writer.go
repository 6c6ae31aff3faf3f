package history

import (
	"encoding/json"
	"strings"

	"github.com/google/protofuzz/pkg/record"
)

// writeBatch inserts every record of batch in a single multi-row INSERT
// (spec §4.11 "async batched writer... batches").
func (s *Store) writeBatch(batch []record.Execution) error {
	var sb strings.Builder
	sb.WriteString(`INSERT OR REPLACE INTO executions (
		session_id, sequence_number, timestamp_sent, timestamp_response,
		payload_bytes, payload_sha256, payload_size, stage_name, current_state,
		context_snapshot, parsed_fields, response_preview, result, duration_ms,
		connection_sequence
	) VALUES `)

	args := make([]any, 0, len(batch)*15)
	for i, e := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)")

		parsedJSON, err := json.Marshal(jsonSafe(map[string]any(e.ParsedFields)))
		if err != nil {
			return err
		}
		args = append(args,
			e.SessionID, e.SequenceNumber, e.TimestampSent.UnixNano(), e.TimestampResponse.UnixNano(),
			e.PayloadBytes, e.PayloadSHA256, e.PayloadSize, e.StageName, e.CurrentState,
			e.ContextSnapshot, string(parsedJSON), e.ResponsePreview, string(e.Result), e.DurationMs,
			e.ConnectionSequence,
		)
	}

	_, err := s.db.Exec(sb.String(), args...)
	return err
}

// jsonSafe recursively base64-encodes []byte values so the map marshals
// as plain JSON (spec §4.11's "_json_safe" helper).
func jsonSafe(v any) any {
	switch x := v.(type) {
	case []byte:
		return x // encoding/json base64-encodes []byte natively
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = jsonSafe(vv)
		}
		return out
	default:
		return x
	}
}
