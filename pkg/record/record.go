// Package record defines the TestCaseExecutionRecord shape shared by the
// stage runner, orchestrator, and execution history store (spec §3).
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/protofuzz/pkg/protocol"
)

// Result is the per-test classification the fuzzing loop assigns (spec §3,
// §4.9 step 7).
type Result string

const (
	ResultPass            Result = "PASS"
	ResultCrash           Result = "CRASH"
	ResultHang            Result = "HANG"
	ResultLogicalFailure  Result = "LOGICAL_FAILURE"
	ResultAnomaly         Result = "ANOMALY"
)

// Execution is one TestCaseExecutionRecord.
type Execution struct {
	SessionID          string
	SequenceNumber     int64 // bootstrap stages use negative numbers
	TimestampSent      time.Time
	TimestampResponse  time.Time
	PayloadBytes       []byte
	PayloadSHA256      string
	PayloadSize        int
	StageName          string
	CurrentState       string
	ContextSnapshot    []byte
	ParsedFields       protocol.FieldMap
	ResponsePreview    []byte
	Result             Result
	DurationMs         int64
	ConnectionSequence int64
}

// NewExecution fills in the derived PayloadSHA256/PayloadSize fields from
// payload.
func NewExecution(payload []byte) Execution {
	sum := sha256.Sum256(payload)
	return Execution{
		PayloadBytes:  payload,
		PayloadSHA256: hex.EncodeToString(sum[:]),
		PayloadSize:   len(payload),
	}
}

// Sink is anything that can durably accept a finished Execution record
// (the execution history store, in production; a test double in tests).
type Sink interface {
	Record(e Execution)
}
