package stage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/record"
)

// Runner executes a session's bootstrap/fuzz_target/teardown stages.
type Runner struct {
	SessionID string
	Conn      *connmgr.Manager
	Ctx       *protocontext.Context
	Sink      record.Sink
	Timeout   time.Duration

	negSeq atomic.Int64 // next bootstrap sequence number (counts down from -1)

	// CurrentStage is updated as each stage begins (spec §4.7 step 1); the
	// orchestrator reads it to stamp fuzz-loop records too.
	CurrentStage atomic.Value
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Runner) nextSeq() int64 {
	return r.negSeq.Add(-1)
}

// RunBootstrap executes every stage in declared order with per-stage retry.
// It stops and returns an error at the first stage that exhausts its
// retries, leaving the session to be marked failed by the caller.
func (r *Runner) RunBootstrap(ctx context.Context, stages []Stage) error {
	for _, s := range stages {
		if err := r.runWithRetry(ctx, s); err != nil {
			return fmt.Errorf("bootstrap stage %q: %w", s.Name, err)
		}
	}
	return nil
}

// RunTeardown executes every teardown stage best-effort: errors are
// logged and returned (joined) but never treated as fatal by the caller.
func (r *Runner) RunTeardown(ctx context.Context, stages []Stage) error {
	var errs []string
	for _, s := range stages {
		if _, err := r.runOnce(ctx, s); err != nil {
			plog.Logf(0, "teardown stage %q failed: %v", s.Name, err)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("teardown errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RerunStage re-executes a single bootstrap stage without resetting the
// rest of the session's context (spec §4.7 "rerun_stage").
func (r *Runner) RerunStage(ctx context.Context, stages []Stage, name string) error {
	for _, s := range stages {
		if s.Name == name {
			return r.runWithRetry(ctx, s)
		}
	}
	return ferrors.New(ferrors.KindBootstrap, "stage not found", map[string]any{"name": name})
}

func (r *Runner) runWithRetry(ctx context.Context, s Stage) error {
	var lastErr error
	for attempt := 1; attempt <= s.Retry.maxAttempts(); attempt++ {
		if _, err := r.runOnce(ctx, s); err != nil {
			lastErr = err
			plog.Logf(0, "stage %q attempt %d/%d failed: %v", s.Name, attempt, s.Retry.maxAttempts(), err)
			time.Sleep(time.Duration(s.Retry.backoffMs()) * time.Millisecond)
			continue
		}
		return nil
	}
	return lastErr
}

func (r *Runner) runOnce(ctx context.Context, s Stage) (record.Execution, error) {
	r.CurrentStage.Store(s.Name)

	payload, err := protocol.Serialize(s.DataModel, protocol.FieldMap{}, protocol.SerializeOptions{Context: r.Ctx})
	if err != nil {
		return record.Execution{}, ferrors.Wrap(ferrors.KindSerialization, err, "serialize stage message")
	}

	mt, err := r.Conn.Acquire(ctx, r.SessionID, s.Name)
	if err != nil {
		return record.Execution{}, ferrors.Wrap(ferrors.KindBootstrap, err, "acquire connection")
	}

	sentAt := time.Now()
	resp, err := mt.SendWithLock(payload, r.timeout(), nil)
	duration := time.Since(sentAt)
	if err != nil {
		return record.Execution{}, err
	}

	exec := record.NewExecution(payload)
	exec.SessionID = r.SessionID
	exec.SequenceNumber = r.nextSeq()
	exec.TimestampSent = sentAt
	exec.TimestampResponse = sentAt.Add(duration)
	exec.StageName = s.Name
	exec.DurationMs = duration.Milliseconds()
	exec.Result = record.ResultPass

	var parsed protocol.FieldMap
	if s.ResponseModel != nil {
		parsed, err = protocol.Parse(s.ResponseModel, resp)
		if err != nil {
			exec.Result = record.ResultLogicalFailure
			r.recordAndReturn(exec)
			return exec, ferrors.Wrap(ferrors.KindBootstrapValidation, err, "parse response")
		}
	}
	exec.ParsedFields = parsed
	exec.ResponsePreview = previewBytes(resp)

	if err := validateExpect(parsed, s.Expect); err != nil {
		exec.Result = record.ResultLogicalFailure
		r.recordAndReturn(exec)
		return exec, ferrors.Wrap(ferrors.KindBootstrapValidation, err, "expect mismatch")
	}

	applyExports(r.Ctx, parsed, s.Exports)
	r.recordAndReturn(exec)
	return exec, nil
}

func (r *Runner) recordAndReturn(exec record.Execution) {
	if r.Sink != nil {
		r.Sink.Record(exec)
	}
}

func previewBytes(b []byte) []byte {
	const max = 256
	if len(b) <= max {
		return b
	}
	return b[:max]
}

func validateExpect(parsed protocol.FieldMap, expect map[string]any) error {
	for path, want := range expect {
		got, ok := navigate(map[string]any(parsed), path)
		if !ok {
			return fmt.Errorf("expect key %q not present in response", path)
		}
		if fmt.Sprint(normalizeForCompare(got)) != fmt.Sprint(want) {
			return fmt.Errorf("expect %q: want %v, got %v", path, want, got)
		}
	}
	return nil
}

func applyExports(ctx *protocontext.Context, parsed protocol.FieldMap, exports []ExportSpec) {
	if ctx == nil {
		return
	}
	for _, ex := range exports {
		v, ok := navigate(map[string]any(parsed), ex.From)
		if !ok {
			continue
		}
		if len(ex.Transform) > 0 {
			if iv, ok := toInt64(v); ok {
				v = protocol.ApplyTransforms(iv, ex.Transform)
			}
		}
		ctx.Set(ex.To, v)
	}
}

// navigate resolves a dotted path ("header.token") against nested
// map[string]any values (spec §4.7 step 6).
func navigate(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func normalizeForCompare(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	}
	return 0, false
}
