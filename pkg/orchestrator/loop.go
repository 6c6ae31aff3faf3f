package orchestrator

import (
	"context"
	stdruntime "runtime"
	"time"

	"github.com/google/uuid"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/corpus"
	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/metrics"
	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/record"
	"github.com/google/protofuzz/pkg/stateful"
)

// runLoop drives the per-iteration fuzzing loop (spec §4.9 "Fuzzing
// loop") until ctx is canceled (stop_session) or the session fails.
func (o *Orchestrator) runLoop(ctx context.Context, id string, sess *FuzzSession, rt *runtime) {
	defer close(rt.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := o.runIteration(ctx, sess, rt); err != nil {
			plog.Logf(0, "session %s: iteration error: %v", id, err)
		}

		sess.mu.Lock()
		total := sess.TotalTests
		sess.mu.Unlock()
		if freq := int64(rt.checkpointFreq); freq > 0 && total > 0 && total%freq == 0 {
			o.checkpoint(sess, rt)
		}

		if rt.limiter != nil {
			if err := rt.limiter.Wait(ctx); err != nil {
				return
			}
		}
		stdruntime.Gosched()
	}
}

// runIteration executes the eleven steps of spec §4.9 "Fuzzing loop (per
// iteration)" once.
func (o *Orchestrator) runIteration(ctx context.Context, sess *FuzzSession, rt *runtime) error {
	model := rt.fuzzStage.DataModel
	if model == nil {
		return ferrors.New(ferrors.KindSessionState, "fuzz stage has no data model", nil)
	}

	// Step 1: seed selection.
	var transition stateful.Transition
	var haveTransition bool
	seed := o.selectSeed(rt, model, &transition, &haveTransition)

	// Step 2: mutate.
	mutated := rt.engine.Mutate(seed, rt.pctx)

	// Steps 3-5: enforce message type / behaviors / context injection by
	// re-serializing through the same precedence Serialize already applies.
	mutated = reapplyFieldSources(model, mutated, rt, transition, haveTransition)

	// Step 6: send.
	sentAt := time.Now()
	resp, sendErr := o.sendTestCase(ctx, sess, rt, mutated)
	duration := time.Since(sentAt)

	// Step 7: classify.
	result, parsed := o.classify(rt, resp, sendErr)

	// Step 8: record.
	exec := record.NewExecution(mutated)
	exec.SessionID = sess.SessionID
	exec.TimestampSent = sentAt
	exec.TimestampResponse = sentAt.Add(duration)
	exec.DurationMs = duration.Milliseconds()
	exec.Result = result
	exec.ParsedFields = parsed
	exec.ResponsePreview = previewResponse(resp)
	exec.StageName = rt.fuzzStage.Name
	if rt.nav != nil {
		exec.CurrentState = rt.nav.Current()
	}
	if snap, err := rt.pctx.Snapshot(); err == nil {
		exec.ContextSnapshot = snap
	}

	sess.mu.Lock()
	sess.TotalTests++
	exec.SequenceNumber = sess.TotalTests
	switch result {
	case record.ResultCrash:
		sess.Crashes++
	case record.ResultHang:
		sess.Hangs++
	case record.ResultAnomaly:
		sess.Anomalies++
	}
	sess.mu.Unlock()
	metrics.RecordExecution(result)

	if o.deps.History != nil {
		o.deps.History.Record(exec)
	}

	// Step 9: on crash, persist a finding.
	if result == record.ResultCrash {
		o.saveFinding(sess, rt, exec, sendErr)
	}

	// Step 10: stateful update.
	if rt.nav != nil && haveTransition {
		rt.nav.Advance(transition)
		states, transitions := rt.nav.CoverageSnapshot()
		sess.mu.Lock()
		sess.CurrentState = rt.nav.Current()
		sess.StateCoverage = states
		sess.TransitionCoverage = transitions
		sess.SessionResets = int64(rt.nav.SessionResets())
		sess.mu.Unlock()
	}

	return nil
}

// selectSeed implements spec §4.9 step 1: a stateful session picks a seed
// matching the transition's message type; otherwise seeds are consumed
// round-robin by iteration index.
func (o *Orchestrator) selectSeed(rt *runtime, model *protocol.DataModel, transition *stateful.Transition, haveTransition *bool) []byte {
	seeds := rt.corp.GetCachedSeeds()

	if rt.nav != nil {
		if t, ok := rt.nav.SelectTransition(); ok {
			*transition = t
			*haveTransition = true
			if s, ok := stateful.MatchSeed(model, seeds, t.MessageType); ok {
				return s
			}
		}
	}

	if len(seeds) == 0 {
		return nil
	}
	idx := rt.iteration.Add(1) - 1
	return seeds[int(idx)%len(seeds)]
}

// reapplyFieldSources re-parses the mutated payload and re-serializes it,
// letting from_context and behavior fields flow through Serialize's own
// resolution order (spec §4.9 steps 3-5) while preserving every other
// mutated field as an explicit override.
func reapplyFieldSources(model *protocol.DataModel, mutated []byte, rt *runtime, transition stateful.Transition, haveTransition bool) []byte {
	parsed, err := protocol.Parse(model, mutated)
	if err != nil {
		return mutated
	}
	overrides := protocol.FieldMap{}
	for k, v := range parsed {
		overrides[k] = v
	}
	for _, blk := range model.Blocks {
		if blk.FromContext != "" || blk.Behavior != nil {
			delete(overrides, blk.Name)
		}
	}
	if haveTransition {
		if cmdField, ok := model.CommandField(); ok {
			if v, ok := stateful.ResolveCommandValue(model, transition.MessageType); ok {
				overrides[cmdField.Name] = v
			}
		}
	}
	out, err := protocol.Serialize(model, overrides, protocol.SerializeOptions{
		Context: rt.pctx, Behaviors: rt.behaviors, Generator: rt.generator,
	})
	if err != nil {
		return mutated
	}
	return out
}

// sendTestCase dispatches via the connection manager (core mode) or the
// agent dispatcher (agent mode) (spec §4.9 step 6), bounded by the
// engine-wide MAX_CONCURRENT_TESTS slot pool so a burst of sessions
// cannot flood the target concurrently.
func (o *Orchestrator) sendTestCase(ctx context.Context, sess *FuzzSession, rt *runtime, payload []byte) ([]byte, error) {
	select {
	case o.testSlots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.testSlots }()

	if sess.ExecutionMode == ExecutionAgent {
		corrID, wait := o.deps.Dispatcher.Enqueue(sess.agentTarget(), sess.SessionID, payload, nil)
		res, ok := awaitAgentResult(ctx, wait)
		if !ok {
			return nil, ferrors.New(ferrors.KindAgentTimeout, "agent did not respond", map[string]any{"correlation_id": corrID})
		}
		if res.Error != "" {
			return res.ResponseBytes, ferrors.New(ferrors.KindAgentCommunication, res.Error, nil)
		}
		return res.ResponseBytes, nil
	}

	mt, err := rt.conn.Acquire(ctx, sess.SessionID, rt.fuzzStage.Name)
	if err != nil {
		return nil, err
	}
	return mt.SendWithLock(payload, rt.testTimeout, buildMatcher(rt))
}

// buildMatcher resolves connection.demux.strategy into a connmgr.Matcher;
// only the protocol layer can parse a correlation field out of raw bytes
// (spec §4.6 "Demultiplexing").
func buildMatcher(rt *runtime) connmgr.Matcher {
	if rt.plugin.Connection.DemuxStrategy == connmgr.DemuxSequential || rt.plugin.Connection.DemuxStrategy == "" {
		return nil
	}
	field := rt.plugin.Connection.CorrelationField
	responseModel := rt.fuzzStage.ResponseModel
	if field == "" || responseModel == nil {
		return nil
	}
	return func(resp []byte) bool {
		parsed, err := protocol.Parse(responseModel, resp)
		if err != nil {
			return false
		}
		_, ok := parsed[field]
		return ok
	}
}

// classify implements spec §4.9 step 7's PASS/HANG/CRASH/LOGICAL_FAILURE/
// ANOMALY split, switching on ferrors.Kind rather than string matching.
func (o *Orchestrator) classify(rt *runtime, resp []byte, sendErr error) (record.Result, protocol.FieldMap) {
	if sendErr != nil {
		if ferrors.Is(sendErr, ferrors.KindReceiveTimeout) {
			return record.ResultHang, nil
		}
		return record.ResultCrash, nil
	}

	if rt.fuzzStage.ResponseModel == nil {
		return record.ResultPass, nil
	}
	parsed, err := protocol.Parse(rt.fuzzStage.ResponseModel, resp)
	if err != nil {
		return record.ResultLogicalFailure, nil
	}
	if rt.plugin.Validate != nil {
		return rt.plugin.Validate(parsed), parsed
	}
	return record.ResultPass, parsed
}

func previewResponse(resp []byte) []byte {
	const max = 256
	if len(resp) <= max {
		return resp
	}
	return resp[:max]
}

// saveFinding persists a crash's input/response/report triple (spec §4.9
// step 9, §4.10 "Findings"). It does not add the crashing input to the
// corpus.
func (o *Orchestrator) saveFinding(sess *FuzzSession, rt *runtime, exec record.Execution, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	f := corpus.Finding{
		ID:        uuid.NewString(),
		SessionID: sess.SessionID,
		Timestamp: exec.TimestampSent,
		Result:    exec.Result,
		Severity:  "high",
		Error:     errMsg,
	}
	root := rt.corp.Root()
	if err := corpus.SaveFinding(root, f, exec.PayloadBytes, exec.ResponsePreview); err != nil {
		plog.Errorf("session %s: save finding failed: %v", sess.SessionID, err)
		return
	}
	metrics.RecordFinding(exec.Result)
}
