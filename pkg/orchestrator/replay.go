package orchestrator

import (
	"bytes"
	"context"
	"time"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/record"
	"github.com/google/protofuzz/pkg/stage"
	"github.com/google/protofuzz/pkg/transport"
)

// ReplayMode selects how Replay rebuilds the protocol context and target
// connection before resending a historical record (spec §4.9 "Replay").
type ReplayMode string

const (
	ReplayFresh  ReplayMode = "fresh"
	ReplayStored ReplayMode = "stored"
	ReplaySkip   ReplayMode = "skip"
)

// ReplayOutcome is the per-record verdict a replay produces.
type ReplayOutcome string

const (
	ReplaySuccess ReplayOutcome = "success"
	ReplayTimeout ReplayOutcome = "timeout"
	ReplayError   ReplayOutcome = "error"
)

// ReplayRequest is the `replay(id, {mode, from_seq, to_seq, delay_ms})`
// orchestration control (spec §8).
type ReplayRequest struct {
	Mode    ReplayMode
	FromSeq int64
	ToSeq   int64
	DelayMs int
}

// ReplayResult is one replayed record's verdict: whether the send
// succeeded, timed out, or errored, and whether the response preview
// matches what was originally recorded.
type ReplayResult struct {
	SequenceNumber  int64
	Outcome         ReplayOutcome
	Error           string
	OriginalPreview []byte
	ReplayedPreview []byte
	ResponseMatches bool
}

// Replay re-sends a window of a session's recorded executions over a
// transport isolated from the session's live fuzzing connection (spec
// §4.9 "Cancellation": "Replay tasks isolated to a per-replay transport
// registered under the session but distinct from the active fuzz
// transport"). Records are replayed in ascending sequence_number order.
func (o *Orchestrator) Replay(ctx context.Context, id string, req ReplayRequest) ([]ReplayResult, error) {
	sess, rt, ok := o.get(id)
	if !ok {
		return nil, ferrors.New(ferrors.KindSessionNotFound, "session not found", map[string]any{"session_id": id})
	}
	if o.deps.History == nil {
		return nil, ferrors.New(ferrors.KindSessionState, "no execution history configured", nil)
	}

	records, err := o.deps.History.RangeBySequence(id, req.FromSeq, req.ToSeq)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindSessionState, err, "load replay range")
	}
	if len(records) == 0 {
		return nil, nil
	}

	replayCtx, err := buildReplayContext(req.Mode, records)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindSerialization, err, "restore replay context")
	}

	factory := func() (transport.Transport, error) {
		return transport.New(transport.Config{Kind: sess.Target.Transport, Host: sess.Target.Host, Port: sess.Target.Port})
	}
	runner := &stage.Runner{SessionID: id, Ctx: replayCtx}
	conn := connmgr.New(connmgr.Config{Mode: connmgr.ModeSession}, factory, func(ctx context.Context) error {
		return runner.RunBootstrap(ctx, rt.bootstrapStages)
	})
	runner.Conn = conn
	defer conn.CloseAll()

	if req.Mode == ReplayFresh {
		if err := runner.RunBootstrap(ctx, rt.bootstrapStages); err != nil {
			return nil, ferrors.Wrap(ferrors.KindBootstrap, err, "replay bootstrap")
		}
	}

	mt, err := conn.Acquire(ctx, id, "replay")
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindConnectionRefused, err, "acquire replay transport")
	}

	results := make([]ReplayResult, 0, len(records))
	for _, rec := range records {
		payload := rec.PayloadBytes
		if req.Mode == ReplayFresh {
			serialized, err := protocol.Serialize(rt.fuzzStage.DataModel, rec.ParsedFields, protocol.SerializeOptions{
				Context: replayCtx, Behaviors: rt.behaviors, Generator: rt.generator,
			})
			if err != nil {
				results = append(results, ReplayResult{SequenceNumber: rec.SequenceNumber, Outcome: ReplayError, Error: err.Error()})
				continue
			}
			payload = serialized
		}

		resp, sendErr := mt.SendWithLock(payload, rt.testTimeout, buildMatcher(rt))
		res := ReplayResult{
			SequenceNumber:  rec.SequenceNumber,
			OriginalPreview: rec.ResponsePreview,
			ReplayedPreview: previewResponse(resp),
		}
		switch {
		case sendErr != nil && ferrors.Is(sendErr, ferrors.KindReceiveTimeout):
			res.Outcome = ReplayTimeout
		case sendErr != nil:
			res.Outcome = ReplayError
			res.Error = sendErr.Error()
		default:
			res.Outcome = ReplaySuccess
		}
		res.ResponseMatches = bytes.Equal(res.OriginalPreview, res.ReplayedPreview)
		results = append(results, res)

		if req.DelayMs > 0 {
			select {
			case <-time.After(time.Duration(req.DelayMs) * time.Millisecond):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
	}
	return results, nil
}

// buildReplayContext implements the three context-seeding rules of spec
// §4.9 "Replay": fresh/skip start from an empty context; stored restores
// the snapshot captured with the first record in the replayed window.
func buildReplayContext(mode ReplayMode, records []record.Execution) (*protocontext.Context, error) {
	if mode != ReplayStored {
		return protocontext.New(), nil
	}
	snap := records[0].ContextSnapshot
	if len(snap) == 0 {
		return protocontext.New(), nil
	}
	return protocontext.Restore(snap)
}
