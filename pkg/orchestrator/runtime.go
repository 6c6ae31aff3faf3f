package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/protofuzz/pkg/agent"
	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/corpus"
	"github.com/google/protofuzz/pkg/heartbeat"
	"github.com/google/protofuzz/pkg/mutation"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/stage"
	"github.com/google/protofuzz/pkg/stateful"
)

// runtime holds every helper a running session needs that is never
// persisted directly (spec §4.12: these are rebuilt on resume, not
// stored verbatim in the session blob).
type runtime struct {
	plugin PluginSpec

	pctx   *protocontext.Context
	conn   *connmgr.Manager
	runner *stage.Runner
	hb     *heartbeat.Scheduler
	nav    *stateful.Navigator // nil for non-stateful sessions
	engine *mutation.Engine
	corp   *corpus.Store

	behaviors map[string]*protocol.BehaviorState
	generator *protocol.Generator

	bootstrapStages []stage.Stage
	fuzzStage       stage.Stage
	teardownStages  []stage.Stage

	limiter *rate.Limiter

	checkpointFreq int
	testTimeout    time.Duration

	iteration atomic.Int64

	cancel   context.CancelFunc
	loopDone chan struct{}
	started  bool
}

// splitStages partitions a plugin's protocol_stack by role, or synthesizes
// a single implicit fuzz_target stage when no stack was declared (spec
// §4.9 "detect orchestration... vs single-stage implicit wrap").
func splitStages(p PluginSpec) (bootstrap []stage.Stage, fuzz stage.Stage, teardown []stage.Stage) {
	if len(p.ProtocolStack) == 0 {
		return nil, stage.Stage{
			Name:          "fuzz_target",
			Role:          stage.RoleFuzzTarget,
			DataModel:     p.DataModel,
			ResponseModel: p.ResponseModel,
		}, nil
	}
	for _, s := range p.ProtocolStack {
		switch s.Role {
		case stage.RoleBootstrap:
			bootstrap = append(bootstrap, s)
		case stage.RoleFuzzTarget:
			fuzz = s
		case stage.RoleTeardown:
			teardown = append(teardown, s)
		}
	}
	return bootstrap, fuzz, teardown
}

// behaviorStates builds one BehaviorState per Block.Behavior field
// declared on the fuzz target's data model.
func behaviorStates(model *protocol.DataModel) map[string]*protocol.BehaviorState {
	out := map[string]*protocol.BehaviorState{}
	if model == nil {
		return out
	}
	for _, blk := range model.Blocks {
		if blk.Behavior != nil {
			out[blk.Name] = protocol.NewBehaviorState(*blk.Behavior)
		}
	}
	return out
}

// agentTarget names the work queue used for this session's execution-mode
// dispatch (spec §4.13: "per-target FIFO work queues").
func (s *FuzzSession) agentTarget() string {
	if s.ProtocolName != "" {
		return s.ProtocolName
	}
	return s.SessionID
}

// awaitAgentResult blocks on the dispatcher's result channel for one
// enqueued work item, observing cancellation.
func awaitAgentResult(ctx context.Context, wait <-chan agent.Result) (agent.Result, bool) {
	select {
	case res, ok := <-wait:
		return res, ok
	case <-ctx.Done():
		return agent.Result{}, false
	}
}
