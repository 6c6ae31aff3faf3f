package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/protofuzz/pkg/agent"
	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/corpus"
	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/heartbeat"
	"github.com/google/protofuzz/pkg/history"
	"github.com/google/protofuzz/pkg/metrics"
	"github.com/google/protofuzz/pkg/mutation"
	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/sessionstore"
	"github.com/google/protofuzz/pkg/stage"
	"github.com/google/protofuzz/pkg/stateful"
	"github.com/google/protofuzz/pkg/transport"
)

// Deps are the durable stores and shared helpers the Orchestrator wires
// every session's runtime against.
type Deps struct {
	Sessions   *sessionstore.Store
	History    *history.Store
	CorpusRoot string
	Dispatcher *agent.Dispatcher

	// MaxConcurrentSessions caps how many sessions may be StatusRunning at
	// once (spec §6 MAX_CONCURRENT_SESSIONS, default 1). <= 0 means "use
	// the spec default".
	MaxConcurrentSessions int
	// MaxConcurrentTests bounds how many test cases may be in flight
	// (sent and awaiting a result) across every running session at once
	// (spec §6 MAX_CONCURRENT_TESTS, default 10). <= 0 means "use the
	// spec default".
	MaxConcurrentTests int
}

// Orchestrator is the single owner of all runtime session state (spec §9
// "Global mutable state").
type Orchestrator struct {
	deps Deps

	mu          sync.Mutex
	sessions    map[string]*FuzzSession
	runtimes    map[string]*runtime
	runningSess int

	testSlots chan struct{}
}

func New(deps Deps) *Orchestrator {
	if deps.Dispatcher == nil {
		deps.Dispatcher = agent.New()
	}
	if deps.MaxConcurrentSessions <= 0 {
		deps.MaxConcurrentSessions = 1
	}
	if deps.MaxConcurrentTests <= 0 {
		deps.MaxConcurrentTests = 10
	}
	return &Orchestrator{
		deps:      deps,
		sessions:  map[string]*FuzzSession{},
		runtimes:  map[string]*runtime{},
		testSlots: make(chan struct{}, deps.MaxConcurrentTests),
	}
}

// CreateSession loads the plugin spec, seeds the corpus, persists the new
// session, and registers it (spec §4.9 "create_session").
func (o *Orchestrator) CreateSession(cfg Config) (*FuzzSession, error) {
	now := time.Now()
	sess := &FuzzSession{
		SessionID:          cfg.SessionID,
		ProtocolName:       cfg.ProtocolName,
		Target:             cfg.Target,
		MutationCfg:        cfg.Mutation,
		ExecutionMode:      cfg.ExecutionMode,
		FuzzingMode:        cfg.FuzzingMode,
		StatefulCfg:        cfg.Stateful,
		StateCoverage:      map[string]int{},
		TransitionCoverage: map[string]int{},
		Status:             StatusIdle,
		ConnectionMode:     cfg.Plugin.Connection.Mode,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if cfg.Plugin.StateModel != nil {
		sess.CurrentState = cfg.Plugin.StateModel.InitialState
	}

	corp, err := corpus.Open(corpus.Config{RootDir: filepath.Join(o.deps.CorpusRoot, cfg.SessionID)})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindSessionInitialization, err, "open corpus store")
	}
	for _, seed := range cfg.Plugin.Seeds {
		if _, _, err := corp.AddSeed(seed); err != nil {
			plog.Logf(0, "create_session %s: seed store failed: %v", cfg.SessionID, err)
		}
	}

	if err := o.deps.Sessions.Save(sess.SessionID, now.UnixNano(), sess.toSnapshot()); err != nil {
		return nil, ferrors.Wrap(ferrors.KindSessionInitialization, err, "persist session")
	}

	o.mu.Lock()
	o.sessions[sess.SessionID] = sess
	o.runtimes[sess.SessionID] = &runtime{
		plugin: cfg.Plugin, corp: corp,
		checkpointFreq: cfg.checkpointFrequency(), testTimeout: cfg.testTimeout(),
	}
	o.mu.Unlock()

	return sess, nil
}

func (o *Orchestrator) get(id string) (*FuzzSession, *runtime, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return nil, nil, false
	}
	return sess, o.runtimes[id], true
}

// StartSession applies connection config, runs bootstrap, starts the
// heartbeat, and spawns the fuzzing loop (spec §4.9 "start_session").
func (o *Orchestrator) StartSession(ctx context.Context, id string, connSeed, mutationSeed int64) error {
	sess, rt, ok := o.get(id)
	if !ok {
		return ferrors.New(ferrors.KindSessionNotFound, "session not found", map[string]any{"session_id": id})
	}

	o.mu.Lock()
	if o.runningSess >= o.deps.MaxConcurrentSessions {
		o.mu.Unlock()
		return ferrors.New(ferrors.KindSessionLimit, "max concurrent sessions reached", map[string]any{
			"max_concurrent_sessions": o.deps.MaxConcurrentSessions,
		})
	}
	o.runningSess++
	o.mu.Unlock()

	rt.pctx = protocontext.New()
	rt.generator = protocol.NewGenerator()
	bootstrap, fuzz, teardown := splitStages(rt.plugin)
	rt.bootstrapStages, rt.fuzzStage, rt.teardownStages = bootstrap, fuzz, teardown
	rt.behaviors = behaviorStates(rt.fuzzStage.DataModel)

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.loopDone = make(chan struct{})

	factory := func() (transport.Transport, error) {
		return transport.New(transport.Config{Kind: sess.Target.Transport, Host: sess.Target.Host, Port: sess.Target.Port})
	}
	rt.runner = &stage.Runner{SessionID: id, Ctx: rt.pctx, Sink: o.deps.History}
	rt.conn = connmgr.New(rt.plugin.Connection, factory, func(ctx context.Context) error {
		return rt.runner.RunBootstrap(ctx, rt.bootstrapStages)
	})
	rt.runner.Conn = rt.conn

	if err := rt.runner.RunBootstrap(runCtx, rt.bootstrapStages); err != nil {
		sess.setStatus(StatusFailed)
		sess.setError(fmt.Sprintf("bootstrap failed: %v", err))
		cancel()
		o.mu.Lock()
		o.runningSess--
		o.mu.Unlock()
		return err
	}

	if rt.plugin.StateModel != nil {
		rt.nav = stateful.NewNavigator(rt.plugin.StateModel, sess.StatefulCfg, connSeed)
		rt.nav.Restore(sess.CurrentState, sess.StateCoverage, sess.TransitionCoverage)
	}

	rt.engine = mutation.NewEngine(mutationSeed, rt.fuzzStage.DataModel, sess.MutationCfg, rt.corp.GetCachedSeeds)

	if rt.plugin.RateLimitPerSec > 0 {
		rt.limiter = rate.NewLimiter(rate.Limit(rt.plugin.RateLimitPerSec), 1)
	}

	if rt.plugin.Heartbeat.Enabled {
		rt.hb = heartbeat.New(id, rt.plugin.Heartbeat, rt.conn, rt.pctx,
			func(ctx context.Context) error {
				// CleanupUnhealthy drops the dead transport; the next
				// Acquire() on this connection ID dials a fresh one.
				rt.conn.CleanupUnhealthy()
				return nil
			},
			func(reason string) { o.abortSession(id, reason) },
		)
		go rt.hb.Run(runCtx)
	}

	sess.setStatus(StatusRunning)
	sess.mu.Lock()
	sess.StartedAt = time.Now()
	sess.CurrentStage = rt.fuzzStage.Name
	sess.HeartbeatEnabled = rt.plugin.Heartbeat.Enabled
	sess.mu.Unlock()

	metrics.ActiveSessions.Inc()
	rt.started = true
	go o.runLoop(runCtx, id, sess, rt)
	return nil
}

func (o *Orchestrator) abortSession(id, reason string) {
	sess, rt, ok := o.get(id)
	if !ok {
		return
	}
	sess.setError(reason)
	if rt.cancel != nil {
		rt.cancel()
	}
}

// StopSession cancels the loop, runs teardown, stops the heartbeat,
// flushes history, checkpoints, and releases connections (spec §4.9
// "stop_session").
func (o *Orchestrator) StopSession(ctx context.Context, id string) error {
	sess, rt, ok := o.get(id)
	if !ok {
		return ferrors.New(ferrors.KindSessionNotFound, "session not found", map[string]any{"session_id": id})
	}
	if rt.started {
		metrics.ActiveSessions.Dec()
		rt.started = false
		o.mu.Lock()
		o.runningSess--
		o.mu.Unlock()
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.loopDone != nil {
		<-rt.loopDone
	}
	if rt.runner != nil {
		if err := rt.runner.RunTeardown(ctx, rt.teardownStages); err != nil {
			sess.setError(err.Error())
		}
	}
	if rt.hb != nil {
		rt.hb.Stop()
	}
	if o.deps.History != nil {
		o.deps.History.Flush()
	}
	o.checkpoint(sess, rt)
	if rt.conn != nil {
		rt.conn.CloseAll()
	}
	if sess.Status != StatusFailed {
		sess.setStatus(StatusCompleted)
	}
	return nil
}

// DeleteSession stops the session then removes it from the durable store
// and from memory (spec §4.9 "delete_session").
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if err := o.StopSession(ctx, id); err != nil && !ferrors.Is(err, ferrors.KindSessionNotFound) {
		plog.Logf(0, "delete_session %s: stop failed: %v", id, err)
	}
	o.deps.Dispatcher.DiscardSession(id)
	if err := o.deps.Sessions.Delete(id); err != nil {
		return ferrors.Wrap(ferrors.KindSessionInitialization, err, "delete session")
	}
	o.mu.Lock()
	delete(o.sessions, id)
	delete(o.runtimes, id)
	o.mu.Unlock()
	return nil
}

// Get returns a point-in-time copy of a session's state.
func (o *Orchestrator) Get(id string) (SessionView, bool) {
	sess, _, ok := o.get(id)
	if !ok {
		return SessionView{}, false
	}
	return sess.Snapshot(), true
}

// ActiveSessionIDs returns the IDs of every session currently registered
// in memory, for a caller that needs to stop everything on shutdown.
func (o *Orchestrator) ActiveSessionIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) checkpoint(sess *FuzzSession, rt *runtime) {
	if rt.nav != nil {
		states, transitions := rt.nav.CoverageSnapshot()
		sess.mu.Lock()
		sess.CurrentState = rt.nav.Current()
		sess.StateCoverage = states
		sess.TransitionCoverage = transitions
		sess.SessionResets = int64(rt.nav.SessionResets())
		sess.mu.Unlock()
	}
	if rt.pctx != nil {
		snap, err := rt.pctx.Snapshot()
		if err == nil {
			sess.mu.Lock()
			sess.ContextSnapshot = snap
			sess.mu.Unlock()
		}
	}
	now := time.Now()
	sess.mu.Lock()
	sess.UpdatedAt = now
	sess.mu.Unlock()
	if err := o.deps.Sessions.Save(sess.SessionID, now.UnixNano(), sess.toSnapshot()); err != nil {
		plog.Errorf("checkpoint %s: save failed: %v", sess.SessionID, err)
	}
}
