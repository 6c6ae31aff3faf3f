// Package orchestrator ties every other package into the session
// lifecycle of spec §4.9: create/start/stop/delete, the per-iteration
// fuzzing loop, replay, and periodic checkpointing.
package orchestrator

import (
	"sync"
	"time"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/heartbeat"
	"github.com/google/protofuzz/pkg/mutation"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/record"
	"github.com/google/protofuzz/pkg/stage"
	"github.com/google/protofuzz/pkg/stateful"
	"github.com/google/protofuzz/pkg/transport"
)

// ExecutionMode selects who runs the test cases: the core loop directly,
// or remote workers through the agent dispatcher.
type ExecutionMode string

const (
	ExecutionCore  ExecutionMode = "core"
	ExecutionAgent ExecutionMode = "agent"
)

// Status is a FuzzSession's lifecycle state (spec §3).
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Target describes the endpoint a session's core-mode loop sends to.
type Target struct {
	Host      string
	Port      int
	Transport transport.Kind
}

// PluginSpec is what create_session resolves from the loaded plugin: the
// data model(s), protocol stack, optional state model and seeds.
type PluginSpec struct {
	Name            string
	DataModel       *protocol.DataModel // single-stage implicit wrap
	ResponseModel   *protocol.DataModel
	ProtocolStack   []stage.Stage // orchestration mode when non-empty
	StateModel      *stateful.Model
	Seeds           [][]byte
	Connection      connmgr.Config
	Heartbeat       heartbeat.Config
	RateLimitPerSec float64

	// Validate is the plugin's validate_response hook (spec §4.9 step 7):
	// nil means every parseable response is a PASS.
	Validate func(protocol.FieldMap) record.Result
}

// Config is what create_session receives (spec §4.9 "create_session").
type Config struct {
	SessionID           string
	ProtocolName        string
	Target              Target
	Plugin              PluginSpec
	Mutation            mutation.Config
	ExecutionMode       ExecutionMode
	FuzzingMode         stateful.ExplorationMode
	Stateful            stateful.Config
	CheckpointFrequency int           // default 1000
	TestTimeout         time.Duration // default 5s, spec §5 "Per-test receive timeout"
	ConnSeed            int64
	MutationSeed        int64
}

func (c Config) checkpointFrequency() int {
	if c.CheckpointFrequency > 0 {
		return c.CheckpointFrequency
	}
	return 1000
}

func (c Config) testTimeout() time.Duration {
	if c.TestTimeout > 0 {
		return c.TestTimeout
	}
	return 5 * time.Second
}

// FuzzSession is the runtime + persisted state of one fuzzing session
// (spec §3 "FuzzSession").
type FuzzSession struct {
	mu sync.Mutex

	SessionID     string
	ProtocolName  string
	Target        Target
	MutationCfg   mutation.Config
	ExecutionMode ExecutionMode
	FuzzingMode   stateful.ExplorationMode
	StatefulCfg   stateful.Config

	CurrentState       string
	StateCoverage      map[string]int
	TransitionCoverage map[string]int

	Status Status

	TotalTests       int64
	Crashes          int64
	Hangs            int64
	Anomalies        int64
	SessionResets    int64
	TerminationTests int64

	CurrentStage     string
	ConnectionMode   connmgr.Mode
	HeartbeatEnabled bool
	HeartbeatStatus  heartbeat.Status

	ContextSnapshot []byte
	ErrorMessage    string

	CreatedAt time.Time
	StartedAt time.Time
	UpdatedAt time.Time
}

// SessionView is a mutex-free, point-in-time copy of a FuzzSession: the
// form persisted by sessionstore and returned to callers asking for
// status (spec §4.9 "get_session"), so no caller ever copies the live
// mutex-guarded struct by value.
type SessionView struct {
	SessionID          string
	ProtocolName       string
	Target             Target
	MutationCfg        mutation.Config
	ExecutionMode      ExecutionMode
	FuzzingMode        stateful.ExplorationMode
	StatefulCfg        stateful.Config
	CurrentState       string
	StateCoverage      map[string]int
	TransitionCoverage map[string]int
	Status             Status
	TotalTests         int64
	Crashes            int64
	Hangs              int64
	Anomalies          int64
	SessionResets      int64
	TerminationTests   int64
	CurrentStage       string
	ConnectionMode     connmgr.Mode
	HeartbeatEnabled   bool
	ContextSnapshot    []byte
	ErrorMessage       string
	CreatedAt          time.Time
	StartedAt          time.Time
	UpdatedAt          time.Time
}

func (s *FuzzSession) toSnapshot() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{
		SessionID: s.SessionID, ProtocolName: s.ProtocolName, Target: s.Target,
		MutationCfg: s.MutationCfg, ExecutionMode: s.ExecutionMode, FuzzingMode: s.FuzzingMode,
		StatefulCfg: s.StatefulCfg, CurrentState: s.CurrentState,
		StateCoverage: s.StateCoverage, TransitionCoverage: s.TransitionCoverage,
		Status: s.Status, TotalTests: s.TotalTests, Crashes: s.Crashes, Hangs: s.Hangs,
		Anomalies: s.Anomalies, SessionResets: s.SessionResets, TerminationTests: s.TerminationTests,
		CurrentStage: s.CurrentStage, ConnectionMode: s.ConnectionMode, HeartbeatEnabled: s.HeartbeatEnabled,
		ContextSnapshot: s.ContextSnapshot, ErrorMessage: s.ErrorMessage,
		CreatedAt: s.CreatedAt, StartedAt: s.StartedAt, UpdatedAt: s.UpdatedAt,
	}
}

func fromSnapshot(sn SessionView) *FuzzSession {
	return &FuzzSession{
		SessionID: sn.SessionID, ProtocolName: sn.ProtocolName, Target: sn.Target,
		MutationCfg: sn.MutationCfg, ExecutionMode: sn.ExecutionMode, FuzzingMode: sn.FuzzingMode,
		StatefulCfg: sn.StatefulCfg, CurrentState: sn.CurrentState,
		StateCoverage: sn.StateCoverage, TransitionCoverage: sn.TransitionCoverage,
		Status: sn.Status, TotalTests: sn.TotalTests, Crashes: sn.Crashes, Hangs: sn.Hangs,
		Anomalies: sn.Anomalies, SessionResets: sn.SessionResets, TerminationTests: sn.TerminationTests,
		CurrentStage: sn.CurrentStage, ConnectionMode: sn.ConnectionMode, HeartbeatEnabled: sn.HeartbeatEnabled,
		ContextSnapshot: sn.ContextSnapshot, ErrorMessage: sn.ErrorMessage,
		CreatedAt: sn.CreatedAt, StartedAt: sn.StartedAt, UpdatedAt: sn.UpdatedAt,
	}
}

func (s *FuzzSession) setStatus(st Status) {
	s.mu.Lock()
	s.Status = st
	s.UpdatedAt = time.Now()
	s.mu.Unlock()
}

func (s *FuzzSession) setError(msg string) {
	s.mu.Lock()
	s.ErrorMessage = msg
	s.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// Snapshot returns a defensive, mutex-free copy of the session's
// externally-visible fields for status reporting.
func (s *FuzzSession) Snapshot() SessionView {
	return s.toSnapshot()
}
