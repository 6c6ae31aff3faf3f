// Package heartbeat implements the per-session keep-alive scheduler of
// spec §4.8: a concurrent ticker that builds a message from its data
// model and context, sends it through the connection manager's mutex,
// and applies a failure policy when replies stop arriving.
package heartbeat

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/protocol"
)

// Status is the scheduler's externally visible state.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusWarning  Status = "WARNING"
	StatusFailed   Status = "FAILED"
	StatusDisabled Status = "DISABLED"
	StatusStopped  Status = "STOPPED"
)

// TimeoutAction is the failure-count policy applied once MaxFailures
// consecutive timeouts are reached.
type TimeoutAction string

const (
	ActionWarn      TimeoutAction = "warn"
	ActionReconnect TimeoutAction = "reconnect"
	ActionAbort     TimeoutAction = "abort"
)

// Config is a session's `heartbeat` block.
type Config struct {
	Enabled          bool
	IntervalMs       int
	IntervalFromCtx  string // if set, interval_ms is re-read from context each tick
	JitterMs         int
	DataModel        *protocol.DataModel
	ExpectResponse   bool
	ResponseTimeout  time.Duration
	OnTimeoutAction  TimeoutAction
	MaxFailures      int
}

func (c Config) maxFailures() int {
	if c.MaxFailures > 0 {
		return c.MaxFailures
	}
	return 3
}

func (c Config) responseTimeout() time.Duration {
	if c.ResponseTimeout > 0 {
		return c.ResponseTimeout
	}
	return 2 * time.Second
}

// ReconnectFunc asks the connection manager to reconnect (and optionally
// rebootstrap) the managed transport the scheduler sends through.
type ReconnectFunc func(ctx context.Context) error

// AbortFunc signals the orchestrator that the session must stop.
type AbortFunc func(reason string)

// Scheduler runs one session's heartbeat loop.
type Scheduler struct {
	cfg       Config
	conn      *connmgr.Manager
	sessionID string
	ctx       *protocontext.Context
	reconnect ReconnectFunc
	abort     AbortFunc

	status    atomic.Value
	failures  atomic.Int32
	stopCh    chan struct{}
	rnd       *rand.Rand
}

func New(sessionID string, cfg Config, conn *connmgr.Manager, pctx *protocontext.Context, reconnect ReconnectFunc, abort AbortFunc) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		conn:      conn,
		sessionID: sessionID,
		ctx:       pctx,
		reconnect: reconnect,
		abort:     abort,
		stopCh:    make(chan struct{}),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.Enabled {
		s.status.Store(StatusHealthy)
	} else {
		s.status.Store(StatusDisabled)
	}
	return s
}

func (s *Scheduler) Status() Status { return s.status.Load().(Status) }

func (s *Scheduler) resetFailures() { s.failures.Store(0) }

// Run blocks, ticking until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.status.Store(StatusStopped)
			return
		case <-s.stopCh:
			s.status.Store(StatusStopped)
			return
		case <-time.After(s.nextInterval()):
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) nextInterval() time.Duration {
	ms := s.cfg.IntervalMs
	if s.cfg.IntervalFromCtx != "" && s.ctx != nil && s.ctx.Has(s.cfg.IntervalFromCtx) {
		if v, ok := s.ctx.Get(s.cfg.IntervalFromCtx).(int64); ok {
			ms = int(v)
		}
	}
	if ms <= 0 {
		ms = 1000
	}
	jitter := s.cfg.JitterMs
	if jitter > 0 {
		ms += s.rnd.Intn(2*jitter+1) - jitter
		if ms < 0 {
			ms = 0
		}
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.cfg.DataModel == nil {
		return
	}
	payload, err := protocol.Serialize(s.cfg.DataModel, protocol.FieldMap{}, protocol.SerializeOptions{Context: s.ctx})
	if err != nil {
		plog.Logf(0, "heartbeat: serialize failed: %v", err)
		return
	}

	mt, err := s.conn.Acquire(ctx, s.sessionID, "")
	if err != nil {
		s.onFailure(ctx, err)
		return
	}

	if !s.cfg.ExpectResponse {
		_, _ = mt.SendWithLock(payload, s.cfg.responseTimeout(), nil)
		return
	}

	_, err = mt.SendWithLock(payload, s.cfg.responseTimeout(), nil)
	if err != nil {
		s.onFailure(ctx, err)
		return
	}
	s.resetFailures()
	s.status.Store(StatusHealthy)
}

func (s *Scheduler) onFailure(ctx context.Context, cause error) {
	n := s.failures.Add(1)
	plog.Logf(0, "heartbeat: send/recv failed (%d/%d): %v", n, s.cfg.maxFailures(), cause)
	if int(n) < s.cfg.maxFailures() {
		s.status.Store(StatusWarning)
		return
	}
	switch s.cfg.OnTimeoutAction {
	case ActionReconnect:
		if s.reconnect != nil {
			if err := s.reconnect(ctx); err != nil {
				plog.Errorf("heartbeat: reconnect failed: %v", err)
				s.status.Store(StatusFailed)
				return
			}
			s.resetFailures()
			s.status.Store(StatusHealthy)
		}
	case ActionAbort:
		s.status.Store(StatusFailed)
		if s.abort != nil {
			s.abort("heartbeat failure threshold reached")
		}
	default: // warn
		s.status.Store(StatusWarning)
	}
}
