// Package connmgr implements the connection manager of spec §4.6: it owns
// persistent transports across per_test / per_stage / session connection
// modes, serializes sends through a per-transport mutex, demultiplexes
// replies, and reconnects unhealthy transports with backoff.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/transport"
)

// Mode selects how long a transport is kept alive.
type Mode string

const (
	ModePerTest  Mode = "per_test"
	ModePerStage Mode = "per_stage"
	ModeSession  Mode = "session"
)

// UnsolicitedPolicy controls what happens to a reply that didn't match the
// expected correlation.
type UnsolicitedPolicy string

const (
	UnsolicitedLog    UnsolicitedPolicy = "log"
	UnsolicitedQueue  UnsolicitedPolicy = "queue"
	UnsolicitedIgnore UnsolicitedPolicy = "ignore"
)

// Config is a session's `connection` block.
type Config struct {
	Mode              Mode
	DemuxStrategy     DemuxStrategy
	CorrelationField  string
	Unsolicited       UnsolicitedPolicy
	BackoffMs         int
	MaxReconnects     int
	OnDropRebootstrap bool
}

func (c Config) backoffInterval() time.Duration {
	if c.BackoffMs > 0 {
		return time.Duration(c.BackoffMs) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// RebootstrapFunc re-runs a session's bootstrap stages after a dropped
// connection is replaced (spec §4.6 "on_drop.rebootstrap").
type RebootstrapFunc func(ctx context.Context) error

// Manager owns every managedTransport for a session, keyed by connection
// ID (spec §4.6 "Connection IDs").
type Manager struct {
	mu           sync.Mutex
	cfg          Config
	factory      func() (transport.Transport, error)
	transports   map[string]*ManagedTransport
	rebootstrap  RebootstrapFunc
}

func New(cfg Config, factory func() (transport.Transport, error), rebootstrap RebootstrapFunc) *Manager {
	return &Manager{
		cfg:         cfg,
		factory:     factory,
		transports:  map[string]*ManagedTransport{},
		rebootstrap: rebootstrap,
	}
}

// ConnID computes the scoping key for the manager's configured mode.
func (m *Manager) ConnID(sessionID, stage string) string {
	switch m.cfg.Mode {
	case ModeSession:
		return sessionID
	case ModePerStage:
		return fmt.Sprintf("%s/%s", sessionID, stage)
	default:
		return "" // per_test: never reused
	}
}

// Acquire returns the managed transport for (sessionID, stage), connecting
// it if this is the first use. per_test mode always builds a fresh one.
func (m *Manager) Acquire(ctx context.Context, sessionID, stage string) (*ManagedTransport, error) {
	if m.cfg.Mode == ModePerTest {
		return m.connectNew(ctx)
	}
	id := m.ConnID(sessionID, stage)
	m.mu.Lock()
	mt, ok := m.transports[id]
	m.mu.Unlock()
	if ok {
		return mt, nil
	}
	mt, err := m.connectNew(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.transports[id] = mt
	m.mu.Unlock()
	return mt, nil
}

func (m *Manager) connectNew(ctx context.Context) (*ManagedTransport, error) {
	raw, err := m.factory()
	if err != nil {
		return nil, err
	}
	if err := raw.Connect(ctx); err != nil {
		return nil, err
	}
	return newManagedTransport(raw, m.cfg, m.rebootstrap), nil
}

// CleanupUnhealthy removes every tracked transport flagged unhealthy,
// closing its underlying connection.
func (m *Manager) CleanupUnhealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mt := range m.transports {
		if !mt.Healthy() {
			mt.Close()
			delete(m.transports, id)
			plog.Logf(0, "connmgr: removed unhealthy transport %s", id)
		}
	}
}

// CloseAll closes every tracked transport (session stop/delete).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mt := range m.transports {
		mt.Close()
		delete(m.transports, id)
	}
}
