// Package agent implements the agent dispatcher of spec §4.13: for
// sessions running in "agent" execution mode, test cases are queued
// per-target and polled by remote workers, with results correlated back
// by ID instead of being read off a local connection.
package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/record"
)

// WorkItem is one queued test case awaiting an agent.
type WorkItem struct {
	CorrelationID     string
	SessionID         string
	Seed              []byte
	MutationDirective map[string]any
	EnqueuedAt        time.Time
}

// Result is what an agent reports back for a WorkItem it executed.
type Result struct {
	CorrelationID  string
	AgentID        string
	ResponseBytes  []byte
	ResultKind     record.Result
	Error          string
	AgentTelemetry map[string]any
}

// Dispatcher owns one FIFO queue per target and the pending-result index.
type Dispatcher struct {
	mu      sync.Mutex
	queues  map[string][]WorkItem      // keyed by target
	pending map[string]pendingEntry    // keyed by correlation ID
}

type pendingEntry struct {
	item WorkItem
	wait chan Result
}

func New() *Dispatcher {
	return &Dispatcher{
		queues:  map[string][]WorkItem{},
		pending: map[string]pendingEntry{},
	}
}

// Enqueue appends a new test case to target's FIFO and returns a channel
// that receives the matching Result once HandleResult delivers it.
func (d *Dispatcher) Enqueue(target, sessionID string, seed []byte, directive map[string]any) (correlationID string, wait <-chan Result) {
	item := WorkItem{
		CorrelationID:     uuid.NewString(),
		SessionID:         sessionID,
		Seed:              seed,
		MutationDirective: directive,
		EnqueuedAt:        time.Now(),
	}
	ch := make(chan Result, 1)

	d.mu.Lock()
	d.queues[target] = append(d.queues[target], item)
	d.pending[item.CorrelationID] = pendingEntry{item: item, wait: ch}
	d.mu.Unlock()

	return item.CorrelationID, ch
}

// GetNextCase pops the oldest queued item for target (an agent's poll).
func (d *Dispatcher) GetNextCase(agentID, target string) (WorkItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[target]
	if len(q) == 0 {
		return WorkItem{}, false
	}
	item := q[0]
	d.queues[target] = q[1:]
	return item, true
}

// HandleResult correlates a returned Result with its pending WorkItem and
// delivers it on the waiter channel registered by Enqueue.
func (d *Dispatcher) HandleResult(agentID string, result Result) error {
	d.mu.Lock()
	entry, ok := d.pending[result.CorrelationID]
	if ok {
		delete(d.pending, result.CorrelationID)
	}
	d.mu.Unlock()

	if !ok {
		return ferrors.New(ferrors.KindAgentNotFound, "no pending test for correlation id", map[string]any{
			"correlation_id": result.CorrelationID, "agent_id": agentID,
		})
	}
	entry.wait <- result
	close(entry.wait)
	return nil
}

// DiscardSession drops every queued and pending item belonging to
// sessionID (spec §4.13 "discarded on session stop").
func (d *Dispatcher) DiscardSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for target, q := range d.queues {
		kept := q[:0]
		for _, item := range q {
			if item.SessionID != sessionID {
				kept = append(kept, item)
			}
		}
		d.queues[target] = kept
	}
	for id, entry := range d.pending {
		if entry.item.SessionID == sessionID {
			close(entry.wait)
			delete(d.pending, id)
		}
	}
}
