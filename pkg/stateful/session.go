package stateful

import "math/rand"

// Config mirrors a FuzzSession's stateful_config (spec §3, §4.4).
type Config struct {
	Mode                    ExplorationMode
	ProgressionWeight       float64 // default 0.8, ModeRandom only
	ResetInterval           int     // 0 means "use the mode default"
	TargetState             string  // ModeTargeted only
	EnableTermination       bool
	TerminationTestInterval int // default 50
	TerminationTestWindow   int // default 3
}

func (c Config) resetInterval() int {
	if c.ResetInterval > 0 {
		return c.ResetInterval
	}
	return defaultResetInterval(c.Mode)
}

func (c Config) progressionWeight() float64 {
	if c.ProgressionWeight > 0 {
		return c.ProgressionWeight
	}
	return 0.8
}

func (c Config) terminationInterval() int {
	if c.TerminationTestInterval > 0 {
		return c.TerminationTestInterval
	}
	return 50
}

func (c Config) terminationWindow() int {
	if c.TerminationTestWindow > 0 {
		return c.TerminationTestWindow
	}
	return 3
}

// Navigator is the runtime state-machine walker for one FuzzSession.
type Navigator struct {
	model *Model
	cfg   Config
	rnd   *rand.Rand

	current string

	stateCoverage      map[string]int
	transitionCoverage map[string]int

	testsSinceReset int
	testsTotal      int
	sessionResets   int

	pendingTerminationReset bool
}

// NewNavigator builds a Navigator positioned at model's initial state with
// empty coverage maps. Per spec §4.4 "Coverage", state_coverage is only
// incremented by a completed transition (Advance), never just by starting
// there — Restore then overlays the session's persisted counts on top of
// this empty baseline, so restarting a session never inflates a count that
// no new transition actually produced.
func NewNavigator(model *Model, cfg Config, seed int64) *Navigator {
	return &Navigator{
		model:              model,
		cfg:                cfg,
		rnd:                rand.New(rand.NewSource(seed)),
		current:            model.InitialState,
		stateCoverage:      map[string]int{},
		transitionCoverage: map[string]int{},
	}
}

func (n *Navigator) Current() string { return n.current }

func (n *Navigator) SessionResets() int { return n.sessionResets }

// SelectTransition picks the next transition out of the current state,
// per spec §4.4. ok is false when the current state has no outgoing edges.
func (n *Navigator) SelectTransition() (Transition, bool) {
	outgoing := n.model.outgoing(n.current)
	if len(outgoing) == 0 {
		return Transition{}, false
	}

	if n.cfg.EnableTermination && n.dueForTermination() {
		if t, ok := n.terminalTransition(outgoing); ok {
			return t, true
		}
	}

	roll := n.rnd.Float64()
	if roll < 0.15 {
		if t, ok := n.unvisitedTransition(outgoing); ok {
			return t, true
		}
	} else if roll < 0.25 {
		if t, ok := n.terminalTransition(outgoing); ok {
			return t, true
		}
	}

	switch n.cfg.Mode {
	case ModeBFS:
		return n.selectBFS(outgoing), true
	case ModeDFS:
		return n.selectDFS(outgoing), true
	case ModeTargeted:
		return n.selectTargeted(outgoing), true
	default:
		return n.selectRandom(outgoing), true
	}
}

func (n *Navigator) selectRandom(outgoing []Transition) Transition {
	if n.rnd.Float64() < n.cfg.progressionWeight() {
		return outgoing[0]
	}
	return outgoing[n.rnd.Intn(len(outgoing))]
}

func (n *Navigator) selectBFS(outgoing []Transition) Transition {
	best := outgoing[0]
	bestCount := n.stateCoverage[best.To]
	for _, t := range outgoing[1:] {
		if c := n.stateCoverage[t.To]; c < bestCount {
			best, bestCount = t, c
		}
	}
	return best
}

func (n *Navigator) selectDFS(outgoing []Transition) Transition {
	if t, ok := n.unvisitedTransition(outgoing); ok {
		return t
	}
	return n.selectRandom(outgoing)
}

func (n *Navigator) selectTargeted(outgoing []Transition) Transition {
	if n.cfg.TargetState == "" {
		return n.selectRandom(outgoing)
	}
	hop, ok := bfsNextHop(n.model, n.current, n.cfg.TargetState)
	if !ok {
		return n.selectRandom(outgoing)
	}
	for _, t := range outgoing {
		if t.To == hop {
			return t
		}
	}
	return n.selectRandom(outgoing)
}

func (n *Navigator) unvisitedTransition(outgoing []Transition) (Transition, bool) {
	var candidates []Transition
	for _, t := range outgoing {
		if n.stateCoverage[t.To] == 0 {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Transition{}, false
	}
	return candidates[n.rnd.Intn(len(candidates))], true
}

func (n *Navigator) terminalTransition(outgoing []Transition) (Transition, bool) {
	var candidates []Transition
	for _, t := range outgoing {
		if n.model.IsTerminal(t.To) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Transition{}, false
	}
	return candidates[n.rnd.Intn(len(candidates))], true
}

func (n *Navigator) dueForTermination() bool {
	interval := n.cfg.terminationInterval()
	if n.testsTotal > 0 && n.testsTotal%interval == 0 {
		return true
	}
	resetAt := n.cfg.resetInterval()
	if resetAt > 0 {
		remaining := resetAt - n.testsSinceReset
		if remaining > 0 && remaining <= n.cfg.terminationWindow() {
			return true
		}
	}
	return false
}

// Advance commits transition t: moves current, records coverage, and
// applies (or defers) any interval-based reset.
func (n *Navigator) Advance(t Transition) {
	key := t.From + "→" + t.To
	n.current = t.To
	n.stateCoverage[n.current]++
	n.transitionCoverage[key]++
	n.testsSinceReset++
	n.testsTotal++

	resetAt := n.cfg.resetInterval()
	due := resetAt > 0 && n.testsSinceReset >= resetAt
	if due {
		if n.model.IsTerminal(n.current) {
			n.reset()
		} else {
			n.pendingTerminationReset = true
		}
	} else if n.pendingTerminationReset && n.model.IsTerminal(n.current) {
		n.reset()
	}
}

func (n *Navigator) reset() {
	n.current = n.model.InitialState
	n.testsSinceReset = 0
	n.pendingTerminationReset = false
	n.sessionResets++
}

// CoverageSnapshot returns copies of the state and transition coverage
// maps, suitable for checkpointing.
func (n *Navigator) CoverageSnapshot() (map[string]int, map[string]int) {
	states := make(map[string]int, len(n.stateCoverage))
	for k, v := range n.stateCoverage {
		states[k] = v
	}
	transitions := make(map[string]int, len(n.transitionCoverage))
	for k, v := range n.transitionCoverage {
		transitions[k] = v
	}
	return states, transitions
}

// Restore re-applies a persisted coverage baseline on top of the
// navigator's current counts (spec §4.4 "Restored on resume by applying
// coverage_offset and transition_offset").
func (n *Navigator) Restore(current string, stateOffset, transitionOffset map[string]int) {
	if current != "" {
		n.current = current
	}
	for k, v := range stateOffset {
		n.stateCoverage[k] += v
	}
	for k, v := range transitionOffset {
		n.transitionCoverage[k] += v
	}
}
