// Package stateful implements the in-memory protocol state-machine
// navigator used by a running FuzzSession (spec §4.4): it tracks the
// current state, selects the next transition per exploration mode, and
// records state/transition coverage.
package stateful

import "strings"

// Transition is one edge of a state_model's transition table. From may be
// "*" to match any current state.
type Transition struct {
	From        string `yaml:"from" json:"from"`
	To          string `yaml:"to" json:"to"`
	MessageType string `yaml:"message_type,omitempty" json:"message_type,omitempty"`
	Message     string `yaml:"message,omitempty" json:"message,omitempty"`
	Trigger     string `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

// Model is a plugin's state_model section.
type Model struct {
	InitialState string       `yaml:"initial_state" json:"initial_state"`
	States       []string     `yaml:"states" json:"states"`
	Transitions  []Transition `yaml:"transitions" json:"transitions"`
}

var terminalMarkers = []string{"CLOSE", "DISCONNECT", "LOGOUT", "TERMINATE", "END", "EXIT"}

// IsTerminal reports whether state has no outgoing transitions, or its
// name marks it as a terminal state per spec §4.4.
func (m *Model) IsTerminal(state string) bool {
	upper := strings.ToUpper(state)
	for _, marker := range terminalMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return len(m.outgoing(state)) == 0
}

// outgoing returns every transition whose From matches state, including
// wildcard "*" edges.
func (m *Model) outgoing(state string) []Transition {
	var out []Transition
	for _, t := range m.Transitions {
		if t.From == state || t.From == "*" {
			out = append(out, t)
		}
	}
	return out
}
