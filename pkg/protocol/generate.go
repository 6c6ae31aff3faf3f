package protocol

import (
	"crypto/rand"
	"time"
)

// Generator produces dynamic Block.Generate values. Sequence is stateful
// per data model instance (one counter per plugin, shared across tests);
// everything else is pure.
type Generator struct {
	seq int64
}

func NewGenerator() *Generator { return &Generator{} }

func (g *Generator) value(spec *GenerateSpec) (any, error) {
	switch spec.Kind {
	case "unix_timestamp":
		return int64(time.Now().Unix()), nil
	case "sequence":
		g.seq++
		return g.seq, nil
	case "random_bytes":
		buf := make([]byte, spec.N)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		return buf, nil
	default:
		return nil, serializationErr("unknown generator kind", map[string]any{"kind": spec.Kind})
	}
}

// BehaviorState tracks one Block.Behavior's running value across a session.
type BehaviorState struct {
	current int64
	spec    BehaviorSpec
	started bool
}

func NewBehaviorState(spec BehaviorSpec) *BehaviorState {
	return &BehaviorState{spec: spec}
}

// Next advances and returns the field's value for the next message,
// applying the configured wrap bound if set.
func (s *BehaviorState) Next() int64 {
	if !s.started {
		s.current = s.spec.Initial
		s.started = true
		return s.current
	}
	switch s.spec.Operation {
	case BehaviorIncrement:
		s.current++
	case BehaviorAddConstant:
		s.current += s.spec.Step
	}
	if s.spec.Wrap > 0 {
		s.current = int64(uint64(s.current) % s.spec.Wrap)
	}
	return s.current
}
