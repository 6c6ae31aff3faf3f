package mutation

import (
	"math/rand"
	"sync"

	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/protocol"
)

// defaultMaxOutputSize is the havoc output cap used when neither a
// plugin manifest nor the engine's HAVOC_MAX_SIZE setting supplies one
// (spec §6 resource cap default).
const defaultMaxOutputSize = 4096

// Config controls mode selection for an Engine (spec §4.2 "Mode selection").
type Config struct {
	Mode                 Mode
	StructureAwareWeight int // 0-100, only consulted when Mode == ModeHybrid
	ByteLevelWeights     map[string]int
	MaxOutputSize        int
}

func (c Config) weights() map[byteMutatorKind]int {
	if len(c.ByteLevelWeights) == 0 {
		return defaultWeights
	}
	out := make(map[byteMutatorKind]int, len(c.ByteLevelWeights))
	for k, v := range c.ByteLevelWeights {
		out[byteMutatorKind(k)] = v
	}
	return out
}

// Engine is the mutation engine for a single session: it owns the data
// model (nil degrades every mode to byte-level) and a corpus accessor for
// splice.
type Engine struct {
	mu      sync.Mutex
	rnd     *rand.Rand
	model   *protocol.DataModel
	cfg     Config
	corpus  func() [][]byte
}

// NewEngine builds an Engine. model may be nil if the plugin declared no
// data_model, in which case the engine always runs byte-level.
func NewEngine(seed int64, model *protocol.DataModel, cfg Config, corpus func() [][]byte) *Engine {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &Engine{
		rnd:    rand.New(rand.NewSource(seed)),
		model:  model,
		cfg:    cfg,
		corpus: corpus,
	}
}

// Mutate implements the mutate(seed, ctx) -> bytes contract of spec §4.2:
// empty input passes through unchanged, output is never empty for
// non-empty input.
func (e *Engine) Mutate(seed []byte, ctx *protocontext.Context) []byte {
	if len(seed) == 0 {
		return seed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	mode := e.cfg.Mode
	if mode == "" {
		mode = ModeByteLevel
	}
	if mode == ModeStructureAware && e.model == nil {
		mode = ModeByteLevel
	}
	if mode == ModeHybrid {
		if e.model == nil {
			mode = ModeByteLevel
		} else if e.rnd.Intn(100) < e.cfg.StructureAwareWeight {
			mode = ModeStructureAware
		} else {
			mode = ModeByteLevel
		}
	}

	if mode == ModeStructureAware {
		if out, ok := structureAwareMutate(e.rnd, e.model, seed); ok && len(out) > 0 {
			return capLen(out, e.cfg.MaxOutputSize)
		}
		// parse failure: degrade to byte-level for this call only.
	}
	return capLen(e.byteLevelMutate(seed), e.cfg.MaxOutputSize)
}

func (e *Engine) byteLevelMutate(seed []byte) []byte {
	var others [][]byte
	if e.corpus != nil {
		others = e.corpus()
	}
	spliceAllowed := len(others) > 0
	kind := chooseWeighted(e.rnd, e.cfg.weights(), spliceAllowed)

	switch kind {
	case mutBitFlip:
		return ensureNonEmpty(bitFlip(e.rnd, seed, 0.01))
	case mutByteFlip:
		return ensureNonEmpty(byteFlip(e.rnd, seed, 0.05))
	case mutArithmetic:
		return ensureNonEmpty(arithmetic(e.rnd, seed))
	case mutInteresting:
		return ensureNonEmpty(interesting(e.rnd, seed))
	case mutSplice:
		if len(others) == 0 {
			return ensureNonEmpty(havoc(e.rnd, seed, e.cfg.MaxOutputSize))
		}
		other := others[e.rnd.Intn(len(others))]
		return ensureNonEmpty(splice(e.rnd, seed, other))
	default:
		return ensureNonEmpty(havoc(e.rnd, seed, e.cfg.MaxOutputSize))
	}
}

func ensureNonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte{0}
	}
	return b
}

func capLen(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}
