// Package mutation implements the byte-level and structure-aware mutators
// of spec §4.2: mutate(seed, ctx) -> mutated bytes, guaranteed non-empty
// for non-empty input.
package mutation

import "math/rand"

// Mode selects which mutator family is used for a given test.
type Mode string

const (
	ModeByteLevel      Mode = "byte_level"
	ModeStructureAware Mode = "structure_aware"
	ModeHybrid         Mode = "hybrid"
)

// byteMutatorKind is a tagged variant for the byte-level mutator table
// (spec §9 "Dynamic dispatch": enumerated kinds with a handler table).
type byteMutatorKind string

const (
	mutBitFlip      byteMutatorKind = "bitflip"
	mutByteFlip     byteMutatorKind = "byteflip"
	mutArithmetic   byteMutatorKind = "arithmetic"
	mutInteresting  byteMutatorKind = "interesting"
	mutHavoc        byteMutatorKind = "havoc"
	mutSplice       byteMutatorKind = "splice"
)

// defaultWeights are the byte-level mutator selection weights (spec §4.2
// "Mode selection").
var defaultWeights = map[byteMutatorKind]int{
	mutBitFlip:     10,
	mutByteFlip:    10,
	mutArithmetic:  15,
	mutInteresting: 15,
	mutHavoc:       30,
	mutSplice:      20,
}

func chooseWeighted(rnd *rand.Rand, weights map[byteMutatorKind]int, spliceAllowed bool) byteMutatorKind {
	total := 0
	kinds := make([]byteMutatorKind, 0, len(weights))
	for k, w := range weights {
		if k == mutSplice && !spliceAllowed {
			continue
		}
		total += w
		kinds = append(kinds, k)
	}
	if total == 0 {
		return mutHavoc
	}
	n := rnd.Intn(total)
	for _, k := range kinds {
		n -= weights[k]
		if n < 0 {
			return k
		}
	}
	return kinds[len(kinds)-1]
}
