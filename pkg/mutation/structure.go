package mutation

import (
	"math/rand"

	"github.com/google/protofuzz/pkg/protocol"
)

// structStrategy is a tagged variant of the structure-aware strategies
// enumerated in spec §4.2 step 3.
type structStrategy string

const (
	stratBitFlipField      structStrategy = "bit_flip_field"
	stratBoundaryValues    structStrategy = "boundary_values"
	stratInterestingValues structStrategy = "interesting_values"
	stratArithmetic        structStrategy = "arithmetic"
	stratRandomValue       structStrategy = "random_value"
	stratLengthOverflow    structStrategy = "length_overflow"
	stratLengthUnderflow   structStrategy = "length_underflow"
)

var allStrategies = []structStrategy{
	stratBitFlipField, stratBoundaryValues, stratInterestingValues,
	stratArithmetic, stratRandomValue, stratLengthOverflow, stratLengthUnderflow,
}

// structureAwareMutate parses seed, mutates one mutable field, and
// re-serializes; the caller is expected to fall back to byte-level
// mutation when parsing fails (spec §4.2 "Structure-aware mutator" step 1).
func structureAwareMutate(rnd *rand.Rand, model *protocol.DataModel, seed []byte) ([]byte, bool) {
	parsed, err := protocol.Parse(model, seed)
	if err != nil {
		return nil, false
	}
	mutableIdx := mutableBlockIndexes(model)
	if len(mutableIdx) == 0 {
		return nil, false
	}
	idx := mutableIdx[rnd.Intn(len(mutableIdx))]
	blk := &model.Blocks[idx]

	strategy := pickStrategy(rnd, blk)
	mutateFieldInPlace(rnd, blk, parsed, strategy)

	out, err := protocol.Serialize(model, parsed, protocol.SerializeOptions{})
	if err != nil {
		return nil, false
	}
	return out, true
}

func mutableBlockIndexes(model *protocol.DataModel) []int {
	var idx []int
	for i := range model.Blocks {
		if model.Blocks[i].IsMutable() && !model.Blocks[i].IsSizeField && !model.Blocks[i].IsChecksum {
			idx = append(idx, i)
		}
	}
	return idx
}

// pickStrategy narrows the candidate strategy list to ones that make sense
// for the field's type, matching spec §4.2's "Strategies are type-aware".
func pickStrategy(rnd *rand.Rand, blk *protocol.Block) structStrategy {
	var candidates []structStrategy
	isIntLike := blk.Type == protocol.TypeBits || blk.Type.IsInteger()
	for _, s := range allStrategies {
		switch s {
		case stratLengthOverflow, stratLengthUnderflow:
			if blk.Type == protocol.TypeBytes || blk.Type == protocol.TypeString {
				candidates = append(candidates, s)
			}
		case stratBitFlipField, stratArithmetic:
			if isIntLike {
				candidates = append(candidates, s)
			}
		default:
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return stratRandomValue
	}
	return candidates[rnd.Intn(len(candidates))]
}

func mutateFieldInPlace(rnd *rand.Rand, blk *protocol.Block, parsed protocol.FieldMap, strategy structStrategy) {
	isIntLike := blk.Type == protocol.TypeBits || blk.Type.IsInteger()
	switch strategy {
	case stratBitFlipField:
		if isIntLike {
			width := fieldWidth(blk)
			v := toInt64(parsed[blk.Name])
			bit := rnd.Intn(width)
			parsed[blk.Name] = clampToWidth(v^(1<<uint(bit)), width)
		}
	case stratBoundaryValues, stratInterestingValues:
		if isIntLike {
			width := fieldWidth(blk)
			val := interestingValues[rnd.Intn(len(interestingValues))]
			parsed[blk.Name] = clampToWidth(val, width)
		} else {
			mutateBytesLike(rnd, blk, parsed, 0)
		}
	case stratArithmetic:
		if isIntLike {
			width := fieldWidth(blk)
			delta := int64(rnd.Intn(257) - 128) // [-128, 128]
			parsed[blk.Name] = clampToWidth(toInt64(parsed[blk.Name])+delta, width)
		}
	case stratRandomValue:
		if isIntLike {
			width := fieldWidth(blk)
			parsed[blk.Name] = clampToWidth(rnd.Int63(), width)
		} else {
			mutateBytesLike(rnd, blk, parsed, 0)
		}
	case stratLengthOverflow:
		growBytesLike(rnd, blk, parsed, true)
	case stratLengthUnderflow:
		growBytesLike(rnd, blk, parsed, false)
	}
}

func fieldWidth(blk *protocol.Block) int {
	if blk.Type == protocol.TypeBits {
		return blk.Size
	}
	return blk.Type.BitWidth()
}

func clampToWidth(v int64, width int) int64 {
	if width <= 0 || width >= 64 {
		return v
	}
	mask := int64(1)<<uint(width) - 1
	return v & mask
}

func mutateBytesLike(rnd *rand.Rand, blk *protocol.Block, parsed protocol.FieldMap, _ int) {
	if blk.Type == protocol.TypeString {
		s, _ := parsed[blk.Name].(string)
		parsed[blk.Name] = string(byteFlip(rnd, []byte(s), 0.2))
		return
	}
	raw, _ := parsed[blk.Name].([]byte)
	parsed[blk.Name] = byteFlip(rnd, raw, 0.2)
}

// growBytesLike resizes a bytes/string field toward (overflow) or away
// from (underflow) its declared max_size.
func growBytesLike(rnd *rand.Rand, blk *protocol.Block, parsed protocol.FieldMap, overflow bool) {
	limit := blk.MaxSize
	if limit == 0 {
		limit = 256
	}
	var newLen int
	if overflow {
		newLen = limit + 1 + rnd.Intn(limit+1)
	} else {
		newLen = rnd.Intn(2) // 0 or 1 byte
	}
	if blk.Type == protocol.TypeString {
		parsed[blk.Name] = string(randBytes(rnd, newLen))
		return
	}
	parsed[blk.Name] = randBytes(rnd, newLen)
}

func randBytes(rnd *rand.Rand, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(rnd.Intn(256))
	}
	return out
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	}
	return 0
}
