package protocol

import "github.com/google/protofuzz/pkg/plog"

// applyTransforms runs a from_context value through its declared pipeline,
// in declared order (spec §4.1 "Transforms").
func applyTransforms(v int64, ops []TransformOp) int64 {
	for _, op := range ops {
		v = applyTransform(v, op)
	}
	return v
}

// ApplyTransforms exposes applyTransforms for callers outside this
// package, e.g. the stage runner's `exports` transform pipeline (spec
// §4.7 step 6).
func ApplyTransforms(v int64, ops []TransformOp) int64 {
	return applyTransforms(v, ops)
}

func applyTransform(v int64, op TransformOp) int64 {
	switch op.Op {
	case "and_mask":
		return v & op.Operand
	case "or_mask":
		return v | op.Operand
	case "xor":
		return v ^ op.Operand
	case "shift_left":
		return v << uint(op.Operand)
	case "shift_right":
		return v >> uint(op.Operand)
	case "add_constant":
		return v + op.Operand
	case "subtract_constant":
		return v - op.Operand
	case "modulo":
		if op.Operand == 0 {
			return v
		}
		return v % op.Operand
	case "invert":
		width := op.BitWidth
		if width == 0 {
			// Open Question (spec §9): legacy plugins omit bit_width; we
			// warn and infer width from the value's magnitude.
			plog.Logf(0, "protocol: invert transform missing bit_width, inferring from value %d", v)
			width = inferBitWidth(v)
		}
		mask := int64(1)<<uint(width) - 1
		return v ^ mask
	default:
		return v
	}
}

func inferBitWidth(v int64) int {
	switch {
	case v >= 0 && v <= 0xFF:
		return 8
	case v >= 0 && v <= 0xFFFF:
		return 16
	default:
		return 32
	}
}
