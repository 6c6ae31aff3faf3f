package protocol

import (
	"sort"

	"github.com/google/protofuzz/pkg/protocontext"
)

// SerializeOptions carries the inputs needed to resolve field values beyond
// the plain FieldMap: context lookups, transform pipelines, and the
// per-model dynamic generator / per-session behavior states.
type SerializeOptions struct {
	Context    *protocontext.Context
	Generator  *Generator
	Behaviors  map[string]*BehaviorState // keyed by field name
}

// Serialize runs the two-pass auto-fix algorithm from spec §4.1:
// 1) resolve every field's value, 2) auto-fix is_size_field values,
// 3) emit bytes with bit packing, 4) recompute and patch is_checksum
// fields over their declared scope.
func Serialize(model *DataModel, overrides FieldMap, opts SerializeOptions) ([]byte, error) {
	resolved, err := resolveValues(model, overrides, opts)
	if err != nil {
		return nil, err
	}
	if err := autoFixSizes(model, resolved); err != nil {
		return nil, err
	}
	buf, offsets, err := emit(model, resolved)
	if err != nil {
		return nil, err
	}
	return applyChecksums(model, resolved, buf, offsets)
}

// resolveValues picks, for each field, the first available source in order:
// explicit override, from_context (through its transform pipeline),
// generate, default. Missing required context -> SerializationError.
func resolveValues(model *DataModel, overrides FieldMap, opts SerializeOptions) (FieldMap, error) {
	out := FieldMap{}
	for _, blk := range model.Blocks {
		if v, ok := overrides[blk.Name]; ok {
			out[blk.Name] = v
			continue
		}
		if blk.FromContext != "" {
			if opts.Context == nil || !opts.Context.Has(blk.FromContext) {
				keys := []string{}
				if opts.Context != nil {
					keys = opts.Context.Keys()
				}
				sort.Strings(keys)
				return nil, serializationErr("missing context value", map[string]any{
					"field": blk.Name, "key": blk.FromContext, "available_keys": keys,
				})
			}
			raw := opts.Context.Get(blk.FromContext)
			out[blk.Name] = applyTransforms(toInt64(raw), blk.Transform)
			continue
		}
		if blk.Behavior != nil && opts.Behaviors != nil {
			if st, ok := opts.Behaviors[blk.Name]; ok {
				out[blk.Name] = st.Next()
				continue
			}
		}
		if blk.Generate != nil && opts.Generator != nil {
			v, err := opts.Generator.value(blk.Generate)
			if err != nil {
				return nil, err
			}
			out[blk.Name] = v
			continue
		}
		if blk.IsSizeField || blk.IsChecksum {
			out[blk.Name] = int64(0) // patched by auto-fix / checksum passes
			continue
		}
		out[blk.Name] = blk.Default
	}
	return out, nil
}

// autoFixSizes computes, for each is_size_field, the total serialized
// bit-length of its size_of targets and stores it (converted via
// size_unit) into the size field.
func autoFixSizes(model *DataModel, values FieldMap) error {
	for _, blk := range model.Blocks {
		if !blk.IsSizeField {
			continue
		}
		var totalBits int
		for _, target := range blk.SizeOf {
			tb, ok := model.FieldByName(target)
			if !ok {
				return serializationErr("size_of target not found", map[string]any{"field": blk.Name, "target": target})
			}
			totalBits += fieldBitLen(tb, values[target])
		}
		bytesLen := (totalBits + 7) / 8
		values[blk.Name] = bytesToSizeValue(bytesLen, blk.sizeUnit())
	}
	return nil
}

func fieldBitLen(b *Block, v any) int {
	switch {
	case b.Type == TypeBits:
		return b.Size
	case b.Type.IsInteger():
		return b.Type.BitWidth()
	case b.Type == TypeBytes:
		if raw, ok := v.([]byte); ok {
			return len(raw) * 8
		}
		return 0
	case b.Type == TypeString:
		if s, ok := v.(string); ok {
			return len(s) * 8
		}
		return 0
	}
	return 0
}

type fieldOffset struct {
	name      string
	byteStart int
	byteLen   int
}

// emit packs values into bytes per declared bit widths/orders, flushing at
// byte boundaries for byte-aligned fields. Checksum fields are emitted as
// zeroed placeholders of their algorithm's width, per checksumWidthBits
// (patched in applyChecksums).
func emit(model *DataModel, values FieldMap) ([]byte, []fieldOffset, error) {
	w := &bitWriter{}
	var offsets []fieldOffset
	for _, blk := range model.Blocks {
		startBits := w.bitLen()
		if blk.IsChecksum {
			width := checksumWidthBits(blk.Algorithm)
			w.writeBits(0, width, MSBFirst)
		} else {
			if err := emitField(w, &blk, values[blk.Name]); err != nil {
				return nil, nil, err
			}
		}
		endBits := w.bitLen()
		offsets = append(offsets, fieldOffset{
			name:      blk.Name,
			byteStart: startBits / 8,
			byteLen:   (endBits - startBits) / 8,
		})
	}
	return w.bytes(), offsets, nil
}

func checksumWidthBits(algo ChecksumAlgorithm) int {
	switch algo {
	case ChecksumSum8, ChecksumXor:
		return 8
	case ChecksumSum, ChecksumSum16:
		return 16
	case ChecksumAdler32, ChecksumCRC32:
		return 32
	default:
		return 16
	}
}

func emitField(w *bitWriter, blk *Block, v any) error {
	switch {
	case blk.Type == TypeBits:
		masked, err := maskToWidth(toInt64(v), blk.Size)
		if err != nil {
			return err
		}
		writeBitsField(w, uint64(masked), blk.Size, blk.BitOrder, blk.Endian)
	case blk.Type.IsInteger():
		masked, err := maskToWidth(toInt64(v), blk.Type.BitWidth())
		if err != nil {
			return err
		}
		w.writeBytes(encodeInt(blk.Type, masked, blk.Endian))
	case blk.Type == TypeBytes:
		raw, _ := v.([]byte)
		w.writeBytes(raw)
	case blk.Type == TypeString:
		s, _ := v.(string)
		w.writeBytes([]byte(s))
	}
	return nil
}

// maskToWidth masks an integer value to its declared bit width, per spec
// §4.1 FieldValidationError: "value exceeds declared bit width -> masked".
func maskToWidth(v int64, width int) (int64, error) {
	if width <= 0 || width >= 64 {
		return v, nil
	}
	mask := int64(1)<<uint(width) - 1
	if v&^mask != 0 && v > 0 {
		return v & mask, fieldValidationErr("value exceeds declared bit width", map[string]any{
			"value": v, "width": width,
		})
	}
	return v & mask, nil
}

func writeBitsField(w *bitWriter, v uint64, size int, order BitOrder, endian Endian) {
	if order == "" {
		order = MSBFirst
	}
	if size <= 8 {
		w.writeBits(v, size, order)
		return
	}
	nBytes := (size + 7) / 8
	bytesOut := make([]byte, nBytes)
	for i := nBytes - 1; i >= 0; i-- {
		bytesOut[i] = byte(v)
		v >>= 8
	}
	if endian == LittleEndian {
		for i, j := 0, len(bytesOut)-1; i < j; i, j = i+1, j-1 {
			bytesOut[i], bytesOut[j] = bytesOut[j], bytesOut[i]
		}
	}
	remaining := size
	for _, b := range bytesOut {
		chunk := remaining
		if chunk > 8 {
			chunk = 8
		}
		w.writeBits(uint64(b)>>(uint(8-chunk)), chunk, order)
		remaining -= chunk
	}
}

// applyChecksums zeroes checksum fields (already zero from emit), computes
// each over its configured scope, and patches the final bytes in place.
func applyChecksums(model *DataModel, values FieldMap, buf []byte, offsets []fieldOffset) ([]byte, error) {
	hasChecksum := false
	for _, blk := range model.Blocks {
		if blk.IsChecksum {
			hasChecksum = true
			break
		}
	}
	if !hasChecksum {
		return buf, nil
	}
	var payload []byte
	if pf, ok := model.FieldByName("payload"); ok {
		for _, off := range offsets {
			if off.name == pf.Name {
				payload = buf[off.byteStart : off.byteStart+off.byteLen]
			}
		}
	}
	out := append([]byte(nil), buf...)
	for bi, blk := range model.Blocks {
		if !blk.IsChecksum {
			continue
		}
		off := offsets[bi]
		scoped := checksumScopeBytes(blk.Scope, buf, off.byteStart, off.byteLen, payload)
		sum, err := computeChecksum(blk.Algorithm, scoped)
		if err != nil {
			return nil, err
		}
		width := checksumWidthBits(blk.Algorithm)
		patched := encodeChecksumBytes(sum, width, off.byteLen, blk.Endian)
		copy(out[off.byteStart:off.byteStart+off.byteLen], patched)
	}
	return out, nil
}

func encodeChecksumBytes(sum uint64, widthBits, byteLen int, endian Endian) []byte {
	_ = widthBits
	buf := make([]byte, byteLen)
	for i := byteLen - 1; i >= 0; i-- {
		buf[i] = byte(sum)
		sum >>= 8
	}
	if endian == LittleEndian {
		for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}
	return buf
}
