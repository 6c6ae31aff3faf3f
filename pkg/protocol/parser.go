package protocol

import (
	"encoding/binary"
	"math"
)

// Parse converts raw bytes into a FieldMap per model, tracking a bit
// offset (not byte offset) so bit-packed fields can be interleaved with
// byte-aligned ones (spec §4.1 "Parsing"). Enum `values` are not enforced.
func Parse(model *DataModel, data []byte) (FieldMap, error) {
	r := newBitReader(data)
	out := FieldMap{}

	for i, blk := range model.Blocks {
		switch {
		case blk.Type == TypeBits:
			v, err := readBitsField(r, blk.Size, blk.BitOrder, blk.Endian)
			if err != nil {
				return nil, parseErr("truncated bits field", map[string]any{"field": blk.Name})
			}
			out[blk.Name] = int64(v)

		case blk.Type.IsInteger():
			r.alignToByte()
			width := blk.Type.BitWidth() / 8
			raw, err := r.readBytes(width)
			if err != nil {
				return nil, parseErr("truncated integer field", map[string]any{"field": blk.Name})
			}
			out[blk.Name] = decodeInt(blk.Type, raw, blk.Endian)

		case blk.Type == TypeBytes || blk.Type == TypeString:
			n, err := variableFieldLen(model, &blk, out, r, i)
			if err != nil {
				return nil, err
			}
			raw, err := r.readBytes(n)
			if err != nil {
				return nil, parseErr("truncated variable field", map[string]any{"field": blk.Name})
			}
			if blk.Type == TypeString {
				out[blk.Name] = string(raw)
			} else {
				out[blk.Name] = raw
			}
		}
	}
	return out, nil
}

// variableFieldLen resolves the byte count for a bytes/string field: the
// linked is_size_field's already-parsed value converted via size_unit, or
// (with no linked size field) the declared fixed size, or (for the last
// field with neither) the remainder of buf.
func variableFieldLen(model *DataModel, blk *Block, parsed FieldMap, r *bitReader, idx int) (int, error) {
	sizeField := findSizeField(model, blk.Name)
	if sizeField == nil {
		if blk.Size > 0 {
			return blk.Size, nil
		}
		if idx != len(model.Blocks)-1 {
			return 0, parseErr("variable field without size_of must be last", map[string]any{"field": blk.Name})
		}
		r.alignToByte()
		return (r.bitsLeft()) / 8, nil
	}
	raw, ok := parsed[sizeField.Name]
	if !ok {
		return 0, parseErr("size field not yet parsed", map[string]any{"field": blk.Name, "size_field": sizeField.Name})
	}
	return sizeValueToBytes(toInt64(raw), sizeField.sizeUnit()), nil
}

func findSizeField(model *DataModel, fieldName string) *Block {
	for i := range model.Blocks {
		b := &model.Blocks[i]
		if !b.IsSizeField {
			continue
		}
		for _, n := range b.SizeOf {
			if n == fieldName {
				return b
			}
		}
	}
	return nil
}

func sizeValueToBytes(v int64, unit SizeUnit) int {
	switch unit {
	case UnitBits:
		return int(math.Ceil(float64(v) / 8))
	case UnitWords:
		return int(v) * 4
	case UnitDwords:
		return int(v) * 2
	default:
		return int(v)
	}
}

func bytesToSizeValue(n int, unit SizeUnit) int64 {
	switch unit {
	case UnitBits:
		return int64(n) * 8
	case UnitWords:
		return int64(math.Ceil(float64(n) / 4))
	case UnitDwords:
		return int64(math.Ceil(float64(n) / 2))
	default:
		return int64(n)
	}
}

func decodeInt(t FieldType, raw []byte, endian Endian) int64 {
	var order binary.ByteOrder = binary.BigEndian
	if endian == LittleEndian {
		order = binary.LittleEndian
	}
	if t.IsSigned() {
		switch t.BitWidth() {
		case 8:
			return int64(int8(raw[0]))
		case 16:
			return int64(int16(order.Uint16(raw)))
		case 32:
			return int64(int32(order.Uint32(raw)))
		case 64:
			return int64(order.Uint64(raw))
		}
		return 0
	}
	switch t.BitWidth() {
	case 8:
		return int64(raw[0])
	case 16:
		return int64(order.Uint16(raw))
	case 32:
		return int64(order.Uint32(raw))
	case 64:
		return int64(order.Uint64(raw))
	}
	return 0
}

func encodeInt(t FieldType, v int64, endian Endian) []byte {
	var order binary.ByteOrder = binary.BigEndian
	if endian == LittleEndian {
		order = binary.LittleEndian
	}
	buf := make([]byte, t.BitWidth()/8)
	switch t.BitWidth() {
	case 8:
		buf[0] = byte(v)
	case 16:
		order.PutUint16(buf, uint16(v))
	case 32:
		order.PutUint32(buf, uint32(v))
	case 64:
		order.PutUint64(buf, uint64(v))
	}
	return buf
}

// readBitsField reads a `bits` field of the given size, honoring bit_order
// within each byte and, for multi-byte fields, endian across byte groups.
func readBitsField(r *bitReader, size int, order BitOrder, endian Endian) (uint64, error) {
	if order == "" {
		order = MSBFirst
	}
	if size <= 8 {
		return r.readBits(size, order)
	}
	nBytes := (size + 7) / 8
	bytesRead := make([]byte, 0, nBytes)
	remaining := size
	for remaining > 0 {
		chunk := remaining
		if chunk > 8 {
			chunk = 8
		}
		v, err := r.readBits(chunk, order)
		if err != nil {
			return 0, err
		}
		bytesRead = append(bytesRead, byte(v<<(uint(8-chunk))))
		remaining -= chunk
	}
	if endian == LittleEndian {
		for i, j := 0, len(bytesRead)-1; i < j; i, j = i+1, j-1 {
			bytesRead[i], bytesRead[j] = bytesRead[j], bytesRead[i]
		}
	}
	var out uint64
	for _, b := range bytesRead {
		out = (out << 8) | uint64(b)
	}
	return out, nil
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	}
	return 0
}
