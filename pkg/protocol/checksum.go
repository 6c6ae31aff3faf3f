package protocol

import (
	"hash/adler32"
	"hash/crc32"

	"github.com/google/protofuzz/pkg/ferrors"
)

// computeChecksum applies the tagged-variant checksum algorithm table
// (spec §9 "Dynamic dispatch") rather than a switch spread across callers.
func computeChecksum(algo ChecksumAlgorithm, data []byte) (uint64, error) {
	switch algo {
	case ChecksumCRC32:
		return uint64(crc32.ChecksumIEEE(data)), nil
	case ChecksumAdler32:
		return uint64(adler32.Checksum(data)), nil
	case ChecksumSum, ChecksumSum16:
		var sum uint32
		for _, b := range data {
			sum += uint32(b)
		}
		return uint64(sum) & 0xFFFF, nil
	case ChecksumSum8:
		var sum byte
		for _, b := range data {
			sum += b
		}
		return uint64(sum), nil
	case ChecksumXor:
		var x byte
		for _, b := range data {
			x ^= b
		}
		return uint64(x), nil
	default:
		return 0, ferrors.New(ferrors.KindFieldValidation, "unknown checksum algorithm", map[string]any{
			"algorithm": string(algo),
		})
	}
}

// checksumScopeBytes slices full (the complete serialized buffer, with the
// checksum field's own bytes still present as zero placeholders) according
// to scope. before/after are relative to the checksum field's byte offset;
// header covers the same bytes as before; payload is the "payload" block's
// bytes passed in by the caller; all is every byte except the checksum
// field's own.
func checksumScopeBytes(scope ChecksumScope, full []byte, checksumOffset, checksumLen int,
	payload []byte) []byte {
	switch scope {
	case ScopeBefore:
		return full[:checksumOffset]
	case ScopeAfter:
		return full[checksumOffset+checksumLen:]
	case ScopePayload:
		return payload
	case ScopeHeader:
		return full[:checksumOffset]
	case ScopeAll:
		fallthrough
	default:
		out := make([]byte, 0, len(full)-checksumLen)
		out = append(out, full[:checksumOffset]...)
		out = append(out, full[checksumOffset+checksumLen:]...)
		return out
	}
}
