package stateful

import (
	"strconv"

	"github.com/google/protofuzz/pkg/protocol"
)

// ResolveCommandValue maps a state_model transition's message_type name to
// the integer command value the data model's command field declares for
// it (spec §4.4 "Seed matching").
func ResolveCommandValue(dm *protocol.DataModel, messageType string) (int64, bool) {
	fld, ok := dm.CommandField()
	if !ok {
		return 0, false
	}
	v, ok := fld.Values[messageType]
	return v, ok
}

// MatchSeed finds the first seed whose parsed command field equals the
// command value for messageType, parsing each seed with dm. Integer
// values recovered from a restored (JSON-roundtripped) context may have
// been stringified, so comparisons normalize through normalizeCommand.
func MatchSeed(dm *protocol.DataModel, seeds [][]byte, messageType string) ([]byte, bool) {
	want, ok := ResolveCommandValue(dm, messageType)
	if !ok {
		return nil, false
	}
	fld, _ := dm.CommandField()
	for _, s := range seeds {
		parsed, err := protocol.Parse(dm, s)
		if err != nil {
			continue
		}
		if got, ok := normalizeCommand(parsed[fld.Name]); ok && got == want {
			return s, true
		}
	}
	return nil, false
}

func normalizeCommand(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
