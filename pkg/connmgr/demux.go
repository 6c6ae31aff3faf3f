package connmgr

// DemuxStrategy selects how SendWithLock decides whether a received
// message is the reply to the just-sent request (spec §4.6
// "Demultiplexing").
type DemuxStrategy string

const (
	DemuxSequential DemuxStrategy = "sequential"
	DemuxTagged     DemuxStrategy = "tagged"
	DemuxTypeBased  DemuxStrategy = "type_based"
)

// Matcher reports whether a received payload is the expected reply. The
// sequential strategy accepts the first reply unconditionally; tagged and
// type_based strategies are driven by a caller-supplied Matcher because
// only the protocol layer can parse the correlation field or response
// type out of raw bytes.
type Matcher func(resp []byte) bool

func alwaysMatch(resp []byte) bool { return true }
