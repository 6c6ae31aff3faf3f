package plog

import (
	"bytes"
	"fmt"
)

// Truncate leaves up to `begin` bytes at the beginning of buf and up to
// `end` bytes at the end of it. Used to build response_preview fields that
// never grow unbounded in an execution record.
func Truncate(buf []byte, begin, end int) []byte {
	if begin+end >= len(buf) {
		return buf
	}
	var b bytes.Buffer
	b.Write(buf[:begin])
	if begin > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "<<cut %d bytes out>>",
		len(buf)-begin-end,
	)
	if end > 0 {
		b.WriteString("\n\n")
	}
	b.Write(buf[len(buf)-end:])
	return b.Bytes()
}
