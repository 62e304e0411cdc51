package logger

import (
	"fmt"
	"strings"
)

// Sanitize makes a client-supplied string safe to embed in a log line.
// Control characters are escaped so a hostile work key or source path
// cannot fake log entries or drive the terminal; printable text,
// including non-ASCII, passes through untouched.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
