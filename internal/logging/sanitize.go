package logging

import "strings"

// Sanitize strips newlines, escape sequences and other control characters
// from caller-supplied strings (handles, terminal types, subjects) so a
// remote user cannot forge log entries or colour the operator's console.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
		case r >= 0x80 && r < 0xa0:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
