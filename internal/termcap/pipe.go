package termcap

import "strings"

// DecodePipe expands pipe codes in s into attribute sequences for caps:
//
//	|00-|07  foreground color
//	|08-|15  bright foreground color
//	|16-|23  background color
//	||       a literal '|'
//
// Any other '|' is copied through unchanged, so malformed codes render as
// text instead of swallowing what follows.
func DecodePipe(s string, caps *Caps) string {
	if strings.IndexByte(s, '|') < 0 {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '|' {
			sb.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '|' {
			sb.WriteByte('|')
			i++
			continue
		}
		if n, ok := pipeCode(s[i+1:]); ok {
			switch {
			case n < 16:
				sb.WriteString(caps.Fg(n))
			default:
				sb.WriteString(caps.Bg(n - 16))
			}
			i += 2
			continue
		}
		sb.WriteByte('|')
	}
	return sb.String()
}

func pipeCode(s string) (int, bool) {
	if len(s) < 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	n := int(s[0]-'0')*10 + int(s[1]-'0')
	return n, n <= 23
}

// EscapePipe doubles every '|' so DecodePipe yields s unchanged.
func EscapePipe(s string) string {
	return strings.ReplaceAll(s, "|", "||")
}

// StripPipe removes pipe codes, leaving the visible text.
func StripPipe(s string) string {
	if strings.IndexByte(s, '|') < 0 {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			if i+1 < len(s) && s[i+1] == '|' {
				sb.WriteByte('|')
				i++
				continue
			}
			if _, ok := pipeCode(s[i+1:]); ok {
				i += 2
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
