package ui

import (
	"strings"

	"github.com/rivo/uniseg"

	"github.com/tehmaze/x84/internal/termcap"
)

// Width is the number of cells s occupies once pipe codes are removed.
func Width(s string) int {
	return uniseg.StringWidth(termcap.StripPipe(s))
}

// Wrap breaks text into lines no wider than width, at spaces where
// possible. Pipe codes are carried along and take no room.
func Wrap(text string, width int) []string {
	if width < 1 {
		width = 1
	}
	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		para = strings.TrimRight(para, "\r")
		if strings.TrimSpace(termcap.StripPipe(para)) == "" {
			out = append(out, "")
			continue
		}
		var line strings.Builder
		lineWidth := 0
		for _, word := range strings.Fields(para) {
			w := Width(word)
			switch {
			case lineWidth == 0:
			case lineWidth+1+w <= width:
				line.WriteByte(' ')
				lineWidth++
			default:
				out = append(out, line.String())
				line.Reset()
				lineWidth = 0
			}
			for w > width-lineWidth && lineWidth+w > width {
				head, rest := splitWidth(word, width-lineWidth)
				if head == "" {
					break
				}
				line.WriteString(head)
				out = append(out, line.String())
				line.Reset()
				lineWidth = 0
				word, w = rest, Width(rest)
			}
			line.WriteString(word)
			lineWidth += w
		}
		out = append(out, line.String())
	}
	return out
}

// splitWidth cuts s after at most n cells, on a grapheme boundary.
func splitWidth(s string, n int) (string, string) {
	g := uniseg.NewGraphemes(s)
	used := 0
	for g.Next() {
		w := g.Width()
		if used+w > n {
			start, _ := g.Positions()
			return s[:start], s[start:]
		}
		used += w
	}
	return s, ""
}

// Pad left-aligns s in width cells, truncating if needed.
func Pad(s string, width int) string {
	w := Width(s)
	if w > width {
		head, _ := splitWidth(termcap.StripPipe(s), width)
		return head + strings.Repeat(" ", width-uniseg.StringWidth(head))
	}
	return s + strings.Repeat(" ", width-w)
}

// Center centers s in width cells.
func Center(s string, width int) string {
	w := Width(s)
	if w >= width {
		return Pad(s, width)
	}
	left := (width - w) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-w-left)
}
