package ui

import (
	"strings"
	"unicode"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/uniseg"
)

// LineEditor reads one line of input with echo, backspace and an optional
// mask for passwords.
type LineEditor struct {
	// Width limits the value to this many cells.
	Width int
	// Mask is echoed instead of the typed character when non-zero.
	Mask rune
	// Value is the initial content.
	Value string
}

// Read edits until Enter, returning the value, or ErrCancelled on Escape.
func (e *LineEditor) Read(t Terminal) (string, error) {
	value := e.Value
	if value != "" {
		t.Print(e.echo(value))
	}
	for {
		k, err := ReadKey(t)
		if err != nil {
			return "", err
		}
		switch {
		case k.Is(tcell.KeyEnter):
			return value, nil
		case k.Is(tcell.KeyEscape):
			return "", ErrCancelled
		case k.Is(tcell.KeyBackspace2, tcell.KeyDelete):
			var removed string
			value, removed = dropLast(value)
			if removed != "" {
				n := uniseg.StringWidth(e.echo(removed))
				t.Print(strings.Repeat("\b", n) + strings.Repeat(" ", n) + strings.Repeat("\b", n))
			}
		case k.Is(tcell.KeyCtrlU):
			if n := uniseg.StringWidth(e.echo(value)); n > 0 {
				t.Print(strings.Repeat("\b", n) + strings.Repeat(" ", n) + strings.Repeat("\b", n))
			}
			value = ""
		case k.Code == tcell.KeyRune && unicode.IsPrint(k.Rune):
			next := value + string(k.Rune)
			if e.Width > 0 && uniseg.StringWidth(next) > e.Width {
				t.Print("\a")
				continue
			}
			value = next
			t.Print(e.echo(string(k.Rune)))
		}
	}
}

func (e *LineEditor) echo(s string) string {
	if e.Mask == 0 {
		return s
	}
	return strings.Repeat(string(e.Mask), uniseg.GraphemeClusterCount(s))
}

// dropLast removes the final grapheme cluster of s.
func dropLast(s string) (string, string) {
	if s == "" {
		return "", ""
	}
	g := uniseg.NewGraphemes(s)
	last := 0
	for g.Next() {
		last, _ = g.Positions()
	}
	return s[:last], s[last:]
}
