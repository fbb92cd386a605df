// Package ui has the interactive widgets built-in scripts are made of: a
// key decoder, a line editor, a scrolling pager and a two-choice lightbar.
// Widgets render to strings so they can be tested without a terminal.
package ui

import (
	"errors"
	"time"

	"github.com/gdamore/tcell/v2"
)

// EscapeDelay is how long a lone ESC waits for the rest of a sequence.
const EscapeDelay = 50 * time.Millisecond

// ErrCancelled is returned when the caller escapes out of a widget.
var ErrCancelled = errors.New("cancelled")

// Input is the keyboard side of a session.
type Input interface {
	ReadRune(timeout time.Duration) (rune, error)
}

// Terminal is what widgets read from and draw to.
type Terminal interface {
	Input
	Print(s string) error
}

// Key is one decoded keystroke. Code is tcell.KeyRune for printable input.
type Key struct {
	Code tcell.Key
	Rune rune
}

func (k Key) IsRune(r ...rune) bool {
	if k.Code != tcell.KeyRune {
		return false
	}
	for _, x := range r {
		if k.Rune == x {
			return true
		}
	}
	return false
}

// Is reports whether k has any of codes.
func (k Key) Is(codes ...tcell.Key) bool {
	for _, c := range codes {
		if k.Code == c {
			return true
		}
	}
	return false
}

var csiFinal = map[string]tcell.Key{
	"A": tcell.KeyUp, "B": tcell.KeyDown, "C": tcell.KeyRight, "D": tcell.KeyLeft,
	"H": tcell.KeyHome, "F": tcell.KeyEnd, "K": tcell.KeyEnd,
	"1~": tcell.KeyHome, "7~": tcell.KeyHome,
	"4~": tcell.KeyEnd, "8~": tcell.KeyEnd,
	"2~": tcell.KeyInsert, "3~": tcell.KeyDelete,
	"5~": tcell.KeyPgUp, "6~": tcell.KeyPgDn,
}

// ReadKey reads one keystroke, folding ANSI and VT cursor sequences into
// key codes. An unrecognised sequence is returned as tcell.KeyNUL.
func ReadKey(in Input) (Key, error) {
	r, err := in.ReadRune(0)
	if err != nil {
		return Key{}, err
	}
	switch r {
	case '\r', '\n':
		return Key{Code: tcell.KeyEnter}, nil
	case 0x08, 0x7f:
		return Key{Code: tcell.KeyBackspace2}, nil
	case '\t':
		return Key{Code: tcell.KeyTab}, nil
	case 0x1b:
		return readEscape(in)
	}
	if r >= 0x01 && r <= 0x1a {
		return Key{Code: tcell.KeyCtrlA + tcell.Key(r-1)}, nil
	}
	if r < 0x20 {
		return Key{Code: tcell.KeyNUL}, nil
	}
	return Key{Code: tcell.KeyRune, Rune: r}, nil
}

func readEscape(in Input) (Key, error) {
	r, err := in.ReadRune(EscapeDelay)
	if err != nil {
		if isTimeout(err) {
			return Key{Code: tcell.KeyEscape}, nil
		}
		return Key{}, err
	}
	if r != '[' && r != 'O' {
		// Meta-key or a second ESC; report the escape, drop the rest.
		return Key{Code: tcell.KeyEscape}, nil
	}
	var seq []rune
	for len(seq) < 8 {
		c, err := in.ReadRune(EscapeDelay)
		if err != nil {
			if isTimeout(err) {
				return Key{Code: tcell.KeyNUL}, nil
			}
			return Key{}, err
		}
		if c >= 0x40 && c <= 0x7e {
			if c != '~' {
				// Modifier parameters such as "1;5" are ignored.
				seq = seq[:0]
			}
			seq = append(seq, c)
			if code, ok := csiFinal[string(trimParams(seq))]; ok {
				return Key{Code: code}, nil
			}
			return Key{Code: tcell.KeyNUL}, nil
		}
		seq = append(seq, c)
	}
	return Key{Code: tcell.KeyNUL}, nil
}

// trimParams keeps the first parameter of a "N;M~" sequence.
func trimParams(seq []rune) []rune {
	for i, c := range seq {
		if c == ';' {
			return append(seq[:i:i], seq[len(seq)-1])
		}
	}
	return seq
}

// isTimeout matches input errors that mean "nothing arrived in time".
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
