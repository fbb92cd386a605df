package ui

import (
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/tehmaze/x84/internal/termcap"
)

// Selector is a horizontal two-choice lightbar, e.g. yes/no.
type Selector struct {
	X, Y  int
	Width int
	Left  string
	Right string

	caps     *termcap.Caps
	right    bool
	quit     bool
	selected bool
}

// NewSelector starts with the left choice highlighted.
func NewSelector(caps *termcap.Caps, x, y, width int, left, right string) *Selector {
	return &Selector{X: x, Y: y, Width: width, Left: left, Right: right, caps: caps}
}

// Selection is the highlighted choice.
func (s *Selector) Selection() string {
	if s.right {
		return s.Right
	}
	return s.Left
}

func (s *Selector) Toggle() string {
	s.right = !s.right
	return s.Refresh()
}

func (s *Selector) MoveLeft() string {
	if !s.right {
		return ""
	}
	s.right = false
	return s.Refresh()
}

func (s *Selector) MoveRight() string {
	if s.right {
		return ""
	}
	s.right = true
	return s.Refresh()
}

func (s *Selector) ProcessKey(k Key) string {
	switch {
	case k.Is(tcell.KeyCtrlL):
		return s.Refresh()
	case k.IsRune('h') || k.Is(tcell.KeyLeft):
		return s.MoveLeft()
	case k.IsRune('l') || k.Is(tcell.KeyRight):
		return s.MoveRight()
	case k.IsRune(' ') || k.Is(tcell.KeyTab):
		return s.Toggle()
	case k.IsRune('y', 'Y') && strings.EqualFold(s.Left, "yes"):
		s.right = false
		s.selected = true
	case k.IsRune('n', 'N') && strings.EqualFold(s.Right, "no"):
		s.right = true
		s.selected = true
	case k.IsRune('q', 'Q') || k.Is(tcell.KeyEscape):
		s.quit = true
	case k.Is(tcell.KeyEnter):
		s.selected = true
	}
	return ""
}

// Refresh draws both halves, the selection in reverse video.
func (s *Selector) Refresh() string {
	leftW := (s.Width + 1) / 2
	rightW := s.Width / 2
	attr := func(on bool) string {
		if on {
			return s.caps.Reverse() + s.caps.Fg(11)
		}
		return s.caps.Fg(8)
	}
	var sb strings.Builder
	sb.WriteString(s.caps.MoveTo(s.X, s.Y))
	sb.WriteString(s.caps.Normal())
	sb.WriteString(attr(!s.right))
	sb.WriteString(termcap.EscapePipe(Center(s.Left, leftW)))
	sb.WriteString(s.caps.Normal())
	sb.WriteString(attr(s.right))
	sb.WriteString(termcap.EscapePipe(Center(s.Right, rightW)))
	sb.WriteString(s.caps.Normal())
	return sb.String()
}

// Read runs until Enter, returning the choice, or ErrCancelled.
func (s *Selector) Read(t Terminal) (string, error) {
	s.quit, s.selected = false, false
	if err := t.Print(s.Refresh()); err != nil {
		return "", err
	}
	for !s.quit && !s.selected {
		k, err := ReadKey(t)
		if err != nil {
			return "", err
		}
		if out := s.ProcessKey(k); out != "" {
			t.Print(out)
		}
	}
	if s.quit {
		return "", ErrCancelled
	}
	return s.Selection(), nil
}
