package ui

import (
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/tehmaze/x84/internal/termcap"
)

// Pager is a scrolling viewer over wrapped text with vi and cursor keys.
type Pager struct {
	X, Y          int
	Width, Height int

	caps  *termcap.Caps
	lines []string
	pos   int
	quit  bool
}

func NewPager(caps *termcap.Caps, x, y, width, height int) *Pager {
	return &Pager{X: x, Y: y, Width: max(width, 2), Height: max(height, 1), caps: caps}
}

// SetContent replaces the text. Pipe codes are kept and rendered.
func (p *Pager) SetContent(text string) {
	p.lines = Wrap(text, p.Width-1)
	p.SetPosition(p.pos)
}

// Append adds text and scrolls to the end.
func (p *Pager) Append(text string) string {
	p.lines = append(p.lines, Wrap(text, p.Width-1)...)
	p.SetPosition(len(p.lines))
	return p.Refresh()
}

func (p *Pager) Lines() []string { return p.lines }

// Position is the index of the first visible line.
func (p *Pager) Position() int { return p.pos }

// Bottom is the largest valid position.
func (p *Pager) Bottom() int {
	return max(0, len(p.lines)-p.Height)
}

// SetPosition clamps n to [0, Bottom] and reports whether it moved.
func (p *Pager) SetPosition(n int) bool {
	n = min(max(0, n), p.Bottom())
	moved := n != p.pos
	p.pos = n
	return moved
}

func (p *Pager) Quit() bool { return p.quit }

// Visible returns the lines currently shown.
func (p *Pager) Visible() []string {
	end := min(p.pos+p.Height, len(p.lines))
	return p.lines[p.pos:end]
}

// ProcessKey applies k and returns what must be drawn.
func (p *Pager) ProcessKey(k Key) string {
	target := p.pos
	switch {
	case k.Is(tcell.KeyCtrlL):
		return p.Refresh()
	case k.IsRune('k', 'K') || k.Is(tcell.KeyUp):
		target--
	case k.IsRune('j', 'J') || k.Is(tcell.KeyDown, tcell.KeyEnter):
		target++
	case k.IsRune('0') || k.Is(tcell.KeyHome):
		target = 0
	case k.IsRune('G') || k.Is(tcell.KeyEnd):
		target = len(p.lines)
	case k.IsRune('b', 'B') || k.Is(tcell.KeyPgUp):
		target -= p.Height
	case k.IsRune('f', 'F', ' ') || k.Is(tcell.KeyPgDn):
		target += p.Height
	case k.IsRune('q', 'Q') || k.Is(tcell.KeyEscape):
		p.quit = true
		return ""
	default:
		return ""
	}
	if p.SetPosition(target) {
		return p.Refresh()
	}
	return ""
}

// Refresh redraws the window.
func (p *Pager) Refresh() string {
	var sb strings.Builder
	visible := p.Visible()
	for row := 0; row < p.Height; row++ {
		line := ""
		if row < len(visible) {
			line = visible[row]
		}
		sb.WriteString(p.caps.MoveTo(p.X, p.Y+row))
		sb.WriteString(p.caps.Normal())
		sb.WriteString(termcap.DecodePipe(Pad(line, p.Width), p.caps))
		sb.WriteString(p.caps.Normal())
	}
	return sb.String()
}

// Read runs the pager until the caller quits.
func (p *Pager) Read(t Terminal) error {
	p.quit = false
	if err := t.Print(p.Refresh()); err != nil {
		return err
	}
	for !p.quit {
		k, err := ReadKey(t)
		if err != nil {
			return err
		}
		if out := p.ProcessKey(k); out != "" {
			if err := t.Print(out); err != nil {
				return err
			}
		}
	}
	return nil
}
