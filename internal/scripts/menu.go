package scripts

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/gdamore/tcell/v2"

	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/ui"
)

type menuItem struct {
	key    rune
	label  string
	script string
	// member items are hidden from anonymous callers.
	member bool
}

var mainItems = []menuItem{
	{'m', "read messages", MsgReader, false},
	{'p', "post a message", MsgWriter, true},
	{'e', "private mail", Mail, true},
	{'w', "who's online", Who, false},
	{'l', "last callers", LastCallers, false},
	{'d', "doors", Doors, true},
	{'c', "character set", Charset, false},
	{'g', "goodbye", Logoff, false},
}

func mainMenu(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	member := loggedIn(s)
	items := make([]menuItem, 0, len(mainItems))
	for _, it := range mainItems {
		if !it.member || member {
			items = append(items, it)
		}
	}

	caps := s.Term().Caps()
	var sb strings.Builder
	sb.WriteString(caps.Clear())
	fmt.Fprintf(&sb, "|15%s|07 main menu, |11%s|07\r\n\r\n", s.Config().System.Name, termcap.EscapePipe(s.Handle()))
	for _, it := range items {
		fmt.Fprintf(&sb, "  |08(|15%c|08)|07 %s\r\n", it.key, it.label)
	}
	if err := s.Pipe(sb.String()); err != nil {
		return runtime.Fail(err)
	}

	redraw := func(ctx context.Context, f *runtime.Frame, _ any) runtime.Transition {
		return mainMenu(ctx, s, f)
	}
	for {
		if err := s.Pipe("\r\n|03command|08: |07"); err != nil {
			return runtime.Fail(err)
		}
		k, err := ui.ReadKey(s)
		if err != nil {
			return runtime.Fail(err)
		}
		if k.Is(tcell.KeyCtrlL) {
			return mainMenu(ctx, s, f)
		}
		if k.Code != tcell.KeyRune {
			continue
		}
		r := unicode.ToLower(k.Rune)
		for _, it := range items {
			if it.key != r {
				continue
			}
			s.Print(it.label + "\r\n")
			if it.script == Logoff {
				return runtime.Goto(Logoff, f.Args)
			}
			return runtime.Gosub(it.script, nil, redraw)
		}
	}
}
