package scripts

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"

	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/ui"
)

// mail reads private messages addressed to the caller and sends new ones.
func mail(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	if !loggedIn(s) {
		s.Print("You must be logged in to read mail.\r\n")
		return runtime.Return(nil)
	}
	mb := s.Store().Messages
	r := &reader{
		s:         s,
		tag:       "mail",
		filter:    store.FilterApproved,
		moderator: mb.IsModerator(s.Store().Poster(s.Handle())),
		member:    true,
		inbox:     true,
	}
	if err := r.reload(); err != nil {
		return runtime.Fail(err)
	}
	s.Pipe(fmt.Sprintf("\r\n|15mail|07 for |11%s|07: %d messages\r\n", termcap.EscapePipe(s.Handle()), len(r.msgs)))

	again := func(ctx context.Context, f *runtime.Frame, _ any) runtime.Transition {
		return mail(ctx, s, f)
	}
	for {
		s.Pipe("|08(|07r|08)|07ead |08(|07s|08)|07end |08(|07q|08)|07uit: ")
		k, err := ui.ReadKey(s)
		if err != nil {
			return runtime.Fail(err)
		}
		s.Print("\r\n")
		switch {
		case k.IsRune('r', 'R'):
			return r.browse(ctx, f, -1)
		case k.IsRune('s', 'S'):
			return runtime.Gosub(MsgWriter, runtime.Args{{Name: "private", Value: runtime.Bool(true)}}, again)
		case k.IsRune('q', 'Q') || k.Is(tcell.KeyEscape):
			return runtime.Return(nil)
		}
	}
}
