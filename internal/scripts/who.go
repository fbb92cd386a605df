package scripts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/store"
	"github.com/tehmaze/x84/internal/termcap"
	"github.com/tehmaze/x84/internal/ui"
)

// who lists the online directory. The sysop may pick a caller from the
// list to disconnect.
func who(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	online := s.Store().Online.List()
	sysop := isSysop(s)
	var sb strings.Builder
	if sysop {
		sb.WriteString("|08  # |07")
	}
	fmt.Fprintf(&sb, "|08%-20s %-12s %-7s %8s|07\n", "handle", "doing", "via", "idle")
	for i, snap := range online {
		if sysop {
			fmt.Fprintf(&sb, "%3d ", i+1)
		}
		fmt.Fprintf(&sb, "%-20s %-12s %-7s %8s\n", termcap.EscapePipe(displayHandle(snap)), snap.Script, snap.Protocol,
			time.Since(snap.IdleSince).Truncate(time.Second))
	}
	if err := page(s, "who's online", sb.String()); err != nil {
		return runtime.Fail(err)
	}
	if !sysop || len(online) < 2 {
		return runtime.Return(nil)
	}

	choice, err := prompt(s, "|03disconnect #|08: |07", &ui.LineEditor{Width: 4})
	if err != nil {
		return runtime.Fail(err)
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(online) {
		return runtime.Return(nil)
	}
	target := online[n-1]
	if target.SessionID == s.ID {
		s.Print("Use goodbye to leave.\r\n")
		return runtime.Return(nil)
	}

	caps := s.Term().Caps()
	_, rows := s.Term().Size()
	question := fmt.Sprintf("disconnect %s? ", displayHandle(target))
	s.Print(caps.MoveTo(0, rows-1) + caps.Normal() + question)
	sel := ui.NewSelector(caps, ui.Width(question), rows-1, 12, "Yes", "No")
	answer, err := sel.Read(s)
	s.Print(caps.Normal() + "\r\n")
	if err != nil && !errors.Is(err, ui.ErrCancelled) {
		return runtime.Fail(err)
	}
	if answer != "Yes" {
		return runtime.Return(nil)
	}
	if s.Disconnect(target.SessionID) {
		s.Printf("%s disconnected.\r\n", displayHandle(target))
	} else {
		s.Print("That caller cannot be disconnected from here.\r\n")
	}
	return runtime.Return(nil)
}

func displayHandle(snap store.Snapshot) string {
	if snap.Handle == "" {
		return "(logging in)"
	}
	return snap.Handle
}

func lastCallers(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition {
	calls, err := s.Store().Users.LastCallers(s.Config().System.LastCallers)
	if err != nil {
		return runtime.Fail(err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "|08%-20s %-20s %-7s %s|07\n", "handle", "location", "via", "when")
	for _, c := range calls {
		fmt.Fprintf(&sb, "%-20s %-20s %-7s %s\n", termcap.EscapePipe(c.Handle), termcap.EscapePipe(c.Location),
			c.Protocol, c.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	if err := page(s, "last callers", sb.String()); err != nil {
		return runtime.Fail(err)
	}
	return runtime.Return(nil)
}
