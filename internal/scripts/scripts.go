// Package scripts holds the built-in scripts: the login matrix, new user
// application, main menu, message reader and writer, private mail, who's
// online, last callers, character set, doors and logoff. Scripts of the same name in the Lua scripts
// directory replace them.
package scripts

import (
	"context"
	"errors"
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/tehmaze/x84/internal/runtime"
	"github.com/tehmaze/x84/internal/session"
	"github.com/tehmaze/x84/internal/ui"
)

// Names of the built-in scripts.
const (
	Matrix      = "matrix"
	NewUser     = "nua"
	Main        = "main"
	MsgReader   = "msgreader"
	MsgWriter   = "msgwriter"
	Mail        = "mail"
	Who         = "who"
	LastCallers = "lastcallers"
	Doors       = "doors"
	Charset     = "charset"
	Logoff      = "logoff"
)

// sysopGroup may disconnect other callers.
const sysopGroup = "sysop"

var errNoSession = errors.New("script started outside a session")

// Step is a script step with the session already resolved.
type Step func(ctx context.Context, s *session.Session, f *runtime.Frame) runtime.Transition

func script(step Step) runtime.Script {
	return runtime.ScriptFunc(func(ctx context.Context, f *runtime.Frame) runtime.Transition {
		s := session.FromContext(ctx)
		if s == nil {
			return runtime.Fail(errNoSession)
		}
		return step(ctx, s, f)
	})
}

// Register adds every built-in script to reg.
func Register(reg *runtime.Registry) {
	reg.Register(Matrix, script(matrix))
	reg.Register(NewUser, script(newUser))
	reg.Register(Main, script(mainMenu))
	reg.Register(MsgReader, script(msgReader))
	reg.Register(MsgWriter, script(msgWriter))
	reg.Register(Mail, script(mail))
	reg.Register(Who, script(who))
	reg.Register(LastCallers, script(lastCallers))
	reg.Register(Doors, script(doors))
	reg.Register(Charset, script(charset))
	reg.Register(Logoff, script(logoff))
}

// prompt shows label and reads a line. Escape yields an empty string.
func prompt(s *session.Session, label string, ed *ui.LineEditor) (string, error) {
	if err := s.Pipe(label); err != nil {
		return "", err
	}
	line, err := ed.Read(s)
	s.Print("\r\n")
	if errors.Is(err, ui.ErrCancelled) {
		return "", nil
	}
	return strings.TrimSpace(line), err
}

// confirm asks a yes/no question on its own line.
func confirm(s *session.Session, question string) (bool, error) {
	if err := s.Pipe("\r\n" + question + " "); err != nil {
		return false, err
	}
	for {
		k, err := ui.ReadKey(s)
		if err != nil {
			return false, err
		}
		switch {
		case k.IsRune('y', 'Y'):
			s.Print("yes\r\n")
			return true, nil
		case k.IsRune('n', 'N', 'q', 'Q') || k.Is(tcell.KeyEscape):
			s.Print("no\r\n")
			return false, nil
		}
	}
}

// page shows text in a full-screen pager under a title bar.
func page(s *session.Session, title, text string) error {
	caps := s.Term().Caps()
	cols, rows := s.Term().Size()
	if err := s.Print(caps.Clear()); err != nil {
		return err
	}
	s.Print(caps.MoveTo(0, 0) + caps.Reverse() + ui.Pad(" "+title, cols) + caps.Normal())
	p := ui.NewPager(caps, 0, 1, cols, max(rows-2, 1))
	p.SetContent(text)
	s.Print(caps.MoveTo(0, rows-1))
	s.Pipe("|08(|07q|08)|07uit |08(|07j/k|08)|07 scroll")
	if err := p.Read(s); err != nil {
		return err
	}
	s.Print(caps.Normal() + caps.Clear())
	return nil
}

// pause waits for any key.
func pause(s *session.Session) error {
	if err := s.Pipe("\r\n|08[|07press any key|08]|07"); err != nil {
		return err
	}
	_, err := ui.ReadKey(s)
	s.Print("\r\n")
	return err
}

// loggedIn reports whether the session has a real (non-anonymous) user.
func loggedIn(s *session.Session) bool {
	h := s.Handle()
	return h != "" && h != AnonymousHandle
}

func isSysop(s *session.Session) bool {
	if !loggedIn(s) {
		return false
	}
	rec, err := s.Store().Users.Get(s.Handle())
	return err == nil && rec.InGroup(sysopGroup)
}
